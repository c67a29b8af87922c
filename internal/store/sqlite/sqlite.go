// Package sqlite implements the store on a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/store"
)

// opTimeout is the hard ceiling on any single store call. Past it the
// operation fails as transient and the caller decides whether to retry.
const opTimeout = 5 * time.Second

// Store provides SQLite-backed persistence with a single-writer pool and a
// read-only pool, plus transparent message-content encryption.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	box    *box
	logger *logger.Logger
}

var _ store.Store = (*Store)(nil)

// Options configures Open.
type Options struct {
	// Path of the database file. Parent directories are created as needed.
	Path string
	// KeyPath of the 256-bit message encryption key. Created on first use
	// with 0600 permissions inside a 0700 directory.
	KeyPath string
}

// Open opens (creating if necessary) the database and encryption key.
func Open(opts Options, log *logger.Logger) (*Store, error) {
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		path = opts.Path
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ro, err := sqlx.Open("sqlite3", dsn+"&mode=ro")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	ro.SetMaxOpenConns(4)

	key, err := loadOrCreateKey(opts.KeyPath)
	if err != nil {
		_ = db.Close()
		_ = ro.Close()
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	b, err := newBox(key)
	if err != nil {
		_ = db.Close()
		_ = ro.Close()
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	s := &Store{db: db, ro: ro, box: b, logger: log}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		_ = ro.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	roErr := s.ro.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return roErr
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'primary',
		parent_agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		current_task_id TEXT,
		last_heartbeat INTEGER,
		soul_md TEXT NOT NULL DEFAULT '',
		skills TEXT NOT NULL DEFAULT '[]',
		config TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_tasks (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		linear_issue_id TEXT,
		project_id TEXT,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'medium',
		blocked_reason TEXT,
		blocked_at INTEGER,
		started_at INTEGER,
		completed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		"trigger" TEXT NOT NULL,
		priority_filter TEXT NOT NULL DEFAULT 'all',
		delay_ms INTEGER NOT NULL DEFAULT 0,
		channel TEXT NOT NULL DEFAULT 'in_app',
		enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		todo_id TEXT,
		session_id TEXT,
		project_id TEXT,
		read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS linear_projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS linear_issues (
		id TEXT PRIMARY KEY,
		project_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		state_type TEXT NOT NULL DEFAULT '',
		state_name TEXT NOT NULL DEFAULT '',
		assignee_name TEXT NOT NULL DEFAULT '',
		agent_task_id TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS linear_workflow_states (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_agent_id ON agent_tasks(agent_id);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_linear_issues_project_id ON linear_issues(project_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTimeout caps a store call at the transient-failure ceiling.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// classify maps driver errors onto the store's failure taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
	}
	return err
}

// inTx runs fn inside a write transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return classify(tx.Commit())
}

// nullStr converts an optional string for binding.
func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullInt converts an optional epoch-seconds value for binding.
func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
