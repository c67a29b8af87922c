package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/store"
)

// CreateMessage persists a notification, encrypting its content, and returns
// the monotonically assigned ID.
func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}

	sealed, err := s.box.seal(msg.Content)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt message content: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (type, content, todo_id, session_id, project_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.Type, sealed, nullStr(msg.TodoID), nullStr(msg.SessionID), nullStr(msg.ProjectID),
		boolToInt(msg.Read), msg.CreatedAt)
	if err != nil {
		return 0, classify(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, classify(err)
	}
	msg.ID = id
	return id, nil
}

// ListMessages returns messages newest first, decrypted.
func (s *Store) ListMessages(ctx context.Context, filter store.MessageFilter) ([]*store.Message, error) {
	ctx, span := otel.Tracer("dashboard-db").Start(ctx, "db.ListMessages")
	defer span.End()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT id, type, content, todo_id, session_id, project_id, read, created_at FROM messages WHERE 1=1`
	args := []interface{}{}
	if filter.UnreadOnly {
		query += ` AND read = 0`
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.ro.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*store.Message
	for rows.Next() {
		msg := &store.Message{}
		var sealed string
		var todo, session, project sql.NullString
		var read int
		if err := rows.Scan(&msg.ID, &msg.Type, &sealed, &todo, &session, &project, &read, &msg.CreatedAt); err != nil {
			return nil, classify(err)
		}
		content, err := s.box.open(sealed)
		if err != nil {
			// A row we cannot decrypt is unreadable, not fatal for the list.
			s.logger.Error("failed to decrypt message content",
				zap.Int64("message_id", msg.ID), zap.Error(err))
			continue
		}
		msg.Content = content
		msg.TodoID = strPtr(todo)
		msg.SessionID = strPtr(session)
		msg.ProjectID = strPtr(project)
		msg.Read = read != 0
		messages = append(messages, msg)
	}
	return messages, classify(rows.Err())
}

// MarkMessageRead flips the read flag.
func (s *Store) MarkMessageRead(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `UPDATE messages SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("message %d: %w", id, store.ErrNotFound)
	}
	return nil
}
