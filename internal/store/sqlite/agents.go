package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"

	"github.com/opencode/opencode-dashboard/internal/store"
)

const agentColumns = `id, name, type, parent_agent_id, status, current_task_id, last_heartbeat, soul_md, skills, config, created_at`

// CreateAgent inserts a new agent. A duplicate ID is a conflict.
func (s *Store) CreateAgent(ctx context.Context, agent *store.Agent) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if agent.Type == "" {
		agent.Type = store.AgentTypePrimary
	}
	if agent.Status == "" {
		agent.Status = store.AgentIdle
	}
	if agent.CreatedAt == 0 {
		agent.CreatedAt = time.Now().Unix()
	}

	skills, err := json.Marshal(agent.Skills)
	if err != nil {
		skills = []byte("[]")
	}
	config, err := json.Marshal(agent.Config)
	if err != nil {
		config = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.Type, nullStr(agent.ParentAgentID), agent.Status,
		nullStr(agent.CurrentTaskID), nullInt(agent.LastHeartbeat), agent.SoulMD,
		string(skills), string(config), agent.CreatedAt)
	return classify(err)
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.ro.QueryRowxContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
		}
		return nil, classify(err)
	}
	return agent, nil
}

// ListAgents returns agents matching the filter, oldest first.
func (s *Store) ListAgents(ctx context.Context, filter store.AgentFilter) ([]*store.Agent, error) {
	ctx, span := otel.Tracer("dashboard-db").Start(ctx, "db.ListAgents")
	defer span.End()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	args := []interface{}{}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	if filter.Type != nil {
		query += ` AND type = ?`
		args = append(args, *filter.Type)
	}
	if filter.ParentID != nil {
		query += ` AND parent_agent_id = ?`
		args = append(args, *filter.ParentID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.ro.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*store.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, classify(err)
		}
		agents = append(agents, agent)
	}
	return agents, classify(rows.Err())
}

// UpdateAgent applies the non-nil fields and returns the updated row.
func (s *Store) UpdateAgent(ctx context.Context, id string, update store.AgentUpdate) (*store.Agent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `UPDATE agents SET id = id`
	args := []interface{}{}
	if update.Name != nil {
		query += `, name = ?`
		args = append(args, *update.Name)
	}
	if update.Status != nil {
		query += `, status = ?`
		args = append(args, *update.Status)
	}
	if update.ClearCurrent {
		query += `, current_task_id = NULL`
	} else if update.CurrentTaskID != nil {
		query += `, current_task_id = ?`
		args = append(args, *update.CurrentTaskID)
	}
	if update.LastHeartbeat != nil {
		query += `, last_heartbeat = ?`
		args = append(args, *update.LastHeartbeat)
	}
	if update.SoulMD != nil {
		query += `, soul_md = ?`
		args = append(args, *update.SoulMD)
	}
	if update.Skills != nil {
		skills, err := json.Marshal(*update.Skills)
		if err != nil {
			return nil, err
		}
		query += `, skills = ?`
		args = append(args, string(skills))
	}
	if update.Config != nil {
		config, err := json.Marshal(*update.Config)
		if err != nil {
			return nil, err
		}
		query += `, config = ?`
		args = append(args, string(config))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	return s.GetAgent(ctx, id)
}

// DeleteAgent removes the agent; its tasks cascade.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// SetAgentStatus writes the status column.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status store.AgentStatus) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`, status, agentID)
	if err != nil {
		return classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

// UpdateHeartbeat stamps last_heartbeat.
func (s *Store) UpdateHeartbeat(ctx context.Context, agentID string, ts int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat = ? WHERE id = ?`, ts, agentID)
	if err != nil {
		return classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

// RestartAgent resets the agent to idle with no current task.
func (s *Store) RestartAgent(ctx context.Context, agentID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, current_task_id = NULL WHERE id = ?`,
		store.AgentIdle, agentID)
	if err != nil {
		return classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

// StopAgent forces the agent offline and cancels its non-terminal tasks.
func (s *Store) StopAgent(ctx context.Context, agentID string, now int64) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var cancelled []string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE agents SET status = ?, current_task_id = NULL WHERE id = ?`,
			store.AgentOffline, agentID)
		if err != nil {
			return classify(err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM agent_tasks WHERE agent_id = ? AND status NOT IN (?, ?)`,
			agentID, store.TaskCompleted, store.TaskCancelled)
		if err != nil {
			return classify(err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return classify(err)
			}
			cancelled = append(cancelled, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return classify(err)
		}
		_ = rows.Close()

		_, err = tx.ExecContext(ctx, `
			UPDATE agent_tasks SET status = ?, completed_at = ?, updated_at = ?
			WHERE agent_id = ? AND status NOT IN (?, ?)
		`, store.TaskCancelled, now, now, agentID, store.TaskCompleted, store.TaskCancelled)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*store.Agent, error) {
	agent := &store.Agent{}
	var parent, current sql.NullString
	var heartbeat sql.NullInt64
	var skills, config string

	err := row.Scan(&agent.ID, &agent.Name, &agent.Type, &parent, &agent.Status,
		&current, &heartbeat, &agent.SoulMD, &skills, &config, &agent.CreatedAt)
	if err != nil {
		return nil, err
	}

	agent.ParentAgentID = strPtr(parent)
	agent.CurrentTaskID = strPtr(current)
	agent.LastHeartbeat = intPtr(heartbeat)
	_ = json.Unmarshal([]byte(skills), &agent.Skills)
	_ = json.Unmarshal([]byte(config), &agent.Config)
	return agent, nil
}
