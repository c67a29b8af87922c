package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/opencode/opencode-dashboard/internal/store"
)

const taskColumns = `id, agent_id, linear_issue_id, project_id, title, status, priority, blocked_reason, blocked_at, started_at, completed_at, created_at, updated_at`

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.AgentTask, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.ro.QueryRowxContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		return nil, classify(err)
	}
	return task, nil
}

// ListTasksByAgent returns all tasks owned by the agent, oldest first.
func (s *Store) ListTasksByAgent(ctx context.Context, agentID string) ([]*store.AgentTask, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.ro.QueryxContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE agent_id = ? ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, classify(err)
	}
	return collectTasks(rows)
}

// ListTasksByStatus returns all tasks in the given status, oldest first.
// Used by startup reconciliation to find blocked tasks.
func (s *Store) ListTasksByStatus(ctx context.Context, status store.TaskStatus) ([]*store.AgentTask, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.ro.QueryxContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, classify(err)
	}
	return collectTasks(rows)
}

// UpdateTask applies admin edits (title, priority) and returns the row.
func (s *Store) UpdateTask(ctx context.Context, id string, update store.TaskUpdate) (*store.AgentTask, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `UPDATE agent_tasks SET updated_at = strftime('%s','now')`
	args := []interface{}{}
	if update.Title != nil {
		query += `, title = ?`
		args = append(args, *update.Title)
	}
	if update.Priority != nil {
		query += `, priority = ?`
		args = append(args, *update.Priority)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task by ID.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_tasks WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// AssignTask inserts the task in pending and moves its agent to working.
func (s *Store) AssignTask(ctx context.Context, task *store.AgentTask, heartbeat int64) (*store.AgentTask, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if task.Status == "" {
		task.Status = store.TaskPending
	}
	if task.Priority == "" {
		task.Priority = store.PriorityMedium
	}
	if task.CreatedAt == 0 {
		task.CreatedAt = heartbeat
	}
	task.UpdatedAt = task.CreatedAt

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var status store.AgentStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?`, task.AgentID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("agent %s: %w", task.AgentID, store.ErrNotFound)
		}
		if err != nil {
			return classify(err)
		}
		if status == store.AgentOffline {
			return fmt.Errorf("agent %s is offline: %w", task.AgentID, store.ErrConflict)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?, ?)
		`, task.ID, task.AgentID, nullStr(task.LinearIssueID), nullStr(task.ProjectID),
			task.Title, task.Status, task.Priority, task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return classify(err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = ?, last_heartbeat = ? WHERE id = ?
		`, store.AgentWorking, task.ID, heartbeat, task.AgentID)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// StartTask moves a pending task to in_progress, stamping started_at once.
func (s *Store) StartTask(ctx context.Context, agentID, taskID string, now int64) (*store.AgentTask, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		status, owner, err := taskStatus(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if owner != agentID {
			return fmt.Errorf("task %s is not owned by agent %s: %w", taskID, agentID, store.ErrConflict)
		}
		if status.Terminal() {
			return fmt.Errorf("task %s is %s: %w", taskID, status, store.ErrConflict)
		}
		if status != store.TaskPending {
			return fmt.Errorf("task %s is %s, cannot start: %w", taskID, status, store.ErrConflict)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
			WHERE id = ?
		`, store.TaskInProgress, now, now, taskID)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// BlockTask moves the task and its agent to blocked in one transaction.
func (s *Store) BlockTask(ctx context.Context, agentID, taskID, reason string, now int64) (*store.AgentTask, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		status, owner, err := taskStatus(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if owner != agentID {
			return fmt.Errorf("task %s is not owned by agent %s: %w", taskID, agentID, store.ErrConflict)
		}
		if status.Terminal() {
			return fmt.Errorf("task %s is %s: %w", taskID, status, store.ErrConflict)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agent_tasks SET status = ?, blocked_reason = ?, blocked_at = ?, updated_at = ?
			WHERE id = ?
		`, store.TaskBlocked, reason, now, now, taskID)
		if err != nil {
			return classify(err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = ? WHERE id = ?
		`, store.AgentBlocked, taskID, agentID)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// UnblockTask returns a blocked task to in_progress and its agent to working.
func (s *Store) UnblockTask(ctx context.Context, agentID, taskID string) (*store.AgentTask, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		status, owner, err := taskStatus(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if owner != agentID {
			return fmt.Errorf("task %s is not owned by agent %s: %w", taskID, agentID, store.ErrConflict)
		}
		if status != store.TaskBlocked {
			return fmt.Errorf("task %s is %s, not blocked: %w", taskID, status, store.ErrConflict)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = ?, blocked_reason = NULL, blocked_at = NULL, updated_at = strftime('%s','now')
			WHERE id = ?
		`, store.TaskInProgress, taskID)
		if err != nil {
			return classify(err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = ? WHERE id = ?
		`, store.AgentWorking, taskID, agentID)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// CompleteTask marks the task completed and settles the agent row. With no
// pending tasks left the agent parks in sleeping (sleepActive) or idle;
// otherwise it stays working with current_task_id advanced to the oldest
// pending task so a working agent always references a live task.
func (s *Store) CompleteTask(ctx context.Context, agentID, taskID string, now int64, sleepActive bool) (*store.Agent, *store.AgentTask, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	hasPending := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		status, owner, err := taskStatus(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if owner != agentID {
			return fmt.Errorf("task %s is not owned by agent %s: %w", taskID, agentID, store.ErrConflict)
		}
		if status.Terminal() {
			return fmt.Errorf("task %s is %s: %w", taskID, status, store.ErrConflict)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = ?, completed_at = ?, blocked_reason = NULL, blocked_at = NULL, updated_at = ?
			WHERE id = ?
		`, store.TaskCompleted, now, now, taskID)
		if err != nil {
			return classify(err)
		}

		var nextPending sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM agent_tasks
			WHERE agent_id = ? AND status = ?
			ORDER BY created_at, id LIMIT 1
		`, agentID, store.TaskPending).Scan(&nextPending)
		if err != nil && err != sql.ErrNoRows {
			return classify(err)
		}

		if nextPending.Valid {
			hasPending = true
			_, err = tx.ExecContext(ctx, `
				UPDATE agents SET status = ?, current_task_id = ? WHERE id = ?
			`, store.AgentWorking, nextPending.String, agentID)
			return classify(err)
		}

		next := store.AgentIdle
		if sleepActive {
			next = store.AgentSleeping
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = NULL WHERE id = ?
		`, next, agentID)
		return classify(err)
	})
	if err != nil {
		return nil, nil, false, err
	}

	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, false, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, false, err
	}
	return agent, task, hasPending, nil
}

// taskStatus reads a task's status and owner inside a transaction.
func taskStatus(ctx context.Context, tx *sqlx.Tx, taskID string) (store.TaskStatus, string, error) {
	var status store.TaskStatus
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT status, agent_id FROM agent_tasks WHERE id = ?`, taskID).Scan(&status, &owner)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	if err != nil {
		return "", "", classify(err)
	}
	return status, owner, nil
}

func collectTasks(rows *sqlx.Rows) ([]*store.AgentTask, error) {
	defer func() { _ = rows.Close() }()

	var tasks []*store.AgentTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, classify(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, classify(rows.Err())
}

func scanTask(row rowScanner) (*store.AgentTask, error) {
	task := &store.AgentTask{}
	var issue, project, reason sql.NullString
	var blockedAt, startedAt, completedAt sql.NullInt64

	err := row.Scan(&task.ID, &task.AgentID, &issue, &project, &task.Title,
		&task.Status, &task.Priority, &reason, &blockedAt, &startedAt,
		&completedAt, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	task.LinearIssueID = strPtr(issue)
	task.ProjectID = strPtr(project)
	task.BlockedReason = strPtr(reason)
	task.BlockedAt = intPtr(blockedAt)
	task.StartedAt = intPtr(startedAt)
	task.CompletedAt = intPtr(completedAt)
	return task, nil
}
