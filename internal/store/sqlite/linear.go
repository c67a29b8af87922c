package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opencode/opencode-dashboard/internal/store"
)

// UpsertLinearIssue writes the mirror row. Fields absent from the incoming
// payload are defaulted to the prior values by the normalizer before this
// call, so the write is a plain last-write-wins replace.
func (s *Store) UpsertLinearIssue(ctx context.Context, issue *store.LinearIssue) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if issue.UpdatedAt == 0 {
		issue.UpdatedAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linear_issues (id, project_id, title, priority, state_type, state_name, assignee_name, agent_task_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			title = excluded.title,
			priority = excluded.priority,
			state_type = excluded.state_type,
			state_name = excluded.state_name,
			assignee_name = excluded.assignee_name,
			agent_task_id = excluded.agent_task_id,
			updated_at = excluded.updated_at
	`, issue.ID, nullStr(issue.ProjectID), issue.Title, issue.Priority, issue.StateType,
		issue.StateName, issue.AssigneeName, nullStr(issue.AgentTaskID), issue.UpdatedAt)
	return classify(err)
}

// GetLinearIssue retrieves a mirror row by ID.
func (s *Store) GetLinearIssue(ctx context.Context, id string) (*store.LinearIssue, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	issue := &store.LinearIssue{}
	var project, taskID sql.NullString
	err := s.ro.QueryRowxContext(ctx, `
		SELECT id, project_id, title, priority, state_type, state_name, assignee_name, agent_task_id, updated_at
		FROM linear_issues WHERE id = ?
	`, id).Scan(&issue.ID, &project, &issue.Title, &issue.Priority, &issue.StateType,
		&issue.StateName, &issue.AssigneeName, &taskID, &issue.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("linear issue %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	issue.ProjectID = strPtr(project)
	issue.AgentTaskID = strPtr(taskID)
	return issue, nil
}

// DeleteLinearIssue removes a mirror row. Deleting a missing row is a no-op.
func (s *Store) DeleteLinearIssue(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM linear_issues WHERE id = ?`, id)
	return classify(err)
}

// UpsertLinearProject writes the project mirror row.
func (s *Store) UpsertLinearProject(ctx context.Context, project *store.LinearProject) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if project.UpdatedAt == 0 {
		project.UpdatedAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linear_projects (id, name, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, project.ID, project.Name, project.State, project.UpdatedAt)
	return classify(err)
}

// DeleteLinearProject removes a project mirror row. No-op when missing.
func (s *Store) DeleteLinearProject(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM linear_projects WHERE id = ?`, id)
	return classify(err)
}

// LinkIssueToTask records the AgentTask an issue was assigned to.
func (s *Store) LinkIssueToTask(ctx context.Context, issueID, taskID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE linear_issues SET agent_task_id = ? WHERE id = ?`, taskID, issueID)
	if err != nil {
		return classify(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("linear issue %s: %w", issueID, store.ErrNotFound)
	}
	return nil
}
