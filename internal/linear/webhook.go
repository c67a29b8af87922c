// Package linear ingests signed Linear webhooks, maintains the local issue
// and project mirror, and hands matching issues to the lifecycle manager for
// auto-assignment.
package linear

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/events"
	"github.com/opencode/opencode-dashboard/internal/events/bus"
	"github.com/opencode/opencode-dashboard/internal/lifecycle"
	"github.com/opencode/opencode-dashboard/internal/store"
)

// SignatureHeader carries the lowercase hex HMAC-SHA256 of the raw body.
const SignatureHeader = "linear-signature"

// ErrInvalidPayload marks webhook bodies the normalizer cannot make sense of.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Assigner is the hand-off into the lifecycle manager.
type Assigner interface {
	AssignTask(ctx context.Context, agentID string, req lifecycle.AssignRequest) (*store.AgentTask, error)
}

// Service processes verified webhook deliveries.
type Service struct {
	store    store.Store
	assigner Assigner
	bus      bus.EventBus
	secret   []byte
	logger   *logger.Logger
}

// NewService creates the ingest service. An empty secret disables
// verification success entirely; every delivery is then rejected.
func NewService(st store.Store, assigner Assigner, eventBus bus.EventBus, secret string, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		assigner: assigner,
		bus:      eventBus,
		secret:   []byte(secret),
		logger:   log.WithFields(zap.String("component", "linear-ingest")),
	}
}

// VerifySignature checks the delivery signature in constant time.
func (s *Service) VerifySignature(body []byte, signature string) bool {
	if len(s.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	// The signature is lowercase hex; anything else fails, including the
	// same digest in uppercase.
	return hmac.Equal([]byte(expected), []byte(signature))
}

type webhookPayload struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Pointer fields distinguish "absent" from "zero": absent fields keep their
// prior mirrored values.
type issuePayload struct {
	ID        string           `json:"id"`
	Title     *string          `json:"title"`
	Priority  *int             `json:"priority"`
	ProjectID *string          `json:"projectId"`
	State     *statePayload    `json:"state"`
	Assignee  *assigneePayload `json:"assignee"`
}

type statePayload struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type assigneePayload struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type projectPayload struct {
	ID    string  `json:"id"`
	Name  *string `json:"name"`
	State *string `json:"state"`
}

// HandleWebhook processes one verified delivery. Unknown entity types are
// accepted and ignored so new Linear features never break ingestion.
func (s *Service) HandleWebhook(ctx context.Context, body []byte) error {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch payload.Type {
	case "Issue":
		return s.handleIssue(ctx, payload.Action, payload.Data)
	case "Project":
		return s.handleProject(ctx, payload.Action, payload.Data)
	case "Cycle":
		return s.handleCycle(ctx, payload.Action, payload.Data)
	default:
		s.logger.Debug("ignoring webhook entity type", zap.String("type", payload.Type))
		return nil
	}
}

func (s *Service) handleIssue(ctx context.Context, action string, data json.RawMessage) error {
	var issue issuePayload
	if err := json.Unmarshal(data, &issue); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if issue.ID == "" {
		return fmt.Errorf("%w: issue id missing", ErrInvalidPayload)
	}

	if action == "remove" {
		if err := s.store.DeleteLinearIssue(ctx, issue.ID); err != nil {
			return err
		}
		s.publish(ctx, events.IssueUpdated, map[string]interface{}{
			"issue_id": issue.ID,
			"action":   action,
		})
		return nil
	}

	prior, err := s.store.GetLinearIssue(ctx, issue.ID)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	row := normalizeIssue(prior, issue)
	if err := s.store.UpsertLinearIssue(ctx, row); err != nil {
		return err
	}

	s.publish(ctx, events.IssueUpdated, map[string]interface{}{
		"issue_id": issue.ID,
		"action":   action,
	})

	s.maybeAutoAssign(ctx, issue.ID)
	return nil
}

func (s *Service) handleProject(ctx context.Context, action string, data json.RawMessage) error {
	var project projectPayload
	if err := json.Unmarshal(data, &project); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if project.ID == "" {
		return fmt.Errorf("%w: project id missing", ErrInvalidPayload)
	}

	if action == "remove" {
		if err := s.store.DeleteLinearProject(ctx, project.ID); err != nil {
			return err
		}
	} else {
		row := &store.LinearProject{ID: project.ID}
		if project.Name != nil {
			row.Name = *project.Name
		}
		if project.State != nil {
			row.State = *project.State
		}
		if err := s.store.UpsertLinearProject(ctx, row); err != nil {
			return err
		}
	}

	s.publish(ctx, events.ProjectUpdated, map[string]interface{}{
		"project_id": project.ID,
		"action":     action,
	})
	return nil
}

// handleCycle announces cycle changes as sprint events. Cycles carry no
// scheduling state the control plane acts on, so nothing is persisted.
func (s *Service) handleCycle(ctx context.Context, action string, data json.RawMessage) error {
	var cycle struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &cycle); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if cycle.ID == "" {
		return fmt.Errorf("%w: cycle id missing", ErrInvalidPayload)
	}

	eventType := events.SprintUpdated
	if action == "create" {
		eventType = events.SprintCreated
	}
	s.publish(ctx, eventType, map[string]interface{}{
		"sprint_id": cycle.ID,
		"action":    action,
	})
	return nil
}

// normalizeIssue merges the incoming payload over the prior mirror row.
func normalizeIssue(prior *store.LinearIssue, incoming issuePayload) *store.LinearIssue {
	row := &store.LinearIssue{ID: incoming.ID}
	if prior != nil {
		copied := *prior
		row = &copied
		row.UpdatedAt = 0
	}

	if incoming.Title != nil {
		row.Title = *incoming.Title
	}
	if incoming.Priority != nil {
		row.Priority = *incoming.Priority
	}
	if incoming.ProjectID != nil {
		row.ProjectID = incoming.ProjectID
	}
	if incoming.State != nil {
		row.StateType = incoming.State.Type
		row.StateName = incoming.State.Name
	}
	if incoming.Assignee != nil {
		if incoming.Assignee.DisplayName != "" {
			row.AssigneeName = incoming.Assignee.DisplayName
		} else {
			row.AssigneeName = incoming.Assignee.Name
		}
	}
	return row
}

// maybeAutoAssign hands an actively-worked issue to the agent whose name
// matches the assignee. Failures are logged, never returned: auto-assignment
// is opportunistic and must not fail the webhook.
func (s *Service) maybeAutoAssign(ctx context.Context, issueID string) {
	issue, err := s.store.GetLinearIssue(ctx, issueID)
	if err != nil {
		s.logger.Error("auto-assign failed to load issue", zap.String("issue_id", issueID), zap.Error(err))
		return
	}
	if issue.AgentTaskID != nil {
		return
	}
	if !stateActive(issue.StateType, issue.StateName) || issue.AssigneeName == "" {
		return
	}

	agent := s.matchAgent(ctx, issue.AssigneeName)
	if agent == nil {
		return
	}

	taskID := "linear_" + issueID
	task, err := s.assigner.AssignTask(ctx, agent.ID, lifecycle.AssignRequest{
		TaskID:        taskID,
		Title:         issue.Title,
		Priority:      priorityFromLinear(issue.Priority),
		LinearIssueID: &issue.ID,
		ProjectID:     issue.ProjectID,
	})
	if err != nil {
		s.logger.Warn("auto-assign rejected by lifecycle",
			zap.String("issue_id", issueID), zap.String("agent_id", agent.ID), zap.Error(err))
		return
	}

	s.logger.Info("issue auto-assigned",
		zap.String("issue_id", issueID),
		zap.String("agent_id", agent.ID),
		zap.String("task_id", task.ID))
}

func (s *Service) matchAgent(ctx context.Context, assignee string) *store.Agent {
	agents, err := s.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		s.logger.Error("auto-assign failed to list agents", zap.Error(err))
		return nil
	}

	want := normalize(assignee)
	for _, agent := range agents {
		if normalize(agent.Name) == want {
			return agent
		}
	}
	return nil
}

func stateActive(stateType, stateName string) bool {
	switch normalize(stateType) {
	case "started", "in_progress":
		return true
	}
	switch normalize(stateName) {
	case "started", "in progress", "in_progress":
		return true
	}
	return false
}

func priorityFromLinear(p int) store.Priority {
	switch {
	case p >= 3:
		return store.PriorityHigh
	case p == 2:
		return store.PriorityMedium
	default:
		return store.PriorityLow
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (s *Service) publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	if err := s.bus.Publish(ctx, events.New(eventType, payload)); err != nil {
		s.logger.Error("failed to publish linear event", zap.String("event_type", eventType), zap.Error(err))
	}
}
