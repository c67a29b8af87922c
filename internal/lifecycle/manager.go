// Package lifecycle implements the agent and task state machines together
// with the watchdog policies around them: heartbeat surveillance, error-rate
// aggregation, block detection, and the sleep window. All public methods are
// safe for concurrent use and serialise per agent.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/alert"
	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/events"
	"github.com/opencode/opencode-dashboard/internal/events/bus"
	"github.com/opencode/opencode-dashboard/internal/store"
	"github.com/opencode/opencode-dashboard/internal/timer"
)

// Block sources accepted by DetectBlocked.
const (
	SourceExplicit       = "explicit"
	SourceQuestion       = "question"
	SourceRepeatedErrors = "repeated_errors"
	SourceIdle           = "idle"
	SourceResourceDenied = "resource_denied"
)

// ValidBlockSource reports whether the source tag is one the state machine
// understands.
func ValidBlockSource(source string) bool {
	switch source {
	case SourceExplicit, SourceQuestion, SourceRepeatedErrors, SourceIdle, SourceResourceDenied:
		return true
	}
	return false
}

// Alerts is the slice of the alert engine the manager drives. The engine
// never calls back; the dependency points this way only.
type Alerts interface {
	ProcessEvent(ctx context.Context, event alert.Event)
	ProcessImmediate(ctx context.Context, event alert.Event)
	CancelPendingAlerts(agentID, taskID string) int
	CancelPendingTrigger(agentID, taskID string, trigger store.Trigger) int
}

// PushGate decides whether a push notification for an agent fits the shared
// hourly budget. The composition root wires the alert engine's limiter here
// so both sides draw from the same counters.
type PushGate interface {
	Allow(agentID string, now time.Time) bool
}

// Manager owns all agent and task transitions plus the process-local watchdog
// state. The maps below are lost on restart and rebuilt by Reconcile.
type Manager struct {
	store  store.Store
	alerts Alerts
	bus    bus.EventBus
	timers timer.Scheduler
	push   PushGate
	logger *logger.Logger

	// mu guards the maps only; it is never held across a store call.
	mu         sync.Mutex
	agentLocks map[string]*sync.Mutex
	idleTimers map[string]timer.Handle
	errors     map[errorKey]*errorCounter
	schedule   *store.SleepSchedule
}

// NewManager wires the lifecycle manager. The sleep schedule is loaded by
// Reconcile.
func NewManager(st store.Store, alerts Alerts, eventBus bus.EventBus, timers timer.Scheduler, push PushGate, log *logger.Logger) *Manager {
	return &Manager{
		store:      st,
		alerts:     alerts,
		bus:        eventBus,
		timers:     timers,
		push:       push,
		logger:     log.WithFields(zap.String("component", "lifecycle")),
		agentLocks: make(map[string]*sync.Mutex),
		idleTimers: make(map[string]timer.Handle),
		errors:     make(map[errorKey]*errorCounter),
	}
}

// lockAgent serialises all mutations for one agent. When code ever needs two
// agents at once it must acquire in ascending ID order.
func (m *Manager) lockAgent(agentID string) func() {
	m.mu.Lock()
	l, ok := m.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.agentLocks[agentID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// RegisterAgent creates the agent in idle and announces it.
func (m *Manager) RegisterAgent(ctx context.Context, agent *store.Agent) (*store.Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}

	unlock := m.lockAgent(agent.ID)
	defer unlock()

	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	m.publish(ctx, events.AgentCreated, map[string]interface{}{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"type":     string(agent.Type),
		"status":   string(agent.Status),
	})
	m.logger.Info("agent registered", zap.String("agent_id", agent.ID), zap.String("name", agent.Name))
	return agent, nil
}

// RemoveAgent deletes the agent and tears down its watchdog state. Tasks
// cascade in the store.
func (m *Manager) RemoveAgent(ctx context.Context, agentID string) error {
	unlock := m.lockAgent(agentID)
	defer unlock()

	if err := m.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}

	m.cancelIdleMonitor(agentID)
	m.alerts.CancelPendingAlerts(agentID, "")
	m.clearErrorCounters(agentID)

	m.publish(ctx, events.AgentDeleted, map[string]interface{}{"agent_id": agentID})
	return nil
}

// AssignRequest carries the parameters of a task assignment.
type AssignRequest struct {
	TaskID        string
	Title         string
	Priority      store.Priority
	LinearIssueID *string
	ProjectID     *string
}

// AssignTask creates the task in pending and moves the agent to working. The
// Linear mirror link is best-effort; the idle monitor starts regardless.
func (m *Manager) AssignTask(ctx context.Context, agentID string, req AssignRequest) (*store.AgentTask, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	now := m.timers.Now()
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if req.Priority == "" {
		req.Priority = store.PriorityMedium
	}

	task := &store.AgentTask{
		ID:            req.TaskID,
		AgentID:       agentID,
		LinearIssueID: req.LinearIssueID,
		ProjectID:     req.ProjectID,
		Title:         req.Title,
		Status:        store.TaskPending,
		Priority:      req.Priority,
		CreatedAt:     now.Unix(),
		UpdatedAt:     now.Unix(),
	}

	created, err := m.store.AssignTask(ctx, task, now.Unix())
	if err != nil {
		return nil, err
	}

	if req.LinearIssueID != nil {
		if err := m.store.LinkIssueToTask(ctx, *req.LinearIssueID, created.ID); err != nil {
			m.logger.Warn("failed to link linear issue to task",
				zap.String("issue_id", *req.LinearIssueID),
				zap.String("task_id", created.ID), zap.Error(err))
		}
	}

	m.armIdleMonitor(agentID)

	m.publish(ctx, events.TodoCreated, map[string]interface{}{
		"task_id":  created.ID,
		"agent_id": agentID,
		"title":    created.Title,
		"priority": string(created.Priority),
	})
	m.publishStatus(ctx, agentID, store.AgentWorking, "task_assigned", created.ID)
	return created, nil
}

// StartTask moves a pending task to in_progress.
func (m *Manager) StartTask(ctx context.Context, agentID, taskID string) (*store.AgentTask, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	task, err := m.store.StartTask(ctx, agentID, taskID, m.timers.Now().Unix())
	if err != nil {
		return nil, err
	}

	m.publish(ctx, events.TodoUpdated, map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": agentID,
		"status":   string(task.Status),
	})
	return task, nil
}

// RefreshHeartbeat stamps last_heartbeat and pushes the idle monitor out by
// another interval.
func (m *Manager) RefreshHeartbeat(ctx context.Context, agentID string) error {
	unlock := m.lockAgent(agentID)
	defer unlock()

	if err := m.store.UpdateHeartbeat(ctx, agentID, m.timers.Now().Unix()); err != nil {
		return err
	}
	m.armIdleMonitor(agentID)
	return nil
}

// BlockReport is an observed blocking condition on a task.
type BlockReport struct {
	TaskID string
	Source string
	Reason string
}

// DetectBlocked transitions the task and its agent to blocked, raises the
// blocked alert, and invalidates any pending completion alerts for the task.
// A missing task is a no-op.
func (m *Manager) DetectBlocked(ctx context.Context, agentID string, report BlockReport) error {
	unlock := m.lockAgent(agentID)
	defer unlock()
	return m.detectBlocked(ctx, agentID, report)
}

// detectBlocked requires the agent lock.
func (m *Manager) detectBlocked(ctx context.Context, agentID string, report BlockReport) error {
	if _, err := m.store.GetTask(ctx, report.TaskID); err != nil {
		if store.IsNotFound(err) {
			m.logger.Info("block report for missing task, ignoring",
				zap.String("agent_id", agentID), zap.String("task_id", report.TaskID))
			return nil
		}
		return err
	}

	reason := fmt.Sprintf("[%s] %s", report.Source, report.Reason)
	task, err := m.store.BlockTask(ctx, agentID, report.TaskID, reason, m.timers.Now().Unix())
	if err != nil {
		return err
	}

	// A block supersedes any completion alert still waiting on this task.
	m.alerts.CancelPendingTrigger(agentID, task.ID, store.TriggerCompleted)
	m.alerts.ProcessEvent(ctx, alert.Event{
		Trigger:   store.TriggerBlocked,
		AgentID:   agentID,
		TaskID:    task.ID,
		Title:     task.Title,
		Priority:  task.Priority,
		Reason:    reason,
		ProjectID: deref(task.ProjectID),
	})

	m.cancelIdleMonitor(agentID)
	m.publishStatus(ctx, agentID, store.AgentBlocked, "blocked", task.ID)
	m.logger.Info("agent blocked",
		zap.String("agent_id", agentID), zap.String("task_id", task.ID),
		zap.String("source", report.Source))
	return nil
}

// CompleteTask marks the task completed and settles the agent: idle or
// sleeping when nothing is pending, otherwise it advances to the next task.
func (m *Manager) CompleteTask(ctx context.Context, agentID, taskID string) (*store.Agent, *store.AgentTask, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	now := m.timers.Now()
	sleepActive := m.inSleepWindowAt(now)

	agent, task, hasPending, err := m.store.CompleteTask(ctx, agentID, taskID, now.Unix(), sleepActive)
	if err != nil {
		return nil, nil, err
	}

	m.cancelIdleMonitor(agentID)
	if hasPending {
		// Still working on the next pending task, keep watching.
		m.armIdleMonitor(agentID)
	}

	m.clearErrorCounter(agentID, taskID)
	m.alerts.CancelPendingTrigger(agentID, taskID, store.TriggerBlocked)
	m.alerts.ProcessEvent(ctx, alert.Event{
		Trigger:   store.TriggerCompleted,
		AgentID:   agentID,
		TaskID:    task.ID,
		Title:     task.Title,
		Priority:  task.Priority,
		ProjectID: deref(task.ProjectID),
	})

	m.publishStatus(ctx, agentID, agent.Status, "task_completed", task.ID)
	return agent, task, nil
}

// TriggerSleep parks the agent in sleeping. Already sleeping or offline
// agents are left alone.
func (m *Manager) TriggerSleep(ctx context.Context, agentID, reason string) error {
	unlock := m.lockAgent(agentID)
	defer unlock()
	return m.triggerSleep(ctx, agentID, reason)
}

// triggerSleep requires the agent lock.
func (m *Manager) triggerSleep(ctx context.Context, agentID, reason string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == store.AgentSleeping || agent.Status == store.AgentOffline {
		return nil
	}

	if err := m.store.SetAgentStatus(ctx, agentID, store.AgentSleeping); err != nil {
		return err
	}

	m.cancelIdleMonitor(agentID)
	m.publish(ctx, events.AgentStatus, map[string]interface{}{
		"agent_id": agentID,
		"status":   string(store.AgentSleeping),
		"action":   "sleeping",
		"reason":   reason,
	})
	m.logger.Info("agent sleeping", zap.String("agent_id", agentID), zap.String("reason", reason))
	return nil
}

// TriggerWake returns a sleeping agent to idle; a no-op for any other state.
func (m *Manager) TriggerWake(ctx context.Context, agentID string) error {
	unlock := m.lockAgent(agentID)
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status != store.AgentSleeping {
		return nil
	}

	if err := m.store.SetAgentStatus(ctx, agentID, store.AgentIdle); err != nil {
		return err
	}
	m.publishStatus(ctx, agentID, store.AgentIdle, "wake", "")
	return nil
}

// Unblock returns the agent's current blocked task to in_progress.
func (m *Manager) Unblock(ctx context.Context, agentID string) (*store.AgentTask, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.CurrentTaskID == nil {
		return nil, fmt.Errorf("agent %s has no task to unblock: %w", agentID, store.ErrConflict)
	}

	task, err := m.store.UnblockTask(ctx, agentID, *agent.CurrentTaskID)
	if err != nil {
		return nil, err
	}

	cancelled := m.alerts.CancelPendingAlerts(agentID, task.ID)
	m.logger.Debug("unblock cancelled pending alerts",
		zap.String("agent_id", agentID), zap.Int("cancelled", cancelled))

	m.armIdleMonitor(agentID)
	m.publishStatus(ctx, agentID, store.AgentWorking, "unblocked", task.ID)
	return task, nil
}

// StopAgent forces the agent offline, cancelling its open tasks and all
// process-local watchdog state.
func (m *Manager) StopAgent(ctx context.Context, agentID string) ([]string, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	cancelled, err := m.store.StopAgent(ctx, agentID, m.timers.Now().Unix())
	if err != nil {
		return nil, err
	}

	m.cancelIdleMonitor(agentID)
	m.alerts.CancelPendingAlerts(agentID, "")
	m.clearErrorCounters(agentID)

	m.publish(ctx, events.AgentStatus, map[string]interface{}{
		"agent_id":        agentID,
		"status":          string(store.AgentOffline),
		"action":          "stopped",
		"cancelled_tasks": cancelled,
	})
	return cancelled, nil
}

// RestartAgent resets the agent to a clean idle slate.
func (m *Manager) RestartAgent(ctx context.Context, agentID string) error {
	unlock := m.lockAgent(agentID)
	defer unlock()

	if err := m.store.RestartAgent(ctx, agentID); err != nil {
		return err
	}

	m.cancelIdleMonitor(agentID)
	m.alerts.CancelPendingAlerts(agentID, "")
	m.clearErrorCounters(agentID)

	m.publishStatus(ctx, agentID, store.AgentIdle, "restarted", "")
	return nil
}

// ShouldSendMessage is the cross-agent delivery gate. In-app messages are
// always allowed; push draws from the shared hourly budget.
func (m *Manager) ShouldSendMessage(agentID string, channel store.Channel) bool {
	if channel != store.ChannelPush {
		return true
	}
	return m.push.Allow(agentID, m.timers.Now())
}

// Shutdown cancels all watchdog timers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for agentID, h := range m.idleTimers {
		h.Cancel()
		delete(m.idleTimers, agentID)
	}
}

func (m *Manager) publishStatus(ctx context.Context, agentID string, status store.AgentStatus, action, taskID string) {
	payload := map[string]interface{}{
		"agent_id": agentID,
		"status":   string(status),
		"action":   action,
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	m.publish(ctx, events.AgentStatus, payload)
}

func (m *Manager) publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	if err := m.bus.Publish(ctx, events.New(eventType, payload)); err != nil {
		m.logger.Error("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
