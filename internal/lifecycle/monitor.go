package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/alert"
	"github.com/opencode/opencode-dashboard/internal/store"
)

const (
	idleCheckInterval = 300 * time.Second
	monitorOpTimeout  = 10 * time.Second

	// Heartbeat silence thresholds, whole seconds.
	idleBlockAfter = 300
	idleAlertAfter = 1800
)

// armIdleMonitor (re)starts the single watchdog timer for the agent.
func (m *Manager) armIdleMonitor(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.idleTimers[agentID]; ok {
		h.Cancel()
	}
	m.idleTimers[agentID] = m.timers.Schedule(idleCheckInterval, func() {
		m.idleCheck(agentID)
	})
}

func (m *Manager) cancelIdleMonitor(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.idleTimers[agentID]; ok {
		h.Cancel()
		delete(m.idleTimers, agentID)
	}
}

// idleCheck runs on timer fire. A silent working agent is declared blocked; a
// long-silent agent with queued work raises idle_too_long. In every other
// case the monitor re-arms and keeps watching.
func (m *Manager) idleCheck(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), monitorOpTimeout)
	defer cancel()

	unlock := m.lockAgent(agentID)
	defer unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		if store.IsNotFound(err) {
			m.cancelIdleMonitor(agentID)
			return
		}
		m.logger.Error("idle check failed to load agent",
			zap.String("agent_id", agentID), zap.Error(err))
		m.armIdleMonitor(agentID)
		return
	}

	now := m.timers.Now().Unix()
	seen := agent.CreatedAt
	if agent.LastHeartbeat != nil {
		seen = *agent.LastHeartbeat
	}
	silence := now - seen

	if agent.Status == store.AgentWorking && silence > idleBlockAfter && agent.CurrentTaskID != nil {
		report := BlockReport{
			TaskID: *agent.CurrentTaskID,
			Source: SourceIdle,
			Reason: fmt.Sprintf("idle %d minutes with in_progress task", silence/60),
		}
		if err := m.detectBlocked(ctx, agentID, report); err != nil {
			m.logger.Error("idle check failed to block agent",
				zap.String("agent_id", agentID), zap.Error(err))
			m.armIdleMonitor(agentID)
		}
		return
	}

	if silence > idleAlertAfter {
		if pending := m.firstPendingTask(ctx, agentID); pending != nil {
			m.alerts.ProcessEvent(ctx, alert.Event{
				Trigger:   store.TriggerIdleTooLong,
				AgentID:   agentID,
				TaskID:    pending.ID,
				Title:     pending.Title,
				Priority:  store.PriorityMedium,
				ProjectID: deref(pending.ProjectID),
			})
		}
	}

	m.armIdleMonitor(agentID)
}

func (m *Manager) firstPendingTask(ctx context.Context, agentID string) *store.AgentTask {
	tasks, err := m.store.ListTasksByAgent(ctx, agentID)
	if err != nil {
		m.logger.Error("idle check failed to list tasks",
			zap.String("agent_id", agentID), zap.Error(err))
		return nil
	}
	for _, t := range tasks {
		if t.Status == store.TaskPending {
			return t
		}
	}
	return nil
}
