package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/alert"
	"github.com/opencode/opencode-dashboard/internal/store"
)

// Reconcile rebuilds the process-local watchdog state after a restart: idle
// monitors for every working agent, and an immediate re-evaluation of every
// blocked task. Delayed alerts lost in the crash re-fire conservatively, so
// notifications are at-least-once across restarts.
func (m *Manager) Reconcile(ctx context.Context) error {
	if schedule, err := m.store.GetSleepSchedule(ctx); err == nil {
		m.mu.Lock()
		m.schedule = schedule
		m.mu.Unlock()
	} else if !store.IsNotFound(err) {
		return err
	}

	agents, err := m.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return err
	}

	watching := 0
	for _, agent := range agents {
		if agent.Status == store.AgentWorking {
			m.armIdleMonitor(agent.ID)
			watching++
		}
	}

	blocked, err := m.store.ListTasksByStatus(ctx, store.TaskBlocked)
	if err != nil {
		return err
	}
	for _, task := range blocked {
		m.alerts.ProcessImmediate(ctx, alert.Event{
			Trigger:   store.TriggerBlocked,
			AgentID:   task.AgentID,
			TaskID:    task.ID,
			Title:     task.Title,
			Priority:  task.Priority,
			Reason:    deref(task.BlockedReason),
			ProjectID: deref(task.ProjectID),
		})
	}

	m.logger.Info("lifecycle state reconciled",
		zap.Int("agents", len(agents)),
		zap.Int("idle_monitors", watching),
		zap.Int("blocked_tasks", len(blocked)))
	return nil
}
