package lifecycle

import (
	"context"
	"fmt"
	"time"
)

// Error aggregation: a counter per (agent, task) over a 10 minute window.
// The window opens on the first error and resets once it ages out.
const (
	errorWindow     = 600 * time.Second
	errorBlockCount = 3
	errorSleepCount = 5
)

type errorKey struct {
	agentID string
	taskID  string
}

type errorCounter struct {
	windowStart time.Time
	count       int
}

// RecordError counts one error against the task. The third error in a window
// blocks the task, the fifth additionally puts the agent to sleep. Returns
// whether this call crossed a threshold.
func (m *Manager) RecordError(ctx context.Context, agentID, taskID string) (bool, error) {
	unlock := m.lockAgent(agentID)
	defer unlock()

	now := m.timers.Now()

	m.mu.Lock()
	key := errorKey{agentID: agentID, taskID: taskID}
	c, ok := m.errors[key]
	if !ok || now.Sub(c.windowStart) > errorWindow {
		c = &errorCounter{windowStart: now}
		m.errors[key] = c
	}
	c.count++
	count := c.count
	elapsed := now.Sub(c.windowStart)
	m.mu.Unlock()

	switch count {
	case errorBlockCount:
		report := BlockReport{
			TaskID: taskID,
			Source: SourceRepeatedErrors,
			Reason: fmt.Sprintf("%d consecutive errors in %ds", count, int(elapsed.Seconds())),
		}
		if err := m.detectBlocked(ctx, agentID, report); err != nil {
			return true, err
		}
		return true, nil
	case errorSleepCount:
		if err := m.triggerSleep(ctx, agentID, "error_threshold"); err != nil {
			return true, err
		}
		return true, nil
	default:
		return false, nil
	}
}

func (m *Manager) clearErrorCounter(agentID, taskID string) {
	m.mu.Lock()
	delete(m.errors, errorKey{agentID: agentID, taskID: taskID})
	m.mu.Unlock()
}

func (m *Manager) clearErrorCounters(agentID string) {
	m.mu.Lock()
	for key := range m.errors {
		if key.agentID == agentID {
			delete(m.errors, key)
		}
	}
	m.mu.Unlock()
}
