// Package alert converts lifecycle conditions into persisted notifications
// under timing, batching, and throttling policies. The engine's only coupling
// to the lifecycle manager is the Event struct; it never calls back into it.
package alert

import "github.com/opencode/opencode-dashboard/internal/store"

// Event describes a single alert-worthy lifecycle condition.
type Event struct {
	Trigger   store.Trigger
	AgentID   string
	TaskID    string
	Title     string
	Priority  store.Priority
	Reason    string
	ProjectID string
}
