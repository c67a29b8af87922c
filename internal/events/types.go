// Package events defines the dashboard event vocabulary shared by the event
// bus, the stream gateways, and every publisher in the control plane.
package events

// Event types pushed to dashboard clients. The literal strings are a wire
// contract: clients filter the stream by them, so they must stay stable.
// Todo events cover the agent task queue, sprint and project events the
// mirrored Linear cycles and projects.
const (
	AgentStatus    = "agent:status"
	AgentCreated   = "agent:created"
	AgentDeleted   = "agent:deleted"
	TodoCreated    = "todo:created"
	TodoUpdated    = "todo:updated"
	TodoDeleted    = "todo:deleted"
	SprintCreated  = "sprint:created"
	SprintUpdated  = "sprint:updated"
	MessageCreated = "message:created"
	MessageRead    = "message:read"
	IssueUpdated   = "issue:updated"
	ProjectUpdated = "project:updated"
)

// Stream control types. These never originate from publishers: Connected is
// synthesized by a gateway on connect, StreamGap is injected by a subscriber
// queue after it dropped events.
const (
	Connected = "connected"
	StreamGap = "stream:gap"
	Resync    = "resync"
)
