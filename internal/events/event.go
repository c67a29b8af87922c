package events

import (
	"time"

	"github.com/google/uuid"
)

// DashboardEvent is a single message on the event bus. Payloads are opaque to
// the bus; only the gateways and clients interpret them.
type DashboardEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp_ms"`
}

// New creates an event with a fresh ID and the current wall-clock timestamp.
func New(eventType string, payload map[string]interface{}) *DashboardEvent {
	return &DashboardEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}
