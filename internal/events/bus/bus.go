// Package bus provides event bus abstractions for the control plane.
package bus

import (
	"context"

	"github.com/opencode/opencode-dashboard/internal/events"
)

// EventBus is the in-process topic publisher. Publish never blocks on
// subscribers: each subscription owns a bounded queue and slow consumers lose
// their oldest events (replaced by a gap marker) rather than stalling writers.
type EventBus interface {
	// Publish delivers the event to every active subscription.
	Publish(ctx context.Context, event *events.DashboardEvent) error

	// Subscribe registers a new subscription. The caller must drain C() and
	// call Unsubscribe when done.
	Subscribe() (*Subscription, error)

	// Close shuts down the bus and terminates all subscriptions.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
