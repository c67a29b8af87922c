package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/events"
)

// MemoryEventBus implements EventBus with in-process fan-out. This is the
// default backend for the single-process deployment.
type MemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	closed      bool
	logger      *logger.Logger
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscribers: make(map[string]*Subscription),
		logger:      log.WithFields(zap.String("component", "event_bus")),
	}
}

// Publish delivers the event to all active subscriptions without blocking.
func (b *MemoryEventBus) Publish(_ context.Context, event *events.DashboardEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscribers {
		sub.enqueue(event)
	}

	b.logger.Debug("published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", len(b.subscribers)))
	return nil
}

// Subscribe registers a new bounded-queue subscription.
func (b *MemoryEventBus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := newSubscription(b.removeSubscription)
	b.subscribers[sub.id] = sub

	b.logger.Debug("subscriber added", zap.String("subscription_id", sub.id))
	return sub, nil
}

func (b *MemoryEventBus) removeSubscription(sub *Subscription) {
	b.mu.Lock()
	delete(b.subscribers, sub.id)
	b.mu.Unlock()
}

// Close terminates all subscriptions and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
