package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/events"
)

// subject carries every dashboard event when NATS is the backend.
const subject = "dashboard.events"

// NATSConfig holds the connection settings for the NATS backend.
type NATSConfig struct {
	URL           string
	MaxReconnects int
}

// NATSEventBus implements EventBus on a NATS connection so events can also be
// observed by out-of-process consumers. Local subscriptions keep the same
// bounded-queue semantics as the memory bus.
type NATSEventBus struct {
	nc     *nats.Conn
	logger *logger.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSEventBus connects to NATS and returns a bus backed by it.
func NewNATSEventBus(cfg NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.Name("opencode-dashboard"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return &NATSEventBus{
		nc:     nc,
		logger: log.WithFields(zap.String("component", "nats_event_bus")),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish marshals the event and hands it to NATS. Never blocks on consumers.
func (b *NATSEventBus) Publish(_ context.Context, event *events.DashboardEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe creates a local bounded-queue subscription fed from NATS.
func (b *NATSEventBus) Subscribe() (*Subscription, error) {
	sub := newSubscription(b.removeSubscription)

	natsSub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event events.DashboardEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to decode event", zap.Error(err))
			return
		}
		sub.enqueue(&event)
	})
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs[sub.id] = natsSub
	b.mu.Unlock()
	return sub, nil
}

func (b *NATSEventBus) removeSubscription(sub *Subscription) {
	b.mu.Lock()
	natsSub := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	if natsSub != nil {
		if err := natsSub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe from NATS", zap.Error(err))
		}
	}
}

// Close drains the connection.
func (b *NATSEventBus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("failed to drain NATS connection", zap.Error(err))
	}
	b.nc.Close()
	b.logger.Info("NATS event bus closed")
}

// IsConnected reports the underlying connection state.
func (b *NATSEventBus) IsConnected() bool {
	return b.nc.IsConnected()
}
