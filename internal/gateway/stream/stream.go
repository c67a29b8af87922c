// Package stream serves the server-sent event feed consumed by dashboards.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/events"
	"github.com/opencode/opencode-dashboard/internal/events/bus"
)

const keepAliveInterval = 15 * time.Second

// Gateway fans bus events out to long-lived HTTP clients. Each client gets
// its own bounded bus subscription; when the bus had to drop events for a
// slow client a resync event tells it to re-fetch baseline state.
type Gateway struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewGateway creates a stream gateway over the bus.
func NewGateway(eventBus bus.EventBus, log *logger.Logger) *Gateway {
	return &Gateway{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "stream-gateway")),
	}
}

// Handle serves one client connection until it disconnects or a write fails.
// An optional "types" query parameter narrows the feed to a comma-separated
// set of event types; control events always pass.
func (g *Gateway) Handle(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	sub, err := g.bus.Subscribe()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event bus unavailable"})
		return
	}
	defer sub.Unsubscribe()

	wanted := parseTypeFilter(c.Query("types"))

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	connected := events.New(events.Connected, map[string]interface{}{
		"subscription_id": sub.ID(),
	})
	if err := writeEvent(c.Writer, connected); err != nil {
		return
	}
	flusher.Flush()

	g.logger.Debug("stream client connected", zap.String("subscription_id", sub.ID()))

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if event.Type == events.StreamGap {
				event = resyncEvent(event)
			} else if !wanted.allows(event.Type) {
				continue
			}
			if err := writeEvent(c.Writer, event); err != nil {
				g.logger.Debug("stream write failed, disconnecting",
					zap.String("subscription_id", sub.ID()), zap.Error(err))
				return
			}
			flusher.Flush()

		case <-keepAlive.C:
			if _, err := io.WriteString(c.Writer, ":\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resyncEvent converts the bus gap marker into the client-facing resync
// signal carrying the drop count.
func resyncEvent(gap *events.DashboardEvent) *events.DashboardEvent {
	dropped := gap.Payload["dropped"]
	return events.New(events.Resync, map[string]interface{}{"dropped": dropped})
}

// writeEvent frames one record as event:<type>\ndata:<json>\n\n.
func writeEvent(w io.Writer, event *events.DashboardEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event:%s\ndata:%s\n\n", event.Type, data)
	return err
}

type typeFilter map[string]bool

func parseTypeFilter(raw string) typeFilter {
	if raw == "" {
		return nil
	}
	f := make(typeFilter)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = true
		}
	}
	return f
}

// allows reports whether the event type passes the filter. A nil filter
// passes everything.
func (f typeFilter) allows(eventType string) bool {
	return f == nil || f[eventType]
}
