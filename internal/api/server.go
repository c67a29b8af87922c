// Package api mounts the HTTP surface of the control plane: agent and task
// administration, the lifecycle hooks agents call, notification queries, the
// webhook ingest, and the two event stream endpoints. Handlers stay thin;
// all policy lives in the lifecycle manager and the alert engine.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/common/httpmw"
	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/events"
	"github.com/opencode/opencode-dashboard/internal/events/bus"
	"github.com/opencode/opencode-dashboard/internal/gateway/stream"
	"github.com/opencode/opencode-dashboard/internal/gateway/websocket"
	"github.com/opencode/opencode-dashboard/internal/lifecycle"
	"github.com/opencode/opencode-dashboard/internal/linear"
	"github.com/opencode/opencode-dashboard/internal/store"
)

// Server holds the wired dependencies behind the HTTP surface.
type Server struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	linear    *linear.Service
	stream    *stream.Gateway
	ws        *websocket.Handler
	bus       bus.EventBus
	logger    *logger.Logger
}

// Options configures the router middleware.
type Options struct {
	// APIKey is the bearer token required on every /api endpoint except the
	// webhook, which authenticates with its HMAC signature instead.
	APIKey string
	// AllowedOrigins is the CORS allowlist. Empty admits any origin.
	AllowedOrigins []string
	// RateLimit applies to write requests under /api. Nil disables limiting.
	RateLimit *httpmw.RateLimiter
	// Tracer wraps each request in a span. Nil disables request tracing.
	Tracer trace.Tracer
}

// NewServer creates the API server over its collaborators.
func NewServer(st store.Store, lc *lifecycle.Manager, ln *linear.Service, sg *stream.Gateway, ws *websocket.Handler, eventBus bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		store:     st,
		lifecycle: lc,
		linear:    ln,
		stream:    sg,
		ws:        ws,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// Router builds the gin engine with all routes and middleware mounted.
func (s *Server) Router(opts Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.logger, "dashboard"))
	if opts.Tracer != nil {
		router.Use(httpmw.OtelTracing(opts.Tracer))
	}
	router.Use(corsMiddleware(opts.AllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The webhook sits outside bearer auth: Linear cannot send our token, so
	// the HMAC signature is the sole credential.
	router.POST("/api/linear/webhook", s.handleLinearWebhook)

	api := router.Group("/api")
	api.Use(httpmw.BearerAuth(opts.APIKey))
	if opts.RateLimit != nil {
		api.Use(opts.RateLimit.Middleware())
	}

	api.POST("/agents", s.createAgent)
	api.GET("/agents", s.listAgents)
	api.GET("/agents/:id", s.getAgent)
	api.PATCH("/agents/:id", s.updateAgent)
	api.DELETE("/agents/:id", s.deleteAgent)

	api.POST("/agents/:id/tasks", s.createTask)
	api.PATCH("/agents/:id/tasks/:taskId", s.updateTask)
	api.DELETE("/agents/:id/tasks/:taskId", s.deleteTask)

	api.POST("/agents/:id/heartbeat", s.heartbeat)
	api.POST("/agents/:id/block", s.reportBlocked)
	api.POST("/agents/:id/error", s.reportError)
	api.POST("/agents/:id/complete", s.completeTask)
	api.POST("/agents/:id/assign", s.assignTask)
	api.POST("/agents/:id/actions", s.agentAction)

	api.GET("/messages", s.listMessages)
	api.POST("/messages/:id/read", s.markMessageRead)

	api.GET("/alert-rules", s.listAlertRules)
	api.PATCH("/alert-rules/:id", s.updateAlertRule)

	api.GET("/settings/sleep-schedule", s.getSleepSchedule)
	api.PUT("/settings/sleep-schedule", s.putSleepSchedule)

	api.GET("/stream", s.stream.Handle)
	api.GET("/ws", s.ws.HandleConnection)

	return router
}

// publish fires a dashboard event for an admin-path mutation. Failures are
// logged; the mutation already committed.
func (s *Server) publish(c *gin.Context, eventType string, payload map[string]interface{}) {
	if err := s.bus.Publish(c.Request.Context(), events.New(eventType, payload)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}
