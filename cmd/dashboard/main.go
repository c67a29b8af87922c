// Package main runs the dashboard control plane: the agent lifecycle manager,
// alert engine, event bus, gateways, and HTTP API in a single process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencode/opencode-dashboard/internal/alert"
	"github.com/opencode/opencode-dashboard/internal/api"
	"github.com/opencode/opencode-dashboard/internal/common/config"
	"github.com/opencode/opencode-dashboard/internal/common/httpmw"
	"github.com/opencode/opencode-dashboard/internal/common/logger"
	"github.com/opencode/opencode-dashboard/internal/common/tracing"
	"github.com/opencode/opencode-dashboard/internal/events/bus"
	"github.com/opencode/opencode-dashboard/internal/gateway/stream"
	"github.com/opencode/opencode-dashboard/internal/gateway/websocket"
	"github.com/opencode/opencode-dashboard/internal/lifecycle"
	"github.com/opencode/opencode-dashboard/internal/linear"
	"github.com/opencode/opencode-dashboard/internal/store/sqlite"
	"github.com/opencode/opencode-dashboard/internal/timer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting opencode-dashboard",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("data_dir", cfg.Storage.DataDir))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	traces, err := tracing.New(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	st, err := sqlite.Open(sqlite.Options{
		Path:    cfg.Storage.DatabasePath(),
		KeyPath: cfg.Storage.KeyPath(),
	}, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.SeedDefaultAlertRules(ctx); err != nil {
		return fmt.Errorf("failed to seed alert rules: %w", err)
	}

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(bus.NATSConfig{
			URL:           cfg.NATS.URL,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		eventBus = natsBus
		log.Info("using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	timers := timer.NewService()
	engine := alert.NewEngine(st, eventBus, timers, log)
	manager := lifecycle.NewManager(st, engine, eventBus, timers, engine.Limiter(), log)

	if err := manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	webhooks := linear.NewService(st, manager, eventBus, cfg.Linear.WebhookSecret, log)
	if cfg.Linear.WebhookSecret == "" {
		log.Warn("LINEAR_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}

	hub := websocket.NewHub(log)
	hubSub, err := eventBus.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe websocket hub: %w", err)
	}

	server := api.NewServer(st, manager, webhooks,
		stream.NewGateway(eventBus, log),
		websocket.NewHandler(hub, cfg.Server.AllowedOrigins, log),
		eventBus, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.Router(api.Options{
		APIKey:         cfg.Auth.APIKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      httpmw.NewRateLimiter(cfg.RateLimit.Window(), cfg.RateLimit.MaxRequests),
		Tracer:         traces.Tracer("dashboard"),
	})

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays at the configured value; zero keeps SSE and
		// WebSocket connections open indefinitely.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		hub.Forward(groupCtx, hubSub)
		return nil
	})
	group.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", zap.Error(err))
		}

		engine.Shutdown()
		manager.Shutdown()
		if err := traces.Shutdown(shutdownCtx); err != nil {
			log.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("opencode-dashboard stopped")
	return nil
}
