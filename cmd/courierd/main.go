// Package main is the entry point for courierd, the real-time event
// routing core. It ingests agent run events from the event bus and routes
// them to user WebSocket connections.
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

	"github.com/courierdev/courier/internal/bridge"
	"github.com/courierdev/courier/internal/common/config"
	"github.com/courierdev/courier/internal/common/httpmw"
	"github.com/courierdev/courier/internal/common/logger"
	"github.com/courierdev/courier/internal/events"
	gatewayws "github.com/courierdev/courier/internal/gateway/websocket"
	"github.com/courierdev/courier/internal/registry"
	"github.com/courierdev/courier/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting courierd...")

	// 3. Root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Event bus (in-memory, or NATS when configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// 5. Thread-to-run registry with background TTL sweeping
	reg := registry.New(registry.Config{
		MappingTTL:      cfg.Registry.MappingTTL(),
		CleanupInterval: cfg.Registry.CleanupInterval(),
		MaxMappings:     cfg.Registry.MaxMappings,
		DebugLogging:    cfg.Registry.EnableDebugLogging,
	}, log)
	reg.Start()

	// 6. Connection manager
	manager := gatewayws.NewManager(gatewayws.ManagerConfig{
		MaxFailedQueue: cfg.Gateway.MaxFailedQueue,
		SendRetries:    cfg.Gateway.SendRetries,
	}, log)

	// 7. Agent bridge and bus ingestion
	agentBridge := bridge.New(bridge.Config{
		InitTimeout:      cfg.Bridge.InitTimeout(),
		HealthInterval:   cfg.Bridge.HealthInterval(),
		RecoveryAttempts: cfg.Bridge.RecoveryAttempts,
		RecoveryMaxWait:  time.Duration(cfg.Bridge.RecoveryMaxWaitSecs) * time.Second,
	}, reg, manager, nil, log)
	if err := agentBridge.Initialize(ctx); err != nil {
		log.Fatal("Failed to initialize bridge", zap.Error(err))
	}

	ingest := bridge.NewIngest(provided.Bus, agentBridge, reg, log)
	if err := ingest.Start(); err != nil {
		log.Fatal("Failed to start event ingest", zap.Error(err))
	}

	// 8. HTTP server with the WebSocket endpoint
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "courierd"))
	router.Use(httpmw.OtelTracing("courierd"))

	wsHandler := gatewayws.NewHandler(manager, nil, gatewayws.HandlerConfig{
		WriteWait: time.Duration(cfg.Gateway.WriteWaitSecs) * time.Second,
		PongWait:  time.Duration(cfg.Gateway.PongWaitSecs) * time.Second,
	}, log)
	gateway := gatewayws.NewGateway(manager, wsHandler)
	gateway.RegisterHealthReporter("registry", reg)
	gateway.RegisterHealthReporter("bridge", agentBridge)
	gateway.SetupRoutes(router)
	if cfg.Registry.EnableDebugLogging {
		gateway.SetupDebugRoutes(router, func() any { return reg.DebugSnapshot() })
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("WebSocket server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("health", "/healthz"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		log.Info("Shutting down courierd...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		ingest.Stop()
		agentBridge.Shutdown(shutdownCtx)
		manager.Shutdown(shutdownCtx)
		reg.Shutdown()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracer shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
	log.Info("courierd stopped")
}
