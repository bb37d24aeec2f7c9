package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ogent/ogent/internal/common/config"
	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/internal/controller/ai"
	"github.com/ogent/ogent/internal/controller/api"
	"github.com/ogent/ogent/internal/controller/auth"
	"github.com/ogent/ogent/internal/controller/command"
	"github.com/ogent/ogent/internal/controller/registry"
	"github.com/ogent/ogent/internal/controller/router"
	"github.com/ogent/ogent/internal/controller/ws"
	"github.com/ogent/ogent/internal/events/bus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Ogent controller...")

	// 3. Select the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Initialize core components
	authSvc := auth.NewService(cfg.Controller)
	agents := registry.NewRegistry(eventBus, log)
	commands := command.NewRegistry(cfg.Controller.CommandRetention, log)
	processor := ai.NewProcessor(cfg.AI, log)
	if processor.Enabled() {
		log.Info("AI pre-processing enabled", zap.String("model", cfg.AI.Model))
	}

	// 5. Wire the session hub and the router
	hub := ws.NewHub(log)
	rt := router.New(hub, agents, commands, processor, eventBus, cfg.Controller, cfg.AI, log)
	hub.SetSink(rt)
	wsHandler := ws.NewHandler(hub, authSvc, log)

	// 6. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	// 7. Register API routes
	api.SetupRoutes(engine, authSvc, agents, commands, rt, wsHandler, log)

	// 8. Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Controller.ListenHost, cfg.Controller.ListenPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  cfg.Controller.ReadTimeoutDuration(),
		WriteTimeout: cfg.Controller.WriteTimeoutDuration(),
	}

	// 9. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down controller...")

	// 11. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	rt.Shutdown()
	hub.CloseAll()
	agents.Close()

	log.Info("Controller stopped")
}
