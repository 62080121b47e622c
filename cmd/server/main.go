/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp Settlement Engine server.
  Handles configuration, dependency injection, background jobs and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and environment (config.Load), then apply flags
  2. Build the zap logger (console + rotating file)
  3. Build the container: store, rail, QR, events, engine
  4. Configure HTTP router
  5. Start the completion sweep and auto payout jobs
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides APP_PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. The important ones:
  STORE_DRIVER, JWT_SECRET, GATEWAY, REDIS_URL, NATS_URL, ENABLE_SCENARIOS

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for running jobs)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store, cache and event connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/warp.db"

  # Run in-memory with demo scenarios
  STORE_DRIVER=memory ENABLE_SCENARIOS=true ./server

SEE ALSO:
  - api/server.go: Router configuration
  - bootstrap/container.go: Dependency wiring
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/bootstrap"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/logging"
)

const devJWTSecret = "dev-secret-change-me"

func main() {
	// Flags
	port := flag.String("port", "", "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.App.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}

	level := zap.DebugLevel
	if cfg.App.IsProduction() {
		level = zap.InfoLevel
	}
	logger := logging.New(logging.Options{
		FilePath:   cfg.App.LogFilePath,
		Production: cfg.App.IsProduction(),
		Level:      level,
	})
	defer logger.Sync()

	if cfg.Auth.JWTSecret == "" {
		if cfg.App.IsProduction() {
			logger.Fatal("JWT_SECRET is required in production")
		}
		logger.Warn("JWT_SECRET not set, using development secret")
		cfg.Auth.JWTSecret = devJWTSecret
	}

	// Initialize dependencies
	container, err := bootstrap.NewContainer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	handler := api.NewHandler(container.Engine, logging.Module(logger, "api"))
	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           api.NewAuthenticator(cfg.Auth.JWTSecret),
		AllowedOrigins: cfg.App.CorsAllowedOrigins,
		Scenarios:      cfg.App.Scenarios,
	})

	scheduler, err := api.NewSettlementScheduler(container.Engine, api.SchedulerConfig{
		SweepInterval:      cfg.Jobs.SweepInterval,
		AutoPayoutInterval: cfg.Jobs.AutoPayoutInterval,
	}, logging.Module(logger, "scheduler"))
	if err != nil {
		logger.Fatal("failed to create scheduler", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.App.Environment),
			zap.String("store", cfg.Store.Driver),
			zap.String("gateway", cfg.Gateway.Driver),
			zap.Bool("scenarios", cfg.App.Scenarios))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	if err := scheduler.Stop(); err != nil {
		logger.Warn("scheduler stop", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := container.Close(); err != nil {
		logger.Warn("closing dependencies", zap.Error(err))
	}

	logger.Info("server stopped")
}
