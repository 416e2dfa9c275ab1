package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"erpchat/internal/api"
	"erpchat/internal/auth"
	"erpchat/internal/bus"
	"erpchat/internal/config"
	"erpchat/internal/db"
	"erpchat/internal/logging"
	"erpchat/internal/metrics"
	"erpchat/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse command line flags
	configPath := pflag.StringP("config", "c", "", "Path to a YAML configuration file")
	isLoadTest := pflag.Bool("loadtest", false, "Run server with load testing configuration")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New(os.Stderr, "info", "console").Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info().Msg("Starting server...")

	// Modify database path for load testing
	if *isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to resolve working directory")
		}
		loadTestDir := filepath.Join(cwd, "loadtest")
		if err := os.MkdirAll(loadTestDir, 0o755); err != nil {
			logger.Fatal().Err(err).Msg("Failed to create loadtest directory")
		}

		loadTestPath := filepath.Join(loadTestDir, "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info().Str("path", loadTestPath).Msg("Using load testing database")
	}

	logger.Info().Stringer("config", cfg).Msg("Loaded configuration")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	dialect, dsn, err := cfg.Database()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid database configuration")
	}
	database, err := db.Open(ctx, dialect, dsn, logging.Component(logger, "db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()
	logger.Info().Str("dialect", dialect).Msg("Database connection established")

	// Initialize the notification bus and WebSocket hub
	notifications, err := bus.Open(cfg.BusURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.BusURL).Msg("Failed to open notification bus")
	}
	defer notifications.Close()

	m := metrics.New()
	hub := websocket.NewHub(notifications, m, logger)
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()
	logger.Info().Msg("WebSocket hub initialized")

	// Initialize API handlers
	authenticator := auth.New(cfg.JWTSecret, cfg.TokenTTL, nil)
	handlers := api.NewHandlers(database, hub, authenticator, m, cfg, logger)
	ws := websocket.NewHandler(hub, authenticator, cfg.AllowedOrigins)

	// Metrics are served on the main listener unless a dedicated address is set
	var metricsServer *http.Server
	metricsHandler := m.Handler()
	if cfg.MetricsAddress != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{Addr: cfg.MetricsAddress, Handler: metricsMux}
		metricsHandler = nil
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddress).Msg("Metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handlers.Routes(ws, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ServerAddress).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal, a listener failure or the hub stopping
	hubRunning := true
	select {
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("Failed to start server")
	case err := <-hubDone:
		hubRunning = false
		logger.Error().Err(err).Msg("Hub stopped unexpectedly")
	}
	stop()

	logger.Info().Msg("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Graceful shutdown incomplete")
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	if hubRunning {
		select {
		case <-hubDone:
		case <-shutdownCtx.Done():
		}
	}
	logger.Info().Msg("Server stopped")
}
