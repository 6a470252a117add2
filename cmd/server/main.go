package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"devforge/internal/api"
	"devforge/internal/config"
	"devforge/internal/container"
	"devforge/internal/executor"
	"devforge/internal/monitor"
	"devforge/internal/queue"
	"devforge/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Initialize the queue (required; the API is useless without it)
	q, err := queue.New(ctx, cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer q.Stop()

	// Initialize the sandbox runtime (auto-detects Docker vs containerd)
	manager, err := container.New(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no sandbox runtime available (container execution will fail)")
		// Continue startup so health/metrics endpoints work for debugging
	}

	exec := executor.New(manager, cfg)

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, never blocks execution)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	// Poll queue depths into the metrics gauges
	go metrics.WatchQueueDepth(ctx, func(ctx context.Context) (map[string]int64, error) {
		stats, err := q.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int64{
			"pending":    stats.Pending,
			"processing": stats.Processing,
			"completed":  stats.Completed,
			"failed":     stats.Failed,
		}, nil
	}, 15*time.Second)

	// Create and start HTTP server
	server := api.NewServer(cfg, q, exec, manager, db, auditWriter, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if manager != nil {
			if err := manager.Close(); err != nil {
				log.Error().Err(err).Msg("sandbox runtime close error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("runtime_available", manager != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
