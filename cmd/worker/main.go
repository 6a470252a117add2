package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"devforge/internal/config"
	"devforge/internal/container"
	"devforge/internal/executor"
	"devforge/internal/monitor"
	"devforge/internal/queue"
	"devforge/internal/storage"
)

// runCodePayload is the job payload for run_code jobs. It mirrors the
// execution request the HTTP API accepts.
type runCodePayload struct {
	executor.Request
}

// runTestsPayload is the job payload for run_tests jobs. Retries is a pointer
// so an absent field means the configured default and an explicit 0 means one
// attempt only.
type runTestsPayload struct {
	executor.TestConfig
	Retries *int `json:"retries,omitempty"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

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

	q, err := queue.New(ctx, cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer q.Stop()

	manager, err := container.New(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no sandbox runtime available, container jobs will fail")
	}

	exec := executor.New(manager, cfg)

	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	metrics := monitor.NewMetrics()

	w := queue.NewWorker(q, cfg.Worker, cfg.Queue.SweepInterval)
	w.UseMetrics(metrics)
	w.Register("run_code", runCodeHandler(exec, auditWriter))
	w.Register("run_tests", runTestsHandler(exec))

	// Standalone metrics listener; the worker has no API server.
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, metrics)
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
	}

	// Periodically remove stale sandbox containers left by crashed runs.
	if manager != nil {
		go janitorLoop(ctx, manager, cfg.Sandbox.JanitorInterval, cfg.Sandbox.JanitorMaxAge)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	log.Info().
		Bool("db_enabled", db != nil).
		Bool("runtime_available", manager != nil).
		Msg("worker initialized")

	w.Run(ctx)

	if manager != nil {
		if err := manager.Close(); err != nil {
			log.Error().Err(err).Msg("sandbox runtime close error")
		}
	}

	log.Info().Msg("worker stopped")
}

// retryableResult reports whether a failure is worth a queue-level retry.
// Deterministic outcomes, including security rejections and programs that
// simply fail, complete with their result so they are never re-run.
func retryableResult(res *executor.Result) bool {
	return res.Error != "" && res.ExitCode == -1 && !res.TimedOut
}

func runCodeHandler(exec *executor.Executor, audit *storage.AuditWriter) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var payload runCodePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			res := &executor.Result{Success: false, Error: "invalid payload: " + err.Error()}
			out, _ := json.Marshal(res)
			return out, nil
		}

		res := exec.RunCode(ctx, payload.Request)

		if audit != nil {
			audit.LogResult(job.ID, payload.Language, payload.Code, res)
		}

		if retryableResult(res) {
			return nil, errors.New(res.Error)
		}

		out, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func runTestsHandler(exec *executor.Executor) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var payload runTestsPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			out, _ := json.Marshal(map[string]string{"error": "invalid payload: " + err.Error()})
			return out, nil
		}

		res, err := exec.RunTests(ctx, payload.TestConfig, executor.TestOptions{Retries: payload.Retries})
		if err != nil {
			// Unknown framework or empty command: deterministic, do not retry.
			out, _ := json.Marshal(map[string]string{"error": err.Error()})
			return out, nil
		}

		out, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func serveMetrics(addr, path string, metrics *monitor.Metrics) {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	log.Info().Str("addr", addr).Msg("metrics listener starting")
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}

func janitorLoop(ctx context.Context, manager container.Manager, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := manager.CleanupOldResources(ctx, maxAge)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("stale container cleanup failed")
				}
				continue
			}
			if removed > 0 {
				log.Info().Int("removed", removed).Msg("removed stale sandbox containers")
			}
		}
	}
}
