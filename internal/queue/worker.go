package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"devforge/internal/config"
	"devforge/internal/monitor"
)

// HandlerFunc processes one claimed job. A nil error completes the job with
// the returned result; an error routes it through the retry path. Handlers
// that want a failure recorded without a retry (a deterministic rejection,
// say) return a failure-shaped result and a nil error.
type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

// jobStore is the slice of the queue the worker needs.
type jobStore interface {
	Claim(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (FailOutcome, error)
	RecoverOrphans(ctx context.Context) (int, error)
}

// Worker polls the queue and dispatches claimed jobs to registered handlers.
// Each slot runs one job at a time; there is no in-slot fan-out.
type Worker struct {
	queue  jobStore
	cfg    config.WorkerConfig
	sweep  time.Duration
	tracer *monitor.Tracer

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	metrics  *monitor.Metrics

	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

func NewWorker(q jobStore, cfg config.WorkerConfig, sweepInterval time.Duration) *Worker {
	return &Worker{
		queue:    q,
		cfg:      cfg,
		sweep:    sweepInterval,
		tracer:   monitor.NewTracer(),
		handlers: make(map[string]HandlerFunc),
		stopped:  make(chan struct{}),
	}
}

// UseMetrics attaches job counters. Call before Run.
func (w *Worker) UseMetrics(m *monitor.Metrics) {
	w.metrics = m
}

// Register binds a handler to a job type. Registration after Run is allowed.
func (w *Worker) Register(jobType string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Run starts the polling slots and the orphan sweep, then blocks until ctx
// is cancelled and all in-flight jobs have drained (bounded by the drain
// timeout).
func (w *Worker) Run(ctx context.Context) {
	log.Info().
		Int("concurrency", w.cfg.Concurrency).
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("sweep_interval", w.sweep).
		Msg("worker starting")

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.slot(ctx, i)
	}

	w.wg.Add(1)
	go w.sweepLoop(ctx)

	<-ctx.Done()
	w.Shutdown()
}

// Shutdown waits for in-flight jobs up to the drain timeout.
func (w *Worker) Shutdown() {
	w.once.Do(func() { close(w.stopped) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("worker drained")
	case <-time.After(w.cfg.DrainTimeout):
		log.Warn().Dur("drain_timeout", w.cfg.DrainTimeout).Msg("worker drain timed out, in-flight jobs left to the sweep")
	}
}

func (w *Worker) slot(ctx context.Context, n int) {
	defer w.wg.Done()
	logger := log.With().Int("slot", n).Logger()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-ticker.C:
		}

		// Drain the queue before going back to sleep.
		for {
			job, err := w.queue.Claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error().Err(err).Msg("claim failed")
				}
				break
			}
			if job == nil {
				break
			}
			if w.metrics != nil {
				w.metrics.JobsClaimed.Inc()
			}
			w.process(ctx, logger, job)

			select {
			case <-ctx.Done():
				return
			case <-w.stopped:
				return
			default:
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, logger zerolog.Logger, job *Job) {
	h, ok := w.handler(job.Type)
	if !ok {
		// No handler registered is a configuration problem, not a transient
		// failure. Let the retry budget run out normally in case another
		// worker in the fleet does carry the handler.
		if _, err := w.queue.Fail(ctx, job.ID, fmt.Sprintf("no handler registered for job type %q", job.Type)); err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to report unhandled job")
		}
		return
	}

	logger.Info().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Int("attempt", job.Attempts).
		Msg("processing job")

	spanCtx, span := w.tracer.StartSpan(ctx, "job.process",
		monitor.AttrJobID.String(job.ID),
		monitor.AttrJobType.String(job.Type),
		monitor.AttrAttempt.Int(job.Attempts),
	)

	start := time.Now()
	result, err := h(spanCtx, job)
	duration := time.Since(start)

	span.SetAttributes(monitor.AttrDurationMS.Int64(duration.Milliseconds()))
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	// Reporting uses a fresh context: the job finished, its outcome must be
	// recorded even when the worker is shutting down.
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		outcome, ferr := w.queue.Fail(reportCtx, job.ID, err.Error())
		if ferr != nil {
			logger.Error().Err(ferr).Str("job_id", job.ID).Msg("failed to report job failure")
			return
		}
		if w.metrics != nil {
			if outcome == FailRetried {
				w.metrics.JobsRetried.Inc()
				w.metrics.RecordJob(job.Type, "retried", duration)
			} else {
				w.metrics.RecordJob(job.Type, "failed", duration)
			}
		}
		logger.Warn().
			Str("job_id", job.ID).
			Dur("duration", duration).
			Bool("terminal", outcome == FailTerminal).
			Err(err).
			Msg("job handler failed")
		return
	}

	if _, cerr := w.queue.Complete(reportCtx, job.ID, result); cerr != nil {
		logger.Error().Err(cerr).Str("job_id", job.ID).Msg("failed to report job completion")
		return
	}
	if w.metrics != nil {
		w.metrics.RecordJob(job.Type, "completed", duration)
	}
	logger.Info().
		Str("job_id", job.ID).
		Dur("duration", duration).
		Msg("job done")
}

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	interval := w.sweep
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-ticker.C:
			recovered, err := w.queue.RecoverOrphans(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("orphan sweep failed")
				}
				continue
			}
			if recovered > 0 && w.metrics != nil {
				w.metrics.JobsRecovered.Add(float64(recovered))
			}
		}
	}
}
