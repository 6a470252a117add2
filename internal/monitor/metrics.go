// Package monitor carries the observability plumbing: Prometheus metrics on
// a dedicated registry and OpenTelemetry span helpers.
package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the job backbone.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth        *prometheus.GaugeVec
	JobsEnqueued      *prometheus.CounterVec
	JobsClaimed       prometheus.Counter
	JobsCompleted     *prometheus.CounterVec
	JobsRetried       prometheus.Counter
	JobsRecovered     prometheus.Counter
	JobDuration       *prometheus.HistogramVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	SecurityRejects   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "devforge",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Jobs per queue state.",
			},
			[]string{"state"},
		),

		JobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devforge",
				Subsystem: "queue",
				Name:      "jobs_enqueued_total",
				Help:      "Total jobs enqueued by type.",
			},
			[]string{"type"},
		),

		JobsClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "devforge",
				Subsystem: "queue",
				Name:      "jobs_claimed_total",
				Help:      "Total successful job claims.",
			},
		),

		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devforge",
				Subsystem: "queue",
				Name:      "jobs_completed_total",
				Help:      "Total jobs resolved by outcome (completed, retried, failed).",
			},
			[]string{"outcome"},
		),

		JobsRetried: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "devforge",
				Subsystem: "queue",
				Name:      "jobs_retried_total",
				Help:      "Total retry re-queues after failed attempts.",
			},
		),

		JobsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "devforge",
				Subsystem: "queue",
				Name:      "jobs_recovered_total",
				Help:      "Total orphaned jobs reclaimed by the sweep.",
			},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "devforge",
				Subsystem: "queue",
				Name:      "job_duration_seconds",
				Help:      "Wall-clock job processing time by type.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"type"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devforge",
				Subsystem: "sandbox",
				Name:      "executions_total",
				Help:      "Total sandbox executions by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "devforge",
				Subsystem: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		SecurityRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devforge",
				Subsystem: "sandbox",
				Name:      "security_rejections_total",
				Help:      "Executions refused by the security screening, by language.",
			},
			[]string{"language"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "devforge",
				Subsystem: "sandbox",
				Name:      "active_executions",
				Help:      "Number of currently running sandbox executions.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "devforge",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "devforge",
				Subsystem: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "devforge",
				Subsystem: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.JobsEnqueued,
		m.JobsClaimed,
		m.JobsCompleted,
		m.JobsRetried,
		m.JobsRecovered,
		m.JobDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SecurityRejects,
		m.ActiveExecutions,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records a finished sandbox execution.
func (m *Metrics) RecordExecution(language, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordJob records a resolved job.
func (m *Metrics) RecordJob(jobType, outcome string, duration time.Duration) {
	m.JobsCompleted.WithLabelValues(outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// WatchQueueDepth polls queue state counts into the depth gauges until ctx
// ends. The snapshot func returns job counts keyed by state name.
func (m *Metrics) WatchQueueDepth(ctx context.Context, snapshot func(context.Context) (map[string]int64, error), interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := snapshot(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Debug().Err(err).Msg("queue depth poll failed")
				}
				continue
			}
			for state, n := range counts {
				m.QueueDepth.WithLabelValues(state).Set(float64(n))
			}
		}
	}
}
