package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "devforge"

// Tracer wraps OpenTelemetry tracing for the job backbone.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("devforge.%s", name),
		trace.WithAttributes(attrs...),
	)
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys.
var (
	AttrJobID      = attribute.Key("devforge.job.id")
	AttrJobType    = attribute.Key("devforge.job.type")
	AttrAttempt    = attribute.Key("devforge.job.attempt")
	AttrLanguage   = attribute.Key("devforge.language")
	AttrExitCode   = attribute.Key("devforge.exit_code")
	AttrDurationMS = attribute.Key("devforge.duration_ms")
)
