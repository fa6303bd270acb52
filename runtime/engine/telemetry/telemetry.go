// Package telemetry defines the logging, metrics, and tracing seams used
// across the engine, with implementations backed by goa.design/clue and
// OpenTelemetry.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log entries. Implementations must be safe for
	// concurrent use.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records engine counters and timers.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer opens spans around engine operations.
	Tracer interface {
		// Start opens a span and returns the context carrying it.
		Start(ctx context.Context, name string, keyvals ...any) (context.Context, Span)
	}

	// Span is one traced operation.
	Span interface {
		// RecordError marks the span failed with the given error.
		RecordError(err error)
		// End finalizes the span.
		End()
	}

	// NopLogger discards all entries.
	NopLogger struct{}

	// NopMetrics discards all measurements.
	NopMetrics struct{}

	// NopTracer produces spans that record nothing.
	NopTracer struct{}

	nopSpan struct{}
)

// Metric names recorded by the engine.
const (
	MetricSessionsStarted  = "engine.sessions.started"
	MetricSessionsFinished = "engine.sessions.finished"
	MetricHandlerRuns      = "engine.handler_runs"
	MetricMutations        = "engine.mutations"
	MetricEventsPublished  = "engine.events.published"
	MetricEventsConsumed   = "engine.events.consumed"
	MetricSessionDuration  = "engine.session.duration"
	MetricPhaseDuration    = "engine.phase.duration"
	MetricActivations      = "engine.activations"
	MetricRecoveredRuns    = "engine.recovery.runs"
)

func (NopLogger) Debug(context.Context, string, ...any) {}
func (NopLogger) Info(context.Context, string, ...any)  {}
func (NopLogger) Warn(context.Context, string, ...any)  {}
func (NopLogger) Error(context.Context, string, ...any) {}

func (NopMetrics) IncCounter(string, float64, ...string)           {}
func (NopMetrics) RecordTimer(string, time.Duration, ...string)    {}

func (NopTracer) Start(ctx context.Context, _ string, _ ...any) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (nopSpan) RecordError(error) {}
func (nopSpan) End()              {}

// OrNop returns the logger or a NopLogger when nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}

// MetricsOrNop returns the metrics recorder or a NopMetrics when nil.
func MetricsOrNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}

// TracerOrNop returns the tracer or a NopTracer when nil.
func TracerOrNop(t Tracer) Tracer {
	if t == nil {
		return NopTracer{}
	}
	return t
}
