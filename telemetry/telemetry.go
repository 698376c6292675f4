// Package telemetry integrates engine events with Clue logging and
// OpenTelemetry tracing and metrics.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation:
// executions started and finished by status, timer fire latency, signal
// delivery outcomes.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the runtime.
const (
	// MetricExecutionsStarted counts execution attempts begun, tagged by task.
	MetricExecutionsStarted = "durable.executions.started"
	// MetricExecutionsFinished counts terminal transitions, tagged by task
	// and status.
	MetricExecutionsFinished = "durable.executions.finished"
	// MetricExecutionDuration times attempt wall clock, tagged by task.
	MetricExecutionDuration = "durable.execution.duration"
	// MetricTimersFired counts timers dispatched, tagged by type.
	MetricTimersFired = "durable.timers.fired"
	// MetricTimerLag times fire-at to dispatch latency, tagged by type.
	MetricTimerLag = "durable.timer.lag"
	// MetricSignalsDelivered counts signal deliveries, tagged by outcome
	// (delivered, buffered, timed_out).
	MetricSignalsDelivered = "durable.signals.delivered"
)
