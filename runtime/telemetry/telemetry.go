// Package telemetry carries the engine's observability seams: structured
// logging, counters and timers, and trace spans. The interfaces are small on
// purpose so tests run against stubs while deployments wire Clue and
// OpenTelemetry.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured logger used across the engine.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records counters, timers and gauges for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation over the OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is one in-flight trace span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the engine. Tags follow as (key, value) pairs on
// the record site.
const (
	// MetricExecutions counts executions by terminal status.
	MetricExecutions = "pipelit.executions"
	// MetricExecutionDuration times whole executions.
	MetricExecutionDuration = "pipelit.execution.duration"
	// MetricNodeDuration times individual node runs, tagged by component
	// type and status.
	MetricNodeDuration = "pipelit.node.duration"
	// MetricNodeFailures counts node failures by component type.
	MetricNodeFailures = "pipelit.node.failures"
	// MetricQueueJobs counts enqueued jobs by queue.
	MetricQueueJobs = "pipelit.queue.jobs"
	// MetricQueueDedup counts deduplicated enqueue attempts.
	MetricQueueDedup = "pipelit.queue.dedup"
	// MetricSchedulerFires counts scheduled job firings by outcome.
	MetricSchedulerFires = "pipelit.scheduler.fires"
	// MetricModelTokens counts model tokens by provider and direction.
	MetricModelTokens = "pipelit.model.tokens"
	// MetricCheckpoints counts checkpoint saves by backend.
	MetricCheckpoints = "pipelit.checkpoints"
	// MetricZombies counts executions promoted to failed by the sweeper.
	MetricZombies = "pipelit.zombies"
)
