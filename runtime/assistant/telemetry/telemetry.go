// Package telemetry defines the logging, metrics and tracing seams used by the
// assistant runtime. Implementations delegate to Clue and OpenTelemetry; tests
// substitute the no-op variants.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime. The
// interface is intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
// Example usage:
//
//	ctx, span := tracer.Start(ctx, "pipeline.cycle")
//	defer span.End()
//	span.SetStatus(codes.Ok, "cycle completed")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// InvokeTelemetry captures observability metadata collected while a module
// handles a dispatch. Common fields cover the standard dimensions; Extra holds
// provider-specific data such as response headers or cache keys.
type InvokeTelemetry struct {
	// DurationMs is the wall-clock handling time in milliseconds.
	DurationMs int64
	// TokensUsed tracks the total tokens consumed by model calls, if any.
	TokensUsed int
	// Model identifies the backing model when the module wraps one.
	Model string
	// Extra holds module-specific metadata not captured by common fields.
	Extra map[string]any
}
