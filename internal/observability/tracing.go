package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope for agent spans.
const TracerName = "github.com/strandlabs/strand/internal/agent"

// Tracer returns the tracer for agent spans from the global provider. When
// no provider is installed this yields no-op spans, so callers never need a
// nil check.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// NoopTracer returns a tracer that records nothing, for tests and for
// configurations with tracing disabled.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(TracerName)
}
