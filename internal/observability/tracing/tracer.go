package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer("settle")
}
