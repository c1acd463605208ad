// Package tracing holds the shared span helpers used by the write queue
// and the recall engine.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartFileSpan starts a span carrying the originating file path, the
// attribute every pipeline span shares.
func StartFileSpan(ctx context.Context, tracer trace.Tracer, name, file string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("file", file))
	return ctx, span
}

// End finishes a span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
