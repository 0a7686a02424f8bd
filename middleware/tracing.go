package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/workroom-io/workroom/job"
)

// tracerName is the instrumentation scope name for workroom tracing.
const tracerName = "github.com/workroom-io/workroom"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: workroom.job.id, workroom.job.kind,
// workroom.job.owner_id, workroom.job.workspace_id, workroom.job.attempt.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "workroom.job.execute",
			trace.WithAttributes(
				attribute.String("workroom.job.id", j.ID.String()),
				attribute.String("workroom.job.kind", j.Kind),
				attribute.String("workroom.job.owner_id", j.OwnerID),
				attribute.String("workroom.job.workspace_id", j.WorkspaceID),
				attribute.Int("workroom.job.attempt", j.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
