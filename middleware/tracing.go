package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/notify/job"
)

// tracerName is the instrumentation scope name for notify tracing.
const tracerName = "github.com/xraph/notify"

// Tracing returns middleware that wraps job execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: notify.job.id, notify.workflow.id,
// notify.queue, notify.retry_count, notify.environment_id. On error,
// the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "notify.job.execute",
			trace.WithAttributes(
				attribute.String("notify.job.id", j.ID.String()),
				attribute.String("notify.workflow.id", j.WorkflowID.String()),
				attribute.String("notify.queue", j.Queue),
				attribute.Int("notify.retry_count", j.RetryCount),
				attribute.String("notify.environment_id", j.EnvironmentID),
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
