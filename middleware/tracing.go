package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/orchestra/queue"
)

// tracerName is the instrumentation scope name for orchestra tracing.
const tracerName = "github.com/xraph/orchestra"

// Tracing returns middleware that wraps task handling in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through.
//
// Span attributes include: orchestra.task.id, orchestra.task.kind,
// orchestra.queue, orchestra.run.id, orchestra.workflow, orchestra.step,
// orchestra.rpc, orchestra.task.attempt, and for graph nodes
// orchestra.node.id and orchestra.node.iteration. On error, the span
// status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// Graph node spans are named after the node ("orchestra.node.<id>").
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *queue.Task, next Handler) error {
		name := "orchestra.task." + string(t.Kind)
		attrs := []attribute.KeyValue{
			attribute.String("orchestra.task.id", t.ID.String()),
			attribute.String("orchestra.task.kind", string(t.Kind)),
			attribute.String("orchestra.queue", t.Queue),
			attribute.String("orchestra.run.id", t.RunID.String()),
			attribute.String("orchestra.workflow", t.WorkflowName),
			attribute.String("orchestra.step", t.StepName),
			attribute.String("orchestra.rpc", t.RPCName),
			attribute.Int("orchestra.task.attempt", t.Attempt),
		}
		if nodeID, iter, ok := graphNode(t); ok {
			name = "orchestra.node." + nodeID
			attrs = append(attrs,
				attribute.String("orchestra.node.id", nodeID),
				attribute.Int("orchestra.node.iteration", iter),
			)
		}

		ctx, span := tracer.Start(ctx, name,
			trace.WithAttributes(attrs...),
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
