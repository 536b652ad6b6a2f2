package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/orchestra/queue"
)

// meterName is the instrumentation scope name for orchestra metrics.
const meterName = "github.com/xraph/orchestra"

// Metrics returns middleware that records per-task metrics using the
// global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments, both labelled with kind, queue, workflow, rpc, status
// ("ok" or "error") and, for graph.node tasks, node:
//   - orchestra.task.duration (Float64Histogram): handling time in seconds
//   - orchestra.task.executions (Int64Counter): total handled tasks
//
// Run IDs are left to traces to keep label cardinality bounded.
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, dErr := meter.Float64Histogram(
		"orchestra.task.duration",
		metric.WithDescription("Duration of task handling in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr

	executions, eErr := meter.Int64Counter(
		"orchestra.task.executions",
		metric.WithDescription("Total number of handled tasks"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr

	return func(ctx context.Context, t *queue.Task, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		kvs := []attribute.KeyValue{
			attribute.String("kind", string(t.Kind)),
			attribute.String("queue", t.Queue),
			attribute.String("workflow", t.WorkflowName),
			attribute.String("rpc", t.RPCName),
			attribute.String("status", status),
		}
		if nodeID, _, ok := graphNode(t); ok {
			kvs = append(kvs, attribute.String("node", nodeID))
		}
		attrs := metric.WithAttributes(kvs...)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
