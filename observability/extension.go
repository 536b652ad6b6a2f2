package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.RunStarted    = (*MetricsExtension)(nil)
	_ ext.RunCompleted  = (*MetricsExtension)(nil)
	_ ext.RunFailed     = (*MetricsExtension)(nil)
	_ ext.RunCancelled  = (*MetricsExtension)(nil)
	_ ext.StepScheduled = (*MetricsExtension)(nil)
	_ ext.StepCompleted = (*MetricsExtension)(nil)
	_ ext.StepFailed    = (*MetricsExtension)(nil)
	_ ext.StepRetrying  = (*MetricsExtension)(nil)
	_ ext.TaskAbandoned = (*MetricsExtension)(nil)
)

const scopeName = "github.com/xraph/orchestra/observability"

// MetricsExtension records lifecycle metrics with OpenTelemetry.
// Counters carry a "workflow" attribute.
type MetricsExtension struct {
	RunStarted    metric.Int64Counter
	RunCompleted  metric.Int64Counter
	RunFailed     metric.Int64Counter
	RunCancelled  metric.Int64Counter
	StepScheduled metric.Int64Counter
	StepCompleted metric.Int64Counter
	StepFailed    metric.Int64Counter
	StepRetried   metric.Int64Counter
	TaskAbandoned metric.Int64Counter
	StepDuration  metric.Float64Histogram
	RunDuration   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(scopeName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
// Instrument creation errors yield noop instruments.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, _ := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		return h
	}
	return &MetricsExtension{
		RunStarted:    counter("orchestra.run.started", "Runs created"),
		RunCompleted:  counter("orchestra.run.completed", "Runs completed"),
		RunFailed:     counter("orchestra.run.failed", "Runs failed"),
		RunCancelled:  counter("orchestra.run.cancelled", "Runs failed by cancellation"),
		StepScheduled: counter("orchestra.step.scheduled", "Steps handed to the queue"),
		StepCompleted: counter("orchestra.step.completed", "Steps succeeded"),
		StepFailed:    counter("orchestra.step.failed", "Steps failed with no attempts left"),
		StepRetried:   counter("orchestra.step.retried", "Step retry attempts created"),
		TaskAbandoned: counter("orchestra.task.abandoned", "Tasks that exhausted delivery attempts"),
		StepDuration:  histogram("orchestra.step.duration", "Step execution time"),
		RunDuration:   histogram("orchestra.run.duration", "Run time from start to completion"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func workflowAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("workflow", name))
}

// ── Run lifecycle hooks ─────────────────────────────

// OnRunStarted implements ext.RunStarted.
func (m *MetricsExtension) OnRunStarted(ctx context.Context, run *workflow.Run) error {
	m.RunStarted.Add(ctx, 1, workflowAttr(run.WorkflowName))
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) error {
	m.RunCompleted.Add(ctx, 1, workflowAttr(run.WorkflowName))
	m.RunDuration.Record(ctx, elapsed.Seconds(), workflowAttr(run.WorkflowName))
	return nil
}

// OnRunFailed implements ext.RunFailed.
func (m *MetricsExtension) OnRunFailed(ctx context.Context, run *workflow.Run, _ error) error {
	m.RunFailed.Add(ctx, 1, workflowAttr(run.WorkflowName))
	return nil
}

// OnRunCancelled implements ext.RunCancelled.
func (m *MetricsExtension) OnRunCancelled(ctx context.Context, run *workflow.Run, _ string) error {
	m.RunCancelled.Add(ctx, 1, workflowAttr(run.WorkflowName))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepScheduled implements ext.StepScheduled.
func (m *MetricsExtension) OnStepScheduled(ctx context.Context, t *queue.Task) error {
	m.StepScheduled.Add(ctx, 1, workflowAttr(t.WorkflowName))
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, run *workflow.Run, _ *workflow.Step, elapsed time.Duration) error {
	m.StepCompleted.Add(ctx, 1, workflowAttr(run.WorkflowName))
	m.StepDuration.Record(ctx, elapsed.Seconds(), workflowAttr(run.WorkflowName))
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, run *workflow.Run, _ *workflow.Step, _ error) error {
	m.StepFailed.Add(ctx, 1, workflowAttr(run.WorkflowName))
	return nil
}

// OnStepRetrying implements ext.StepRetrying.
func (m *MetricsExtension) OnStepRetrying(ctx context.Context, run *workflow.Run, _ *workflow.Step, _ int, _ time.Time) error {
	m.StepRetried.Add(ctx, 1, workflowAttr(run.WorkflowName))
	return nil
}

// ── Task hooks ──────────────────────────────────────

// OnTaskAbandoned implements ext.TaskAbandoned.
func (m *MetricsExtension) OnTaskAbandoned(ctx context.Context, t *queue.Task, _ error) error {
	m.TaskAbandoned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", t.WorkflowName),
		attribute.String("kind", string(t.Kind)),
	))
	return nil
}
