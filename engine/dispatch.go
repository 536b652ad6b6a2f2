package engine

import (
	"context"
	"time"

	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/queue"
)

// hookDispatcher emits TaskEnqueued for every accepted task, and
// StepScheduled for tasks that run a step or graph node.
type hookDispatcher struct {
	next       queue.Dispatcher
	extensions *ext.Registry
}

func (eng *Engine) hooked(d queue.Dispatcher) queue.Dispatcher {
	return &hookDispatcher{next: d, extensions: eng.extensions}
}

func (d *hookDispatcher) Enqueue(ctx context.Context, t *queue.Task) error {
	return d.Schedule(ctx, 0, t)
}

func (d *hookDispatcher) Schedule(ctx context.Context, delay time.Duration, t *queue.Task) error {
	if err := d.next.Schedule(ctx, delay, t); err != nil {
		return err
	}
	d.extensions.EmitTaskEnqueued(ctx, t)
	if t.Kind == queue.KindExecuteStep || t.Kind == queue.KindGraphNode {
		d.extensions.EmitStepScheduled(ctx, t)
	}
	return nil
}
