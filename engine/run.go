package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/dsl"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/version"
	"github.com/xraph/orchestra/workflow"
)

// StartOption configures a single StartWorkflow call.
type StartOption func(*startOptions)

type startOptions struct {
	inline bool
}

// Inline runs the workflow to completion in the calling goroutine
// instead of handing it to the worker pool. Timers sleep in place.
func Inline() StartOption {
	return func(o *startOptions) { o.inline = true }
}

// StartWorkflow creates a run of the named graph or DSL workflow. A
// queued run returns immediately in status running; an inline run
// returns once it is terminal or blocked on nothing but itself.
func (eng *Engine) StartWorkflow(ctx context.Context, name string, input any, opts ...StartOption) (*workflow.Run, error) {
	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}

	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for workflow %q: %w", name, err)
	}

	var run *workflow.Run
	switch {
	case eng.graphs.Has(name):
		top, err := eng.graphs.Live(name)
		if err != nil {
			return nil, err
		}
		snap, err := version.Snapshot(top)
		if err != nil {
			return nil, err
		}
		if err := eng.versions.UpsertWorkflowVersion(ctx, snap); err != nil {
			return nil, fmt.Errorf("snapshot %s@%s: %w", name, top.Hash, err)
		}
		run = workflow.NewRun(name, workflow.KindGraph, top.Hash, data, so.inline)
	case eng.workflows.Has(name):
		v, _, _ := eng.workflows.Latest(name)
		run = workflow.NewRun(name, workflow.KindDSL, dsl.VersionHash(v), data, so.inline)
	default:
		return nil, fmt.Errorf("%w: %s", orchestra.ErrWorkflowNotFound, name)
	}

	if err := eng.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	eng.extensions.EmitRunStarted(ctx, run)
	eng.logger.Info("workflow started",
		slog.String("run_id", run.ID.String()),
		slog.String("workflow", name),
		slog.String("kind", string(run.Kind)),
		slog.String("graph_hash", run.GraphHash),
		slog.Bool("inline", so.inline),
	)

	if so.inline {
		return eng.runInline(ctx, run)
	}
	task := queue.NewTask(queue.KindOrchestrate, run.ID, name)
	if err := eng.dispatcher.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	return run, nil
}

// runInline drives a run through an in-process buffer. Tasks due at the
// same time run concurrently.
func (eng *Engine) runInline(ctx context.Context, run *workflow.Run) (*workflow.Run, error) {
	buf := queue.NewBuffer()
	d := eng.hooked(buf)

	err := eng.orchestrate(ctx, run.ID, d)
	if err == nil {
		err = eng.drain(ctx, buf, d)
	}
	if err != nil {
		eng.handOff(ctx, run, buf)
		return nil, err
	}
	return eng.runs.GetRun(ctx, run.ID)
}

func (eng *Engine) drain(ctx context.Context, buf *queue.Buffer, d queue.Dispatcher) error {
	for {
		due := buf.TakeDue(time.Now().UTC())
		if len(due) > 0 {
			g, gctx := errgroup.WithContext(ctx)
			for _, t := range due {
				g.Go(func() error { return eng.handle(gctx, t, d) })
			}
			if err := g.Wait(); err != nil {
				return err
			}
			continue
		}

		ok, err := buf.Wait(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// handOff moves the tasks an interrupted inline run still owes to the
// durable queue so the worker pool can finish the run.
func (eng *Engine) handOff(ctx context.Context, run *workflow.Run, buf *queue.Buffer) {
	ctx = context.WithoutCancel(ctx)
	pending := buf.Drain()
	for _, t := range pending {
		t.MaxAttempts = 0
		if err := eng.dispatcher.Schedule(ctx, time.Until(t.RunAt), t); err != nil {
			eng.logger.Error("failed to hand off inline task",
				slog.String("run_id", run.ID.String()),
				slog.String("kind", string(t.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(pending) > 0 {
		eng.logger.Warn("inline run interrupted, handed off to workers",
			slog.String("run_id", run.ID.String()),
			slog.Int("tasks", len(pending)),
		)
	}
}

// GetRun returns a run.
func (eng *Engine) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	return eng.runs.GetRun(ctx, runID)
}

// ListRuns returns runs matching opts, newest first.
func (eng *Engine) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	return eng.runs.ListRuns(ctx, opts)
}

// Timeline returns the steps of a run in creation order.
func (eng *Engine) Timeline(ctx context.Context, runID id.RunID) ([]*workflow.Step, error) {
	if _, err := eng.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return eng.runs.ListSteps(ctx, runID)
}

// CancelRun records a cancellation request and queues an orchestration
// pass, which fails the run with code CANCELLED. Steps already handed to
// workers finish; their results are ignored.
func (eng *Engine) CancelRun(ctx context.Context, runID id.RunID, reason string) error {
	run, err := eng.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := dsl.RequestCancel(ctx, eng.runs, run, reason); err != nil {
		return err
	}
	eng.logger.Info("run cancellation requested",
		slog.String("run_id", runID.String()),
		slog.String("reason", reason),
	)
	return eng.dispatcher.Enqueue(ctx, queue.NewTask(queue.KindOrchestrate, run.ID, run.WorkflowName))
}
