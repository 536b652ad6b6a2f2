// Package executor turns a scheduled graph node into a function call.
// It attaches a branch selector to the invocation context, records the
// branch the function chose, and routes final failures to the node's
// onError handlers.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/function"
	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/scheduler"
	"github.com/xraph/orchestra/workflow"
)

// Result is the outcome of one node invocation.
type Result struct {
	// Output is the function result on success.
	Output json.RawMessage
	// Failure is set when the function failed.
	Failure *workflow.ErrorInfo
	// Routed lists the onError handler steps dispatched for a final
	// failure. A routed failure does not fail the run.
	Routed []string
	// BranchKey is the branch the function selected, if any.
	BranchKey string
}

// Succeeded reports whether the invocation produced a result.
func (r *Result) Succeeded() bool { return r.Failure == nil }

// Executor invokes graph nodes.
type Executor struct {
	store     workflow.Store
	invoker   function.Invoker
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// New creates an Executor.
func New(store workflow.Store, invoker function.Invoker, sched *scheduler.Scheduler, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, invoker: invoker, scheduler: sched, logger: logger}
}

// Execute invokes the function behind a graph step. It does not record
// the step's result or error; the caller does, then continues the graph.
// The returned error is reserved for infrastructure failures.
func (e *Executor) Execute(ctx context.Context, run *workflow.Run, top *graph.Topology, step *workflow.Step, d queue.Dispatcher) (*Result, error) {
	nodeID, _, ok := graph.ParseStepName(step.Name)
	if !ok {
		return nil, fmt.Errorf("executor: %q is not a graph step", step.Name)
	}
	node, ok := top.Definition.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no node %q", orchestra.ErrInvalidGraph, top.Definition.Name, nodeID)
	}
	rpc := step.RPCName
	if rpc == "" {
		rpc = node.RPCName
	}

	callCtx, sel := graph.WithBranchSelector(ctx)
	out, err := e.invoker.Invoke(callCtx, rpc, json.RawMessage(step.Input))
	if err == nil {
		res := &Result{Output: out}
		if key, chosen := sel.Selected(); chosen {
			if err := e.store.SetBranchTaken(ctx, run.ID, step.Name, key); err != nil {
				return nil, fmt.Errorf("executor: record branch of %s: %w", step.Name, err)
			}
			res.BranchKey = key
		}
		return res, nil
	}

	info := workflow.NewErrorInfo("", err)
	res := &Result{Failure: info}
	final := info.Permanent || step.AttemptCount > step.Retries
	if !final || node.OnError.IsZero() {
		return res, nil
	}

	routed, rerr := e.routeError(ctx, run, top, node, info, d)
	if rerr != nil {
		return nil, rerr
	}
	res.Routed = routed
	return res, nil
}

// routeError dispatches the onError handlers of node with the failure as
// their input. A branch-shaped onError is keyed by the error code.
func (e *Executor) routeError(ctx context.Context, run *workflow.Run, top *graph.Topology, node *graph.Node, info *workflow.ErrorInfo, d queue.Dispatcher) ([]string, error) {
	input, err := json.Marshal(map[string]any{
		"error": map[string]string{"message": info.Message},
	})
	if err != nil {
		return nil, err
	}

	targets := node.OnError.Resolve(info.Code)
	if len(targets) == 0 {
		e.logger.Warn("onError routing selected no handler",
			slog.String("run_id", run.ID.String()),
			slog.String("node", node.ID),
			slog.String("code", info.Code),
		)
		return nil, nil
	}

	var routed []string
	err = e.store.WithRunLock(ctx, run.ID, func(ctx context.Context) error {
		for _, target := range targets {
			ok, err := e.scheduler.ScheduleNode(ctx, run, top, target, input, d)
			if err != nil {
				return fmt.Errorf("executor: route %s to %s: %w", node.ID, target, err)
			}
			if ok {
				routed = append(routed, graph.StepName(target, 1))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("graph node failure routed",
		slog.String("run_id", run.ID.String()),
		slog.String("node", node.ID),
		slog.Any("handlers", targets),
	)
	return routed, nil
}
