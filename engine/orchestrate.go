package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/dsl"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/workflow"
)

// OrchestrateWorkflow runs one orchestration pass over a run: it honours
// a pending cancellation, then continues the graph or replays the DSL
// body. A run the pass fails is persisted with its error and the call
// returns nil; observers read the failure from GetRun.
func (eng *Engine) OrchestrateWorkflow(ctx context.Context, runID id.RunID) error {
	return eng.orchestrate(ctx, runID, eng.dispatcher)
}

// OnGraphNodeComplete continues a graph run after one of its nodes
// finished. It is the re-entry point of graph step execution.
func (eng *Engine) OnGraphNodeComplete(ctx context.Context, runID id.RunID) error {
	return eng.orchestrate(ctx, runID, eng.dispatcher)
}

func (eng *Engine) orchestrate(ctx context.Context, runID id.RunID, d queue.Dispatcher) error {
	return eng.runs.WithRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := eng.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			eng.logger.Debug("run already terminal, skipping pass",
				slog.String("run_id", runID.String()),
				slog.String("status", string(run.Status)),
			)
			return nil
		}

		req, err := dsl.CancelRequested(ctx, eng.runs, run)
		if err != nil {
			return err
		}
		if req != nil {
			return eng.cancel(ctx, run, req.Reason)
		}

		switch run.Kind {
		case workflow.KindGraph:
			return eng.continueGraph(ctx, run, d)
		case workflow.KindDSL:
			return eng.replay(ctx, run, d)
		default:
			return eng.fail(ctx, run, &workflow.ErrorInfo{
				Message: fmt.Sprintf("run has unknown kind %q", run.Kind),
				Code:    orchestra.CodeWorkflowError,
			})
		}
	})
}

func (eng *Engine) continueGraph(ctx context.Context, run *workflow.Run, d queue.Dispatcher) error {
	top, _, err := eng.resolver.Resolve(ctx, run.WorkflowName, run.GraphHash)
	if errors.Is(err, orchestra.ErrVersionNotFound) {
		return eng.fail(ctx, run, workflow.NewErrorInfo(orchestra.CodeVersionNotFound, err))
	}
	if err != nil {
		return err
	}

	out, err := eng.scheduler.ContinueGraph(ctx, run, top, d)
	if err != nil {
		return err
	}

	// The scheduler persisted terminal transitions; mirror them locally
	// for the hooks.
	switch out.Status {
	case workflow.RunCompleted:
		if err := run.ApplyStatus(workflow.RunCompleted, out.Output, nil); err != nil {
			return err
		}
		eng.extensions.EmitRunCompleted(ctx, run, time.Since(run.StartedAt))
	case workflow.RunFailed:
		if err := run.ApplyStatus(workflow.RunFailed, nil, out.Error); err != nil {
			return err
		}
		eng.extensions.EmitRunFailed(ctx, run, out.Error)
	}
	return nil
}

// replay re-runs a DSL body from the top. Checkpointed steps return their
// recorded results; the first step without one suspends the pass.
func (eng *Engine) replay(ctx context.Context, run *workflow.Run, d queue.Dispatcher) error {
	var body dsl.RunnerFunc
	v, ok := dsl.ParseVersionHash(run.GraphHash)
	if ok {
		body, ok = eng.workflows.Version(run.WorkflowName, v)
	}
	if !ok {
		return eng.fail(ctx, run, &workflow.ErrorInfo{
			Message: fmt.Sprintf("%s: %s@%s", orchestra.ErrVersionNotFound.Error(), run.WorkflowName, run.GraphHash),
			Code:    orchestra.CodeVersionNotFound,
		})
	}

	wf := dsl.NewWorkflow(ctx, run, dsl.Env{
		Store:      eng.runs,
		Dispatcher: d,
		Functions:  eng.functions,
		Defaults:   eng.defaults,
		Logger:     eng.logger,
		Backoff:    eng.bo,
	})
	res, err := body(wf, run.Input)
	if err != nil {
		// An interrupted pass is redelivered, not failed.
		if ctx.Err() != nil {
			return err
		}
		code := orchestra.CodeWorkflowError
		var stepErr *dsl.StepFailedError
		if errors.As(err, &stepErr) {
			code = orchestra.CodeStepFailed
		}
		return eng.fail(ctx, run, workflow.NewErrorInfo(code, err).WithStack())
	}

	switch {
	case res.IsSuspended():
		eng.logger.Debug("workflow suspended",
			slog.String("run_id", run.ID.String()),
			slog.String("step", res.Step()),
		)
		if run.Status == workflow.RunSuspended {
			return nil
		}
		return eng.runs.UpdateRunStatus(ctx, run.ID, workflow.RunSuspended, nil, nil)
	case res.IsCancelled():
		reason := ""
		if req, err := dsl.CancelRequested(ctx, eng.runs, run); err == nil && req != nil {
			reason = req.Reason
		}
		return eng.cancel(ctx, run, reason)
	default:
		return eng.complete(ctx, run, res.Output())
	}
}

func (eng *Engine) complete(ctx context.Context, run *workflow.Run, output []byte) error {
	if err := eng.runs.UpdateRunStatus(ctx, run.ID, workflow.RunCompleted, output, nil); err != nil {
		return err
	}
	if err := run.ApplyStatus(workflow.RunCompleted, output, nil); err != nil {
		return err
	}
	eng.logger.Info("workflow completed",
		slog.String("run_id", run.ID.String()),
		slog.String("workflow", run.WorkflowName),
	)
	eng.extensions.EmitRunCompleted(ctx, run, time.Since(run.StartedAt))
	return nil
}

func (eng *Engine) fail(ctx context.Context, run *workflow.Run, info *workflow.ErrorInfo) error {
	if err := eng.runs.UpdateRunStatus(ctx, run.ID, workflow.RunFailed, nil, info); err != nil {
		return err
	}
	if err := run.ApplyStatus(workflow.RunFailed, nil, info); err != nil {
		return err
	}
	eng.logger.Info("workflow failed",
		slog.String("run_id", run.ID.String()),
		slog.String("workflow", run.WorkflowName),
		slog.String("code", info.Code),
		slog.String("error", info.Message),
	)
	eng.extensions.EmitRunFailed(ctx, run, info)
	return nil
}

func (eng *Engine) cancel(ctx context.Context, run *workflow.Run, reason string) error {
	msg := "run cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	info := &workflow.ErrorInfo{Message: msg, Code: orchestra.CodeCancelled, Permanent: true}
	if err := eng.runs.UpdateRunStatus(ctx, run.ID, workflow.RunFailed, nil, info); err != nil {
		return err
	}
	if err := run.ApplyStatus(workflow.RunFailed, nil, info); err != nil {
		return err
	}
	eng.logger.Info("workflow cancelled",
		slog.String("run_id", run.ID.String()),
		slog.String("workflow", run.WorkflowName),
		slog.String("reason", reason),
	)
	eng.extensions.EmitRunCancelled(ctx, run, reason)
	return nil
}
