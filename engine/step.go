package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/worker"
	"github.com/xraph/orchestra/workflow"
)

// errNotScheduled is returned for a task that overtook the pass which
// dispatched it. The task is redelivered.
var errNotScheduled = errors.New("engine: step not scheduled yet")

var _ worker.Handler = (*Engine)(nil)

// HandleTask performs the work a dequeued task names. The worker pool
// calls it through the middleware chain.
func (eng *Engine) HandleTask(ctx context.Context, t *queue.Task) error {
	return eng.handle(ctx, t, eng.dispatcher)
}

func (eng *Engine) handle(ctx context.Context, t *queue.Task, d queue.Dispatcher) error {
	switch t.Kind {
	case queue.KindOrchestrate:
		return eng.orchestrate(ctx, t.RunID, d)
	case queue.KindExecuteStep:
		return eng.executeStep(ctx, t.RunID, t.StepID, d)
	case queue.KindGraphNode:
		return eng.executeGraphNode(ctx, t.RunID, t.StepID, d)
	case queue.KindWake:
		return eng.wake(ctx, t.RunID, t.StepID, d)
	default:
		return fmt.Errorf("engine: unknown task kind %q", t.Kind)
	}
}

// ExecuteWorkflowStep invokes the function behind a DSL step, records
// the outcome (scheduling a retry while attempts remain) and
// orchestrates the run again.
func (eng *Engine) ExecuteWorkflowStep(ctx context.Context, runID id.RunID, stepName string) error {
	step, err := eng.runs.GetStep(ctx, runID, stepName)
	if err != nil {
		return err
	}
	if !step.Exists() {
		return fmt.Errorf("%w: %s in run %s", orchestra.ErrStepNotFound, stepName, runID)
	}
	return eng.executeStep(ctx, runID, step.ID, eng.dispatcher)
}

// ExecuteGraphStep executes a graph node's step and continues the graph.
func (eng *Engine) ExecuteGraphStep(ctx context.Context, runID id.RunID, stepName string) error {
	step, err := eng.runs.GetStep(ctx, runID, stepName)
	if err != nil {
		return err
	}
	if !step.Exists() {
		return fmt.Errorf("%w: %s in run %s", orchestra.ErrStepNotFound, stepName, runID)
	}
	return eng.executeGraphNode(ctx, runID, step.ID, eng.dispatcher)
}

func (eng *Engine) executeStep(ctx context.Context, runID id.RunID, stepID id.StepID, d queue.Dispatcher) error {
	run, err := eng.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	err = eng.runs.WithStepLock(ctx, runID, stepID, func(ctx context.Context) error {
		step, err := eng.claim(ctx, run, stepID)
		if err != nil || step == nil {
			return err
		}
		started := time.Now()
		out, callErr := eng.invoker.Invoke(ctx, step.RPCName, json.RawMessage(step.Input))
		if callErr != nil {
			return eng.recordFailure(ctx, run, step, workflow.NewErrorInfo("", callErr), queue.KindExecuteStep, d)
		}
		return eng.recordSuccess(ctx, run, step, out, started)
	})
	if err != nil {
		return err
	}
	return eng.orchestrate(ctx, runID, d)
}

func (eng *Engine) executeGraphNode(ctx context.Context, runID id.RunID, stepID id.StepID, d queue.Dispatcher) error {
	run, err := eng.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	top, _, err := eng.resolver.Resolve(ctx, run.WorkflowName, run.GraphHash)
	if errors.Is(err, orchestra.ErrVersionNotFound) {
		// The orchestration pass fails the run with VERSION_NOT_FOUND.
		return eng.orchestrate(ctx, runID, d)
	}
	if err != nil {
		return err
	}

	err = eng.runs.WithStepLock(ctx, runID, stepID, func(ctx context.Context) error {
		step, err := eng.claim(ctx, run, stepID)
		if err != nil || step == nil {
			return err
		}
		started := time.Now()
		res, err := eng.executor.Execute(ctx, run, top, step, d)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return eng.recordFailure(ctx, run, step, res.Failure, queue.KindGraphNode, d)
		}
		if node, ok := top.Definition.Node(step.NodeID); ok && node.Next.Kind == graph.NextBranch && res.BranchKey == "" {
			eng.logger.Warn("branch node completed without branch key",
				slog.String("run_id", run.ID.String()),
				slog.String("node", step.NodeID),
				slog.Int("iteration", step.Iteration),
			)
		}
		step.BranchKey = res.BranchKey
		return eng.recordSuccess(ctx, run, step, res.Output, started)
	})
	if err != nil {
		return err
	}
	return eng.orchestrate(ctx, runID, d)
}

// claim moves a step to running for this delivery. It returns a nil step
// when there is nothing to do.
func (eng *Engine) claim(ctx context.Context, run *workflow.Run, stepID id.StepID) (*workflow.Step, error) {
	step, err := eng.runs.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, err
	}

	switch {
	case step.Status == workflow.StepSucceeded, step.Exhausted():
		eng.logger.Debug("step already settled, skipping",
			slog.String("run_id", run.ID.String()),
			slog.String("step", step.Name),
			slog.String("status", string(step.Status)),
		)
		return nil, nil
	case step.Status == workflow.StepPending:
		return nil, fmt.Errorf("%w: %s", errNotScheduled, step.Name)
	case step.Status == workflow.StepFailed:
		// The retry attempt was dispatched but never recorded.
		step, err = eng.runs.CreateRetryAttempt(ctx, step.ID, workflow.StepRunning)
		if err != nil {
			return nil, err
		}
	default:
		if err := eng.runs.SetStepRunning(ctx, step.ID); err != nil {
			return nil, err
		}
		step.Status = workflow.StepRunning
	}
	return step, nil
}

func (eng *Engine) recordSuccess(ctx context.Context, run *workflow.Run, step *workflow.Step, out json.RawMessage, started time.Time) error {
	if err := eng.runs.SetStepResult(ctx, step.ID, out); err != nil {
		return err
	}
	step.Status, step.Result = workflow.StepSucceeded, out
	eng.logger.Debug("step succeeded",
		slog.String("run_id", run.ID.String()),
		slog.String("step", step.Name),
		slog.Int("attempt", step.AttemptCount),
	)
	eng.extensions.EmitStepCompleted(ctx, run, step, time.Since(started))
	return nil
}

func (eng *Engine) recordFailure(ctx context.Context, run *workflow.Run, step *workflow.Step, info *workflow.ErrorInfo, kind queue.Kind, d queue.Dispatcher) error {
	if err := eng.runs.SetStepError(ctx, step.ID, info); err != nil {
		return err
	}
	step, err := eng.runs.GetStepByID(ctx, step.ID)
	if err != nil {
		return err
	}

	if !step.CanRetry() {
		eng.logger.Info("step failed",
			slog.String("run_id", run.ID.String()),
			slog.String("step", step.Name),
			slog.Int("attempts", step.AttemptCount),
			slog.Bool("permanent", info.Permanent),
			slog.String("error", info.Message),
		)
		eng.extensions.EmitStepFailed(ctx, run, step, info)
		return nil
	}

	delay := step.RetryDelay
	if delay <= 0 {
		delay = eng.bo.Delay(step.AttemptCount)
	}
	task := queue.NewTask(kind, run.ID, run.WorkflowName).ForStep(step.ID, step.Name, step.RPCName)
	task.Queue = eng.queueFor(step.RPCName)
	if err := d.Schedule(ctx, delay, task); err != nil {
		return err
	}
	next, err := eng.runs.CreateRetryAttempt(ctx, step.ID, workflow.StepScheduled)
	if err != nil {
		return err
	}

	nextRunAt := time.Now().UTC().Add(delay)
	eng.logger.Info("step failed, retrying",
		slog.String("run_id", run.ID.String()),
		slog.String("step", step.Name),
		slog.Int("attempt", next.AttemptCount),
		slog.Int("retries", next.Retries),
		slog.Duration("delay", delay),
		slog.String("error", info.Message),
	)
	eng.extensions.EmitStepRetrying(ctx, run, next, next.AttemptCount, nextRunAt)
	return nil
}

// wake completes a sleep step whose timer elapsed.
func (eng *Engine) wake(ctx context.Context, runID id.RunID, stepID id.StepID, d queue.Dispatcher) error {
	err := eng.runs.WithStepLock(ctx, runID, stepID, func(ctx context.Context) error {
		step, err := eng.runs.GetStepByID(ctx, stepID)
		if err != nil {
			return err
		}
		switch step.Status {
		case workflow.StepSucceeded:
			return nil
		case workflow.StepPending:
			return fmt.Errorf("%w: %s", errNotScheduled, step.Name)
		}
		if err := eng.runs.SetStepRunning(ctx, step.ID); err != nil {
			return err
		}
		return eng.runs.SetStepResult(ctx, step.ID, []byte("null"))
	})
	if err != nil {
		return err
	}
	return eng.orchestrate(ctx, runID, d)
}

func (eng *Engine) queueFor(rpcName string) string {
	if fo, ok := eng.functions.Options(rpcName); ok && fo.Queue != "" {
		return fo.Queue
	}
	return queue.DefaultQueue
}
