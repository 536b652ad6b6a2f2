package dsl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/workflow"
)

// Do calls a remote function as a checkpointed step. The first pass to
// reach it dispatches the call and suspends; later passes suspend until
// the step succeeds, then return its result decoded into T.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Do[T any](w *Workflow, stepName, rpcName string, data any, opts ...StepOption) (Outcome[T], error) {
	if err := w.claim(stepName); err != nil {
		return Outcome[T]{}, err
	}
	step, err := w.env.Store.GetStep(w.ctx, w.run.ID, stepName)
	if err != nil {
		return Outcome[T]{}, fmt.Errorf("dsl: step %q: %w", stepName, err)
	}

	switch {
	case step.Status == workflow.StepSucceeded:
		return cached[T](w, step)
	case step.Exhausted():
		return Outcome[T]{}, &StepFailedError{Step: stepName, Info: step.Error}
	case step.Status == workflow.StepScheduled, step.Status == workflow.StepRunning, step.Status == workflow.StepFailed:
		w.env.Logger.Debug("step in flight, suspending",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", stepName),
		)
		return suspendAt[T](stepName), nil
	}

	input, err := json.Marshal(data)
	if err != nil {
		return Outcome[T]{}, fmt.Errorf("dsl: encode input of %q: %w", stepName, err)
	}
	step, err = w.env.Store.InsertStep(w.ctx, w.run.ID, stepName, rpcName, input, w.stepOptions(rpcName, opts))
	if err != nil {
		return Outcome[T]{}, fmt.Errorf("dsl: insert step %q: %w", stepName, err)
	}

	task := queue.NewTask(queue.KindExecuteStep, w.run.ID, w.run.WorkflowName).ForStep(step.ID, stepName, rpcName)
	task.Queue = w.queueFor(rpcName)
	if err := w.env.Dispatcher.Enqueue(w.ctx, task); err != nil {
		return Outcome[T]{}, err
	}
	if err := w.env.Store.SetStepScheduled(w.ctx, step.ID); err != nil {
		return Outcome[T]{}, fmt.Errorf("dsl: schedule step %q: %w", stepName, err)
	}
	w.env.Logger.Debug("step scheduled",
		slog.String("run_id", w.run.ID.String()),
		slog.String("step", stepName),
		slog.String("rpc", rpcName),
	)
	return suspendAt[T](stepName), nil
}

// DoInline runs fn in the orchestrating process as a checkpointed step.
// A failure with attempts left schedules another pass after the retry
// delay and suspends.
func DoInline[T any](w *Workflow, stepName string, fn func(ctx context.Context) (T, error), opts ...StepOption) (Outcome[T], error) {
	if err := w.claim(stepName); err != nil {
		return Outcome[T]{}, err
	}
	step, err := w.env.Store.GetStep(w.ctx, w.run.ID, stepName)
	if err != nil {
		return Outcome[T]{}, fmt.Errorf("dsl: step %q: %w", stepName, err)
	}

	switch {
	case step.Status == workflow.StepSucceeded:
		return cached[T](w, step)
	case step.Exhausted():
		return Outcome[T]{}, &StepFailedError{Step: stepName, Info: step.Error}
	case step.Status == workflow.StepFailed:
		return suspendAt[T](stepName), nil
	case step.Status == workflow.StepScheduled && step.ScheduledAt != nil && time.Since(*step.ScheduledAt) < step.RetryDelay:
		return suspendAt[T](stepName), nil
	}

	if !step.Exists() {
		step, err = w.env.Store.InsertStep(w.ctx, w.run.ID, stepName, "", nil, w.stepOptions("", opts))
		if err != nil {
			return Outcome[T]{}, fmt.Errorf("dsl: insert step %q: %w", stepName, err)
		}
	}
	if err := w.env.Store.SetStepRunning(w.ctx, step.ID); err != nil {
		return Outcome[T]{}, fmt.Errorf("dsl: start step %q: %w", stepName, err)
	}

	v, runErr := fn(w.ctx)
	if runErr == nil {
		data, err := json.Marshal(v)
		if err != nil {
			return Outcome[T]{}, fmt.Errorf("dsl: encode result of %q: %w", stepName, err)
		}
		if err := w.env.Store.SetStepResult(w.ctx, step.ID, data); err != nil {
			return Outcome[T]{}, fmt.Errorf("dsl: record result of %q: %w", stepName, err)
		}
		return ready(v), nil
	}

	info := workflow.NewErrorInfo("", runErr)
	if err := w.env.Store.SetStepError(w.ctx, step.ID, info); err != nil {
		return Outcome[T]{}, fmt.Errorf("dsl: record failure of %q: %w", stepName, err)
	}
	step, err = w.env.Store.GetStepByID(w.ctx, step.ID)
	if err != nil {
		return Outcome[T]{}, err
	}
	if !step.CanRetry() {
		return Outcome[T]{}, &StepFailedError{Step: stepName, Info: info}
	}

	if _, err := w.env.Store.CreateRetryAttempt(w.ctx, step.ID, workflow.StepScheduled); err != nil {
		return Outcome[T]{}, fmt.Errorf("dsl: retry %q: %w", stepName, err)
	}
	delay := step.RetryDelay
	if delay <= 0 && w.env.Backoff != nil {
		delay = w.env.Backoff.Delay(step.AttemptCount)
	}
	task := queue.NewTask(queue.KindOrchestrate, w.run.ID, w.run.WorkflowName)
	if err := w.env.Dispatcher.Schedule(w.ctx, delay, task); err != nil {
		return Outcome[T]{}, err
	}
	w.env.Logger.Info("inline step failed, retrying",
		slog.String("run_id", w.run.ID.String()),
		slog.String("step", stepName),
		slog.Int("attempt", step.AttemptCount),
		slog.Duration("delay", delay),
		slog.String("error", runErr.Error()),
	)
	return suspendAt[T](stepName), nil
}

// Sleep is a checkpointed timer. The first pass schedules a wake-up
// after d and suspends; the pass after the wake-up continues past it.
func Sleep(w *Workflow, stepName string, d time.Duration) (Outcome[struct{}], error) {
	if err := w.claim(stepName); err != nil {
		return Outcome[struct{}]{}, err
	}
	step, err := w.env.Store.GetStep(w.ctx, w.run.ID, stepName)
	if err != nil {
		return Outcome[struct{}]{}, fmt.Errorf("dsl: step %q: %w", stepName, err)
	}
	if step.Status == workflow.StepSucceeded {
		return ready(struct{}{}), nil
	}
	if step.Exists() && step.Status != workflow.StepPending {
		return suspendAt[struct{}](stepName), nil
	}

	until := time.Now().UTC().Add(d)
	input, _ := json.Marshal(map[string]time.Time{"until": until})
	step, err = w.env.Store.InsertStep(w.ctx, w.run.ID, stepName, "", input, workflow.StepOptions{})
	if err != nil {
		return Outcome[struct{}]{}, fmt.Errorf("dsl: insert sleep %q: %w", stepName, err)
	}
	task := queue.NewTask(queue.KindWake, w.run.ID, w.run.WorkflowName).ForStep(step.ID, stepName, "")
	if err := w.env.Dispatcher.Schedule(w.ctx, d, task); err != nil {
		return Outcome[struct{}]{}, err
	}
	if err := w.env.Store.SetStepScheduled(w.ctx, step.ID); err != nil {
		return Outcome[struct{}]{}, fmt.Errorf("dsl: schedule sleep %q: %w", stepName, err)
	}
	w.env.Logger.Debug("sleeping",
		slog.String("run_id", w.run.ID.String()),
		slog.String("step", stepName),
		slog.Duration("duration", d),
	)
	return suspendAt[struct{}](stepName), nil
}

func cached[T any](w *Workflow, step *workflow.Step) (Outcome[T], error) {
	var v T
	if len(step.Result) > 0 {
		if err := json.Unmarshal(step.Result, &v); err != nil {
			return Outcome[T]{}, fmt.Errorf("dsl: decode result of %q: %w", step.Name, err)
		}
	}
	w.env.Logger.Debug("returning checkpointed result",
		slog.String("run_id", w.run.ID.String()),
		slog.String("step", step.Name),
	)
	return ready(v), nil
}
