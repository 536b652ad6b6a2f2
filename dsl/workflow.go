package dsl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/function"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/workflow"
)

// CancelKey is the run-state key holding a cancellation request.
const CancelKey = "orchestra.cancel"

// ErrDuplicateStep is returned when one pass uses a step name twice.
var ErrDuplicateStep = errors.New("dsl: step name used twice in one pass")

// StepFailedError is returned by a primitive whose step failed with no
// attempts left.
type StepFailedError struct {
	Step string
	Info *workflow.ErrorInfo
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("dsl: step %q failed: %s", e.Step, e.Info.Message)
}

// Unwrap exposes the recorded failure.
func (e *StepFailedError) Unwrap() error { return e.Info }

// FunctionOptions looks up the options of a registered function.
type FunctionOptions interface {
	Options(name string) (function.Options, bool)
}

// Env is everything a Workflow handle needs from the engine.
type Env struct {
	Store      workflow.Store
	Dispatcher queue.Dispatcher
	Functions  FunctionOptions
	Defaults   workflow.StepOptions
	Logger     *slog.Logger

	// Backoff sets the retry delay of inline steps whose own delay is
	// zero. Nil retries them at once.
	Backoff backoff.Strategy
}

// Workflow is the handle a workflow body receives for one pass.
type Workflow struct {
	ctx  context.Context
	run  *workflow.Run
	env  Env
	seen map[string]struct{}
}

// NewWorkflow builds the handle for one pass over run.
func NewWorkflow(ctx context.Context, run *workflow.Run, env Env) *Workflow {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	return &Workflow{ctx: ctx, run: run, env: env, seen: make(map[string]struct{})}
}

// Context returns the pass context.
func (w *Workflow) Context() context.Context { return w.ctx }

// RunID returns the ID of the run being replayed.
func (w *Workflow) RunID() string { return w.run.ID.String() }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.run.WorkflowName }

// Logger returns a logger tagged with the run.
func (w *Workflow) Logger() *slog.Logger {
	return w.env.Logger.With(slog.String("run_id", w.run.ID.String()))
}

// StepOption adjusts the retry policy of one step.
type StepOption func(*workflow.StepOptions)

// WithRetries sets how many attempts may follow a failed first attempt.
func WithRetries(n int, delay time.Duration) StepOption {
	return func(o *workflow.StepOptions) {
		o.Retries = n
		o.RetryDelay = delay
	}
}

func (w *Workflow) claim(stepName string) error {
	if _, dup := w.seen[stepName]; dup {
		return fmt.Errorf("%w: %q in run %s", ErrDuplicateStep, stepName, w.run.ID)
	}
	w.seen[stepName] = struct{}{}
	return nil
}

func (w *Workflow) stepOptions(rpcName string, opts []StepOption) workflow.StepOptions {
	out := w.env.Defaults
	if rpcName != "" && w.env.Functions != nil {
		if fo, ok := w.env.Functions.Options(rpcName); ok && (fo.Retries > 0 || fo.RetryDelay > 0) {
			out = workflow.StepOptions{Retries: fo.Retries, RetryDelay: fo.RetryDelay}
		}
	}
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

func (w *Workflow) queueFor(rpcName string) string {
	if w.env.Functions != nil {
		if fo, ok := w.env.Functions.Options(rpcName); ok && fo.Queue != "" {
			return fo.Queue
		}
	}
	return queue.DefaultQueue
}

// State reads a value from the run's state into v. It reports false
// when the key is unset.
func (w *Workflow) State(key string, v any) (bool, error) {
	state, err := w.env.Store.GetRunState(w.ctx, w.run.ID)
	if err != nil {
		return false, fmt.Errorf("dsl: run state of %s: %w", w.run.ID, err)
	}
	raw, ok := state[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("dsl: decode state %q: %w", key, err)
	}
	return true, nil
}

// SetState stores v under key in the run's state. A nil v removes it.
func (w *Workflow) SetState(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("dsl: encode state %q: %w", key, err)
	}
	return w.env.Store.UpdateRunState(w.ctx, w.run.ID, map[string]json.RawMessage{key: data})
}

// CancelRequest is the value stored under CancelKey.
type CancelRequest struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Cancel records a cancellation request. The orchestrator fails the run
// with code CANCELLED when it next sees the request; steps already
// dispatched keep running.
func (w *Workflow) Cancel(reason string) (Result, error) {
	if err := RequestCancel(w.ctx, w.env.Store, w.run, reason); err != nil {
		return Result{}, err
	}
	return Result{kind: resultCancelled}, nil
}

// RequestCancel writes a cancellation request into run state.
func RequestCancel(ctx context.Context, store workflow.RunStore, run *workflow.Run, reason string) error {
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: cancel %s", orchestra.ErrRunTerminal, run.ID)
	}
	data, err := json.Marshal(CancelRequest{Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return store.UpdateRunState(ctx, run.ID, map[string]json.RawMessage{CancelKey: data})
}

// CancelRequested returns the pending cancellation request of a run.
func CancelRequested(ctx context.Context, store workflow.RunStore, run *workflow.Run) (*CancelRequest, error) {
	state, err := store.GetRunState(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	raw, ok := state[CancelKey]
	if !ok {
		return nil, nil
	}
	var req CancelRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("dsl: decode cancel request of %s: %w", run.ID, err)
	}
	return &req, nil
}
