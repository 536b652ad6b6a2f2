package workflow

import (
	"fmt"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/id"
)

// StepStatus is the lifecycle status of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepScheduled StepStatus = "scheduled"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepOptions is the retry policy captured when a step is inserted.
type StepOptions struct {
	// Retries is how many attempts may follow the first one.
	Retries int `json:"retries"`
	// RetryDelay is the wait before each retry. Zero defers to the
	// engine backoff strategy.
	RetryDelay time.Duration `json:"retry_delay"`
}

// Step is one idempotent unit of work in a run.
type Step struct {
	orchestra.Entity

	ID    id.StepID `json:"id"`
	RunID id.RunID  `json:"run_id"`
	Name  string    `json:"name"`

	// RPCName is the function a worker invokes. Empty for inline steps
	// and timers.
	RPCName string `json:"rpc_name,omitempty"`

	// NodeID and Iteration are derived from graph step names
	// ("node:<id>" and "node:<id>#<n>"); empty and zero otherwise.
	NodeID    string `json:"node_id,omitempty"`
	Iteration int    `json:"iteration,omitempty"`

	Input        []byte        `json:"input,omitempty"`
	Status       StepStatus    `json:"status"`
	Result       []byte        `json:"result,omitempty"`
	Error        *ErrorInfo    `json:"error,omitempty"`
	AttemptCount int           `json:"attempt_count"`
	Retries      int           `json:"retries"`
	RetryDelay   time.Duration `json:"retry_delay"`
	BranchKey    string        `json:"branch_key,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	RunningAt   *time.Time `json:"running_at,omitempty"`
	SucceededAt *time.Time `json:"succeeded_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// NewStep returns a pending step on its first attempt.
func NewStep(runID id.RunID, name, rpcName string, input []byte, opts StepOptions) *Step {
	s := &Step{
		Entity:       orchestra.NewEntity(),
		ID:           id.NewStepID(),
		RunID:        runID,
		Name:         name,
		RPCName:      rpcName,
		Input:        input,
		Status:       StepPending,
		AttemptCount: 1,
		Retries:      opts.Retries,
		RetryDelay:   opts.RetryDelay,
	}
	if nodeID, iter, ok := graph.ParseStepName(name); ok {
		s.NodeID, s.Iteration = nodeID, iter
	}
	return s
}

// Placeholder is what GetStep returns for a name that was never inserted:
// a pending step with no ID and no attempts.
func Placeholder(runID id.RunID, name string) *Step {
	return &Step{RunID: runID, Name: name, Status: StepPending}
}

// Exists reports whether the step has been persisted.
func (s *Step) Exists() bool { return !s.ID.IsNil() }

// CanRetry reports whether a failed step still has attempts left.
func (s *Step) CanRetry() bool {
	if s.Error != nil && s.Error.Permanent {
		return false
	}
	return s.Status == StepFailed && s.AttemptCount <= s.Retries
}

// Exhausted reports whether the step failed with no attempts left, or
// failed permanently.
func (s *Step) Exhausted() bool {
	return s.Status == StepFailed && !s.CanRetry()
}

// InFlight reports whether the step may still produce a result.
func (s *Step) InFlight() bool {
	switch s.Status {
	case StepPending, StepScheduled, StepRunning:
		return true
	case StepFailed:
		return s.CanRetry()
	default:
		return false
	}
}

// Transition moves the step to status. Allowed moves:
//
//	pending   → scheduled | running | failed
//	scheduled → scheduled | running | failed
//	running   → running | succeeded | failed
//
// A repeated scheduled or running transition is accepted so that a
// redelivered task can run a step whose previous worker died.
func (s *Step) Transition(to StepStatus, now time.Time) error {
	ok := false
	switch s.Status {
	case StepPending:
		ok = to == StepScheduled || to == StepRunning || to == StepFailed
	case StepScheduled:
		ok = to == StepScheduled || to == StepRunning || to == StepFailed
	case StepRunning:
		ok = to == StepRunning || to == StepSucceeded || to == StepFailed
	}
	if !ok {
		return fmt.Errorf("%w: step %s %s -> %s", orchestra.ErrInvalidState, s.Name, s.Status, to)
	}

	s.Status = to
	s.UpdatedAt = now
	switch to {
	case StepScheduled:
		s.ScheduledAt = &now
	case StepRunning:
		s.RunningAt = &now
	case StepSucceeded:
		s.SucceededAt = &now
	case StepFailed:
		s.FailedAt = &now
	}
	return nil
}

// Succeed records a result on a running step.
func (s *Step) Succeed(result []byte, now time.Time) error {
	if err := s.Transition(StepSucceeded, now); err != nil {
		return err
	}
	if result == nil {
		result = []byte("null")
	}
	s.Result, s.Error = result, nil
	return nil
}

// Fail records an error on a step.
func (s *Step) Fail(info *ErrorInfo, now time.Time) error {
	if err := s.Transition(StepFailed, now); err != nil {
		return err
	}
	s.Error = info
	return nil
}

// Retry starts the next attempt of a failed step, moving it to next
// (pending, scheduled or running). It fails with orchestra.ErrRetryExhausted
// once AttemptCount exceeds Retries.
func (s *Step) Retry(next StepStatus, now time.Time) error {
	if s.Status != StepFailed {
		return fmt.Errorf("%w: retry of %s step %s", orchestra.ErrInvalidState, s.Status, s.Name)
	}
	if !s.CanRetry() {
		return fmt.Errorf("%w: step %s after %d attempts", orchestra.ErrRetryExhausted, s.Name, s.AttemptCount)
	}
	switch next {
	case StepPending:
	case StepScheduled:
		s.ScheduledAt = &now
	case StepRunning:
		s.RunningAt = &now
	default:
		return fmt.Errorf("%w: retry into %s", orchestra.ErrInvalidState, next)
	}
	s.AttemptCount++
	s.Status = next
	s.Error = nil
	s.FailedAt = nil
	s.UpdatedAt = now
	return nil
}
