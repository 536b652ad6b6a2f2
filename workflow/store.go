package workflow

import (
	"context"
	"encoding/json"

	"github.com/xraph/orchestra/id"
)

// RunStore persists runs and their free-form state.
type RunStore interface {
	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run. Returns orchestra.ErrRunNotFound if absent.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRunStatus moves a run to status with Run.ApplyStatus
	// semantics. Terminal runs return orchestra.ErrRunTerminal.
	UpdateRunStatus(ctx context.Context, runID id.RunID, status RunStatus, output []byte, runErr *ErrorInfo) error

	// ListRuns returns runs matching opts, newest first.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// GetRunState returns the run's key/value state. A run without state
	// yields an empty map, never an error.
	GetRunState(ctx context.Context, runID id.RunID) (map[string]json.RawMessage, error)

	// UpdateRunState merges patch into the run's state. A JSON null value
	// removes its key.
	UpdateRunState(ctx context.Context, runID id.RunID, patch map[string]json.RawMessage) error
}

// StepStore persists steps.
type StepStore interface {
	// InsertStep creates a pending step unless one with the same name
	// already exists in the run, in which case the existing step is
	// returned unchanged.
	InsertStep(ctx context.Context, runID id.RunID, stepName, rpcName string, input []byte, opts StepOptions) (*Step, error)

	// GetStep returns the named step, or Placeholder(runID, stepName)
	// when it was never inserted.
	GetStep(ctx context.Context, runID id.RunID, stepName string) (*Step, error)

	// GetStepByID returns a step. Returns orchestra.ErrStepNotFound if absent.
	GetStepByID(ctx context.Context, stepID id.StepID) (*Step, error)

	// ListSteps returns the run's steps in creation order.
	ListSteps(ctx context.Context, runID id.RunID) ([]*Step, error)

	// SetStepScheduled, SetStepRunning, SetStepResult and SetStepError
	// apply Step.Transition semantics. They return
	// orchestra.ErrStepNotFound for unknown steps.
	SetStepScheduled(ctx context.Context, stepID id.StepID) error
	SetStepRunning(ctx context.Context, stepID id.StepID) error
	SetStepResult(ctx context.Context, stepID id.StepID, result []byte) error
	SetStepError(ctx context.Context, stepID id.StepID, stepErr *ErrorInfo) error

	// CreateRetryAttempt starts the next attempt of a failed step (see
	// Step.Retry). Returns orchestra.ErrStepNotFound if absent.
	CreateRetryAttempt(ctx context.Context, stepID id.StepID, next StepStatus) (*Step, error)

	// SetBranchKey records the branch chosen by a step.
	SetBranchKey(ctx context.Context, stepID id.StepID, key string) error

	// SetBranchTaken records the branch chosen by a graph node's step.
	SetBranchTaken(ctx context.Context, runID id.RunID, stepName, key string) error

	// GetCompletedGraphState derives the run's graph completion state
	// from its steps.
	GetCompletedGraphState(ctx context.Context, runID id.RunID) (*GraphState, error)

	// GetNodesWithoutSteps returns the candidates that have no step
	// record yet, preserving their order.
	GetNodesWithoutSteps(ctx context.Context, runID id.RunID, nodeIDs []string) ([]string, error)

	// GetNodeResults returns the latest succeeded result of each node that
	// has one. Nodes without a result are absent from the map.
	GetNodeResults(ctx context.Context, runID id.RunID, nodeIDs []string) (map[string]json.RawMessage, error)
}

// Locker serializes work on a run or a step across every process sharing
// the store. fn runs at most once at a time per key.
type Locker interface {
	WithRunLock(ctx context.Context, runID id.RunID, fn func(ctx context.Context) error) error
	WithStepLock(ctx context.Context, runID id.RunID, stepID id.StepID, fn func(ctx context.Context) error) error
}

// Store is the full workflow state contract.
type Store interface {
	RunStore
	StepStore
	Locker
}
