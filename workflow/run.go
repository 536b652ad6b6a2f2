package workflow

import (
	"fmt"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	// RunRunning means an orchestration pass may schedule more work.
	RunRunning RunStatus = "running"
	// RunSuspended means the run waits for scheduled steps or timers.
	RunSuspended RunStatus = "suspended"
	// RunCompleted means the run finished and carries its output.
	RunCompleted RunStatus = "completed"
	// RunFailed means the run failed and carries its error.
	RunFailed RunStatus = "failed"
)

// IsTerminal reports whether s is completed or failed.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Kind tells which authoring model drives a run.
type Kind string

const (
	// KindGraph runs are scheduled from a graph.Definition.
	KindGraph Kind = "graph"
	// KindDSL runs replay a Go workflow function.
	KindDSL Kind = "dsl"
)

// Run is one execution of a named workflow.
type Run struct {
	orchestra.Entity

	ID           id.RunID  `json:"id"`
	WorkflowName string    `json:"workflow_name"`
	Kind         Kind      `json:"kind"`
	// GraphHash identifies the definition the run started with: the graph
	// content hash, or "dsl:v<n>" for DSL workflows.
	GraphHash   string     `json:"graph_hash"`
	Status      RunStatus  `json:"status"`
	Input       []byte     `json:"input,omitempty"`
	Output      []byte     `json:"output,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	Inline      bool       `json:"inline"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRun returns a running run ready to be persisted with CreateRun.
func NewRun(name string, kind Kind, graphHash string, input []byte, inline bool) *Run {
	now := time.Now().UTC()
	return &Run{
		Entity:       orchestra.NewEntity(),
		ID:           id.NewRunID(),
		WorkflowName: name,
		Kind:         kind,
		GraphHash:    graphHash,
		Status:       RunRunning,
		Input:        input,
		Inline:       inline,
		StartedAt:    now,
	}
}

// ApplyStatus moves r to status. Output is kept only for completed runs
// and the error only for failed runs; a completed run without output gets
// JSON null. Terminal runs reject every change with orchestra.ErrRunTerminal.
func (r *Run) ApplyStatus(status RunStatus, output []byte, runErr *ErrorInfo) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", orchestra.ErrRunTerminal, r.ID, r.Status)
	}
	switch status {
	case RunRunning, RunSuspended:
		r.Output, r.Error = nil, nil
	case RunCompleted:
		if output == nil {
			output = []byte("null")
		}
		r.Output, r.Error = output, nil
	case RunFailed:
		if runErr == nil {
			runErr = &ErrorInfo{Message: "run failed", Code: orchestra.CodeWorkflowError}
		}
		r.Output, r.Error = nil, runErr
	default:
		return fmt.Errorf("%w: unknown run status %q", orchestra.ErrInvalidState, status)
	}

	r.Status = status
	r.Touch()
	if status.IsTerminal() {
		t := r.UpdatedAt
		r.CompletedAt = &t
	}
	return nil
}

// ListOpts filters run listings.
type ListOpts struct {
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
	// Status filters by status. Empty means all.
	Status RunStatus
	// WorkflowName filters by workflow. Empty means all.
	WorkflowName string
}
