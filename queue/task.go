package queue

import (
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
)

// Kind names what a task asks the engine to do.
type Kind string

const (
	// KindExecuteStep invokes the function behind a DSL step, then
	// orchestrates the run again.
	KindExecuteStep Kind = "step.execute"
	// KindGraphNode executes a graph node, then continues the graph.
	KindGraphNode Kind = "graph.node"
	// KindOrchestrate runs one orchestration pass over a run.
	KindOrchestrate Kind = "workflow.orchestrate"
	// KindWake completes a sleep step whose timer elapsed.
	KindWake Kind = "step.wake"
)

// State is the delivery state of a task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// DefaultQueue is the queue used when a task names none.
const DefaultQueue = "default"

// Task is a unit of deferred orchestration work.
type Task struct {
	orchestra.Entity

	ID           id.TaskID   `json:"id"`
	Kind         Kind        `json:"kind"`
	Queue        string      `json:"queue"`
	RunID        id.RunID    `json:"run_id"`
	WorkflowName string      `json:"workflow_name,omitempty"`
	StepID       id.StepID   `json:"step_id,omitempty"`
	StepName     string      `json:"step_name,omitempty"`
	RPCName      string      `json:"rpc_name,omitempty"`
	Payload      []byte      `json:"payload,omitempty"`
	State        State       `json:"state"`
	Attempt      int         `json:"attempt"`
	MaxAttempts  int         `json:"max_attempts"`
	LastError    string      `json:"last_error,omitempty"`
	WorkerID     id.WorkerID `json:"worker_id,omitempty"`
	RunAt        time.Time   `json:"run_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	HeartbeatAt  *time.Time  `json:"heartbeat_at,omitempty"`
}

// NewTask returns a pending task of kind for a run, due immediately.
func NewTask(kind Kind, runID id.RunID, workflowName string) *Task {
	return &Task{
		Entity:       orchestra.NewEntity(),
		ID:           id.NewTaskID(),
		Kind:         kind,
		Queue:        DefaultQueue,
		RunID:        runID,
		WorkflowName: workflowName,
		State:        StatePending,
		RunAt:        time.Now().UTC(),
	}
}

// ForStep fills in the step a task refers to and returns t.
func (t *Task) ForStep(stepID id.StepID, stepName, rpcName string) *Task {
	t.StepID, t.StepName, t.RPCName = stepID, stepName, rpcName
	return t
}
