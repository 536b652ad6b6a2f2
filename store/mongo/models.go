package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/version"
	"github.com/xraph/orchestra/workflow"
)

func parseOptionalID(v string) (id.ID, error) {
	if v == "" {
		return id.Nil, nil
	}
	return id.Parse(v)
}

// ── Error model ───────────────────────────────────────────────────

type errorModel struct {
	Message   string `bson:"message"`
	Stack     string `bson:"stack,omitempty"`
	Code      string `bson:"code,omitempty"`
	Permanent bool   `bson:"permanent,omitempty"`
}

func toErrorModel(info *workflow.ErrorInfo) *errorModel {
	if info == nil {
		return nil
	}
	return &errorModel{Message: info.Message, Stack: info.Stack, Code: info.Code, Permanent: info.Permanent}
}

func fromErrorModel(m *errorModel) *workflow.ErrorInfo {
	if m == nil {
		return nil
	}
	return &workflow.ErrorInfo{Message: m.Message, Stack: m.Stack, Code: m.Code, Permanent: m.Permanent}
}

// ── Run model ─────────────────────────────────────────────────────

type runModel struct {
	ID           string      `bson:"_id"`
	Rev          int64       `bson:"rev"`
	WorkflowName string      `bson:"workflow_name"`
	Kind         string      `bson:"kind"`
	GraphHash    string      `bson:"graph_hash"`
	Status       string      `bson:"status"`
	Input        []byte      `bson:"input,omitempty"`
	Output       []byte      `bson:"output,omitempty"`
	Error        *errorModel `bson:"error,omitempty"`
	Inline       bool        `bson:"inline"`
	StartedAt    time.Time   `bson:"started_at"`
	CompletedAt  *time.Time  `bson:"completed_at,omitempty"`
	CreatedAt    time.Time   `bson:"created_at"`
	UpdatedAt    time.Time   `bson:"updated_at"`
}

func toRunModel(r *workflow.Run, rev int64) *runModel {
	return &runModel{
		ID:           r.ID.String(),
		Rev:          rev,
		WorkflowName: r.WorkflowName,
		Kind:         string(r.Kind),
		GraphHash:    r.GraphHash,
		Status:       string(r.Status),
		Input:        r.Input,
		Output:       r.Output,
		Error:        toErrorModel(r.Error),
		Inline:       r.Inline,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func fromRunModel(m *runModel) (*workflow.Run, error) {
	parsedID, err := id.ParseRunID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: parse run id %q: %w", m.ID, err)
	}

	return &workflow.Run{
		Entity: orchestra.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		WorkflowName: m.WorkflowName,
		Kind:         workflow.Kind(m.Kind),
		GraphHash:    m.GraphHash,
		Status:       workflow.RunStatus(m.Status),
		Input:        m.Input,
		Output:       m.Output,
		Error:        fromErrorModel(m.Error),
		Inline:       m.Inline,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
	}, nil
}

// ── Run state model ───────────────────────────────────────────────

type runStateModel struct {
	RunID string `bson:"run_id"`
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

// ── Step model ────────────────────────────────────────────────────

type stepModel struct {
	ID           string      `bson:"_id"`
	Rev          int64       `bson:"rev"`
	Seq          int64       `bson:"seq"`
	RunID        string      `bson:"run_id"`
	Name         string      `bson:"name"`
	RPCName      string      `bson:"rpc_name"`
	NodeID       string      `bson:"node_id"`
	Iteration    int         `bson:"iteration"`
	Input        []byte      `bson:"input,omitempty"`
	Status       string      `bson:"status"`
	Result       []byte      `bson:"result,omitempty"`
	Error        *errorModel `bson:"error,omitempty"`
	AttemptCount int         `bson:"attempt_count"`
	Retries      int         `bson:"retries"`
	RetryDelay   int64       `bson:"retry_delay"`
	BranchKey    string      `bson:"branch_key"`
	ScheduledAt  *time.Time  `bson:"scheduled_at,omitempty"`
	RunningAt    *time.Time  `bson:"running_at,omitempty"`
	SucceededAt  *time.Time  `bson:"succeeded_at,omitempty"`
	FailedAt     *time.Time  `bson:"failed_at,omitempty"`
	CreatedAt    time.Time   `bson:"created_at"`
	UpdatedAt    time.Time   `bson:"updated_at"`
}

func toStepModel(st *workflow.Step, seq, rev int64) *stepModel {
	return &stepModel{
		ID:           st.ID.String(),
		Rev:          rev,
		Seq:          seq,
		RunID:        st.RunID.String(),
		Name:         st.Name,
		RPCName:      st.RPCName,
		NodeID:       st.NodeID,
		Iteration:    st.Iteration,
		Input:        st.Input,
		Status:       string(st.Status),
		Result:       st.Result,
		Error:        toErrorModel(st.Error),
		AttemptCount: st.AttemptCount,
		Retries:      st.Retries,
		RetryDelay:   st.RetryDelay.Nanoseconds(),
		BranchKey:    st.BranchKey,
		ScheduledAt:  st.ScheduledAt,
		RunningAt:    st.RunningAt,
		SucceededAt:  st.SucceededAt,
		FailedAt:     st.FailedAt,
		CreatedAt:    st.CreatedAt,
		UpdatedAt:    st.UpdatedAt,
	}
}

func fromStepModel(m *stepModel) (*workflow.Step, error) {
	parsedID, err := id.ParseStepID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: parse step id %q: %w", m.ID, err)
	}
	parsedRunID, err := id.ParseRunID(m.RunID)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: parse run id %q: %w", m.RunID, err)
	}

	return &workflow.Step{
		Entity: orchestra.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		RunID:        parsedRunID,
		Name:         m.Name,
		RPCName:      m.RPCName,
		NodeID:       m.NodeID,
		Iteration:    m.Iteration,
		Input:        m.Input,
		Status:       workflow.StepStatus(m.Status),
		Result:       m.Result,
		Error:        fromErrorModel(m.Error),
		AttemptCount: m.AttemptCount,
		Retries:      m.Retries,
		RetryDelay:   time.Duration(m.RetryDelay),
		BranchKey:    m.BranchKey,
		ScheduledAt:  m.ScheduledAt,
		RunningAt:    m.RunningAt,
		SucceededAt:  m.SucceededAt,
		FailedAt:     m.FailedAt,
	}, nil
}

// ── Version model ─────────────────────────────────────────────────

type versionModel struct {
	ID           string    `bson:"_id"`
	WorkflowName string    `bson:"workflow_name"`
	GraphHash    string    `bson:"graph_hash"`
	Definition   []byte    `bson:"definition"`
	Source       string    `bson:"source"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func toVersionModel(v *version.Version) *versionModel {
	return &versionModel{
		ID:           v.ID.String(),
		WorkflowName: v.WorkflowName,
		GraphHash:    v.GraphHash,
		Definition:   v.Definition,
		Source:       v.Source,
		CreatedAt:    v.CreatedAt,
		UpdatedAt:    v.UpdatedAt,
	}
}

func fromVersionModel(m *versionModel) (*version.Version, error) {
	parsedID, err := id.ParseVersionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: parse version id %q: %w", m.ID, err)
	}
	return &version.Version{
		Entity: orchestra.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		WorkflowName: m.WorkflowName,
		GraphHash:    m.GraphHash,
		Definition:   json.RawMessage(m.Definition),
		Source:       m.Source,
	}, nil
}

// ── Task model ────────────────────────────────────────────────────

type taskModel struct {
	ID           string     `bson:"_id"`
	Kind         string     `bson:"kind"`
	Queue        string     `bson:"queue"`
	RunID        string     `bson:"run_id"`
	WorkflowName string     `bson:"workflow_name"`
	StepID       string     `bson:"step_id"`
	StepName     string     `bson:"step_name"`
	RPCName      string     `bson:"rpc_name"`
	Payload      []byte     `bson:"payload,omitempty"`
	State        string     `bson:"state"`
	Attempt      int        `bson:"attempt"`
	MaxAttempts  int        `bson:"max_attempts"`
	LastError    string     `bson:"last_error"`
	WorkerID     string     `bson:"worker_id"`
	RunAt        time.Time  `bson:"run_at"`
	StartedAt    *time.Time `bson:"started_at,omitempty"`
	CompletedAt  *time.Time `bson:"completed_at,omitempty"`
	HeartbeatAt  *time.Time `bson:"heartbeat_at,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func toTaskModel(t *queue.Task) *taskModel {
	return &taskModel{
		ID:           t.ID.String(),
		Kind:         string(t.Kind),
		Queue:        t.Queue,
		RunID:        t.RunID.String(),
		WorkflowName: t.WorkflowName,
		StepID:       t.StepID.String(),
		StepName:     t.StepName,
		RPCName:      t.RPCName,
		Payload:      t.Payload,
		State:        string(t.State),
		Attempt:      t.Attempt,
		MaxAttempts:  t.MaxAttempts,
		LastError:    t.LastError,
		WorkerID:     t.WorkerID.String(),
		RunAt:        t.RunAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		HeartbeatAt:  t.HeartbeatAt,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func fromTaskModel(m *taskModel) (*queue.Task, error) {
	parsedID, err := id.ParseTaskID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: parse task id %q: %w", m.ID, err)
	}
	runID, err := parseOptionalID(m.RunID)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: parse task run id %q: %w", m.RunID, err)
	}
	stepID, err := parseOptionalID(m.StepID)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: parse task step id %q: %w", m.StepID, err)
	}

	t := &queue.Task{
		Entity: orchestra.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		Kind:         queue.Kind(m.Kind),
		Queue:        m.Queue,
		RunID:        runID,
		WorkflowName: m.WorkflowName,
		StepID:       stepID,
		StepName:     m.StepName,
		RPCName:      m.RPCName,
		Payload:      m.Payload,
		State:        queue.State(m.State),
		Attempt:      m.Attempt,
		MaxAttempts:  m.MaxAttempts,
		LastError:    m.LastError,
		RunAt:        m.RunAt,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		HeartbeatAt:  m.HeartbeatAt,
	}

	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			t.WorkerID = parsedWorker
		}
	}

	return t, nil
}
