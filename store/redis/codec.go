package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/workflow"
)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
	return t
}

// putTime sets field only for non-nil times so that cleared timestamps
// disappear from the rewritten hash.
func putTime(m map[string]any, field string, t *time.Time) {
	if t != nil {
		m[field] = formatTime(*t)
	}
}

func getTime(m map[string]string, field string) *time.Time {
	v, ok := m[field]
	if !ok || v == "" {
		return nil
	}
	t := parseTime(v)
	return &t
}

func putBytes(m map[string]any, field string, b []byte) {
	if b != nil {
		m[field] = string(b)
	}
}

func getBytes(m map[string]string, field string) []byte {
	v, ok := m[field]
	if !ok {
		return nil
	}
	return []byte(v)
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v) //nolint:errcheck // best-effort parse from trusted Redis data
	return n
}

func putError(m map[string]any, info *workflow.ErrorInfo) error {
	if info == nil {
		return nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("orchestra/redis: encode error info: %w", err)
	}
	m["error"] = string(data)
	return nil
}

func getError(m map[string]string) (*workflow.ErrorInfo, error) {
	v := m["error"]
	if v == "" {
		return nil, nil
	}
	var info workflow.ErrorInfo
	if err := json.Unmarshal([]byte(v), &info); err != nil {
		return nil, fmt.Errorf("orchestra/redis: decode error info: %w", err)
	}
	return &info, nil
}

func parseOptionalID(v string) (id.ID, error) {
	if v == "" {
		return id.Nil, nil
	}
	return id.Parse(v)
}

// ── runs ──

func runToMap(r *workflow.Run) (map[string]any, error) {
	m := map[string]any{
		"id":            r.ID.String(),
		"workflow_name": r.WorkflowName,
		"kind":          string(r.Kind),
		"graph_hash":    r.GraphHash,
		"status":        string(r.Status),
		"inline":        strconv.FormatBool(r.Inline),
		"started_at":    formatTime(r.StartedAt),
		"created_at":    formatTime(r.CreatedAt),
		"updated_at":    formatTime(r.UpdatedAt),
	}
	putBytes(m, "input", r.Input)
	putBytes(m, "output", r.Output)
	putTime(m, "completed_at", r.CompletedAt)
	if err := putError(m, r.Error); err != nil {
		return nil, err
	}
	return m, nil
}

func mapToRun(m map[string]string) (*workflow.Run, error) {
	runID, err := id.ParseRunID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: parse run id: %w", err)
	}
	inline, _ := strconv.ParseBool(m["inline"]) //nolint:errcheck // best-effort parse from trusted Redis data

	r := &workflow.Run{
		Entity: orchestra.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:           runID,
		WorkflowName: m["workflow_name"],
		Kind:         workflow.Kind(m["kind"]),
		GraphHash:    m["graph_hash"],
		Status:       workflow.RunStatus(m["status"]),
		Input:        getBytes(m, "input"),
		Output:       getBytes(m, "output"),
		Inline:       inline,
		StartedAt:    parseTime(m["started_at"]),
		CompletedAt:  getTime(m, "completed_at"),
	}
	if r.Error, err = getError(m); err != nil {
		return nil, err
	}
	return r, nil
}

// ── steps ──

func stepToMap(st *workflow.Step) (map[string]any, error) {
	m := map[string]any{
		"id":            st.ID.String(),
		"run_id":        st.RunID.String(),
		"name":          st.Name,
		"rpc_name":      st.RPCName,
		"node_id":       st.NodeID,
		"iteration":     strconv.Itoa(st.Iteration),
		"status":        string(st.Status),
		"attempt_count": strconv.Itoa(st.AttemptCount),
		"retries":       strconv.Itoa(st.Retries),
		"retry_delay":   strconv.FormatInt(int64(st.RetryDelay), 10),
		"branch_key":    st.BranchKey,
		"created_at":    formatTime(st.CreatedAt),
		"updated_at":    formatTime(st.UpdatedAt),
	}
	putBytes(m, "input", st.Input)
	putBytes(m, "result", st.Result)
	putTime(m, "scheduled_at", st.ScheduledAt)
	putTime(m, "running_at", st.RunningAt)
	putTime(m, "succeeded_at", st.SucceededAt)
	putTime(m, "failed_at", st.FailedAt)
	if err := putError(m, st.Error); err != nil {
		return nil, err
	}
	return m, nil
}

func mapToStep(m map[string]string) (*workflow.Step, error) {
	stepID, err := id.ParseStepID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: parse step id: %w", err)
	}
	runID, err := id.ParseRunID(m["run_id"])
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: parse step run id: %w", err)
	}
	delay, _ := strconv.ParseInt(m["retry_delay"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	st := &workflow.Step{
		Entity: orchestra.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:           stepID,
		RunID:        runID,
		Name:         m["name"],
		RPCName:      m["rpc_name"],
		NodeID:       m["node_id"],
		Iteration:    atoi(m["iteration"]),
		Input:        getBytes(m, "input"),
		Status:       workflow.StepStatus(m["status"]),
		Result:       getBytes(m, "result"),
		AttemptCount: atoi(m["attempt_count"]),
		Retries:      atoi(m["retries"]),
		RetryDelay:   time.Duration(delay),
		BranchKey:    m["branch_key"],
		ScheduledAt:  getTime(m, "scheduled_at"),
		RunningAt:    getTime(m, "running_at"),
		SucceededAt:  getTime(m, "succeeded_at"),
		FailedAt:     getTime(m, "failed_at"),
	}
	if st.Error, err = getError(m); err != nil {
		return nil, err
	}
	return st, nil
}

// ── tasks ──

func taskToMap(t *queue.Task) map[string]any {
	m := map[string]any{
		"id":            t.ID.String(),
		"kind":          string(t.Kind),
		"queue":         t.Queue,
		"run_id":        t.RunID.String(),
		"workflow_name": t.WorkflowName,
		"step_id":       t.StepID.String(),
		"step_name":     t.StepName,
		"rpc_name":      t.RPCName,
		"state":         string(t.State),
		"attempt":       strconv.Itoa(t.Attempt),
		"max_attempts":  strconv.Itoa(t.MaxAttempts),
		"last_error":    t.LastError,
		"worker_id":     t.WorkerID.String(),
		"run_at":        formatTime(t.RunAt),
		"created_at":    formatTime(t.CreatedAt),
		"updated_at":    formatTime(t.UpdatedAt),
	}
	putBytes(m, "payload", t.Payload)
	putTime(m, "started_at", t.StartedAt)
	putTime(m, "completed_at", t.CompletedAt)
	putTime(m, "heartbeat_at", t.HeartbeatAt)
	return m
}

func mapToTask(m map[string]string) (*queue.Task, error) {
	taskID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: parse task id: %w", err)
	}
	runID, err := parseOptionalID(m["run_id"])
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: parse task run id: %w", err)
	}
	stepID, err := parseOptionalID(m["step_id"])
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: parse task step id: %w", err)
	}
	workerID, err := parseOptionalID(m["worker_id"])
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: parse task worker id: %w", err)
	}

	return &queue.Task{
		Entity: orchestra.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:           taskID,
		Kind:         queue.Kind(m["kind"]),
		Queue:        m["queue"],
		RunID:        runID,
		WorkflowName: m["workflow_name"],
		StepID:       stepID,
		StepName:     m["step_name"],
		RPCName:      m["rpc_name"],
		Payload:      getBytes(m, "payload"),
		State:        queue.State(m["state"]),
		Attempt:      atoi(m["attempt"]),
		MaxAttempts:  atoi(m["max_attempts"]),
		LastError:    m["last_error"],
		WorkerID:     workerID,
		RunAt:        parseTime(m["run_at"]),
		StartedAt:    getTime(m, "started_at"),
		CompletedAt:  getTime(m, "completed_at"),
		HeartbeatAt:  getTime(m, "heartbeat_at"),
	}, nil
}

// taskScore orders pending tasks by RunAt in milliseconds.
func taskScore(runAt time.Time) float64 {
	return float64(runAt.UnixMilli())
}
