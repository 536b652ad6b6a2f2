// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/version"
	"github.com/xraph/orchestra/workflow"
)

// Backend is everything a full store implements.
type Backend interface {
	workflow.Store
	version.Store
	queue.Store
}

// Run exercises s against the shared store contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Backend) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s Backend)
	}{
		{"RunLifecycle", testRunLifecycle},
		{"ListRuns", testListRuns},
		{"RunState", testRunState},
		{"InsertStepIdempotent", testInsertStepIdempotent},
		{"StepTransitions", testStepTransitions},
		{"RetryAttempts", testRetryAttempts},
		{"GraphState", testGraphState},
		{"Versions", testVersions},
		{"Tasks", testTasks},
		{"RunLock", testRunLock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newRun(t *testing.T, s Backend, name string) *workflow.Run {
	t.Helper()
	run := workflow.NewRun(name, workflow.KindGraph, "h1", []byte(`{"n":1}`), false)
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return run
}

func testRunLifecycle(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newRun(t, s, "orders")

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != workflow.RunRunning || got.WorkflowName != "orders" || got.GraphHash != "h1" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if string(got.Input) != `{"n":1}` {
		t.Fatalf("expected input to round-trip, got %s", got.Input)
	}

	if err := s.UpdateRunStatus(ctx, run.ID, workflow.RunCompleted, []byte(`{"ok":true}`), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.Status != workflow.RunCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed run, got %+v", got)
	}
	assertJSON(t, got.Output, `{"ok":true}`)

	err = s.UpdateRunStatus(ctx, run.ID, workflow.RunFailed, nil, nil)
	if !errors.Is(err, orchestra.ErrRunTerminal) {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, orchestra.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func testListRuns(t *testing.T, s Backend) {
	ctx := context.Background()
	a := newRun(t, s, "a")
	time.Sleep(2 * time.Millisecond)
	newRun(t, s, "b")
	time.Sleep(2 * time.Millisecond)
	c := newRun(t, s, "a")

	runs, err := s.ListRuns(ctx, workflow.ListOpts{WorkflowName: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != c.ID || runs[1].ID != a.ID {
		t.Fatalf("expected runs of a newest first, got %d", len(runs))
	}

	runs, _ = s.ListRuns(ctx, workflow.ListOpts{Limit: 1, Offset: 1})
	if len(runs) != 1 {
		t.Fatalf("expected 1 run with limit, got %d", len(runs))
	}
}

func testRunState(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newRun(t, s, "state")

	state, err := s.GetRunState(ctx, run.ID)
	if err != nil || len(state) != 0 {
		t.Fatalf("expected empty state, got %v (%v)", state, err)
	}
	err = s.UpdateRunState(ctx, run.ID, map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`"x"`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = s.UpdateRunState(ctx, run.ID, map[string]json.RawMessage{
		"a": json.RawMessage(`null`),
		"c": json.RawMessage(`true`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ = s.GetRunState(ctx, run.ID)
	if _, ok := state["a"]; ok {
		t.Fatal("expected null to delete key a")
	}
	assertJSON(t, state["b"], `"x"`)
	assertJSON(t, state["c"], `true`)
}

func testInsertStepIdempotent(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newRun(t, s, "steps")

	first, err := s.InsertStep(ctx, run.ID, "node:A", "fnA", []byte(`{}`), workflow.StepOptions{Retries: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.NodeID != "A" || first.Iteration != 1 || first.AttemptCount != 1 || first.Retries != 2 {
		t.Fatalf("unexpected step: %+v", first)
	}
	second, err := s.InsertStep(ctx, run.ID, "node:A", "other", nil, workflow.StepOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID || second.RPCName != "fnA" {
		t.Fatalf("expected existing step back, got %+v", second)
	}

	ph, err := s.GetStep(ctx, run.ID, "node:missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ph.Exists() || ph.Status != workflow.StepPending {
		t.Fatalf("expected placeholder, got %+v", ph)
	}

	steps, _ := s.ListSteps(ctx, run.ID)
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
	if _, err := s.GetStepByID(ctx, id.NewStepID()); !errors.Is(err, orchestra.ErrStepNotFound) {
		t.Fatalf("expected ErrStepNotFound, got %v", err)
	}
}

func testStepTransitions(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newRun(t, s, "transitions")
	step, _ := s.InsertStep(ctx, run.ID, "charge", "charge", nil, workflow.StepOptions{})

	if err := s.SetStepScheduled(ctx, step.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetStepRunning(ctx, step.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetStepResult(ctx, step.ID, []byte(`{"id":7}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.GetStep(ctx, run.ID, "charge")
	if got.Status != workflow.StepSucceeded || got.SucceededAt == nil {
		t.Fatalf("expected succeeded step, got %+v", got)
	}
	assertJSON(t, got.Result, `{"id":7}`)

	if err := s.SetStepRunning(ctx, step.ID); !errors.Is(err, orchestra.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := s.SetStepRunning(ctx, id.NewStepID()); !errors.Is(err, orchestra.ErrStepNotFound) {
		t.Fatalf("expected ErrStepNotFound, got %v", err)
	}
}

func testRetryAttempts(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newRun(t, s, "retry")
	step, _ := s.InsertStep(ctx, run.ID, "flaky", "flaky", nil, workflow.StepOptions{Retries: 2, RetryDelay: time.Second})

	for attempt := 1; attempt <= 3; attempt++ {
		if err := s.SetStepRunning(ctx, step.ID); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", attempt, err)
		}
		if err := s.SetStepError(ctx, step.ID, &workflow.ErrorInfo{Message: "boom"}); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", attempt, err)
		}
		if attempt == 3 {
			break
		}
		next, err := s.CreateRetryAttempt(ctx, step.ID, workflow.StepPending)
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", attempt, err)
		}
		if next.AttemptCount != attempt+1 || next.Error != nil {
			t.Fatalf("attempt %d: unexpected retry state %+v", attempt, next)
		}
	}

	got, _ := s.GetStepByID(ctx, step.ID)
	if got.AttemptCount != 3 || !got.Exhausted() || got.RetryDelay != time.Second {
		t.Fatalf("expected exhausted step after 3 attempts, got %+v", got)
	}
	if got.Error == nil || got.Error.Message != "boom" {
		t.Fatalf("expected error to be kept, got %+v", got.Error)
	}
	if _, err := s.CreateRetryAttempt(ctx, step.ID, workflow.StepPending); !errors.Is(err, orchestra.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
}

func testGraphState(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newRun(t, s, "graph")

	a, _ := s.InsertStep(ctx, run.ID, graph.StepName("A", 1), "fa", nil, workflow.StepOptions{})
	_ = s.SetStepRunning(ctx, a.ID)
	_ = s.SetStepResult(ctx, a.ID, []byte(`1`))
	if err := s.SetBranchTaken(ctx, run.ID, graph.StepName("A", 1), "left"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a2, _ := s.InsertStep(ctx, run.ID, graph.StepName("A", 2), "fa", nil, workflow.StepOptions{})
	_ = s.SetStepRunning(ctx, a2.ID)
	_ = s.SetStepResult(ctx, a2.ID, []byte(`2`))

	b, _ := s.InsertStep(ctx, run.ID, graph.StepName("B", 1), "fb", nil, workflow.StepOptions{})
	_ = s.SetStepRunning(ctx, b.ID)
	_ = s.SetStepError(ctx, b.ID, &workflow.ErrorInfo{Message: "no"})

	_, _ = s.InsertStep(ctx, run.ID, graph.StepName("C", 1), "fc", nil, workflow.StepOptions{})

	p, _ := s.InsertStep(ctx, run.ID, graph.StepName("P", 1), "fp", []byte(`"in"`), workflow.StepOptions{Retries: 2})
	_ = s.SetStepRunning(ctx, p.ID)
	_ = s.SetStepError(ctx, p.ID, &workflow.ErrorInfo{Message: "bad input", Permanent: true})

	r, _ := s.InsertStep(ctx, run.ID, graph.StepName("R", 1), "fr", nil, workflow.StepOptions{Retries: 2})
	_ = s.SetStepRunning(ctx, r.ID)
	_ = s.SetStepError(ctx, r.ID, &workflow.ErrorInfo{Message: "flaky"})

	gs, err := s.GetCompletedGraphState(ctx, run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gs.IsCompleted("A") || !gs.IsFailed("B") || gs.IsCompleted("C") || !gs.IsFailed("P") || gs.IsFailed("R") {
		t.Fatalf("unexpected graph state: %+v", gs)
	}
	if _, ok := gs.BranchKeys["A"]; ok {
		t.Fatalf("latest iteration of A chose no branch, got %q", gs.BranchKeys["A"])
	}
	if gs.Iterations["A"] != 2 || len(gs.InFlightNodeIDs) != 2 || gs.InFlightNodeIDs[0] != "C" || gs.InFlightNodeIDs[1] != "R" {
		t.Fatalf("unexpected iterations or in-flight: %+v", gs)
	}

	missing, _ := s.GetNodesWithoutSteps(ctx, run.ID, []string{"D", "A", "E"})
	if len(missing) != 2 || missing[0] != "D" || missing[1] != "E" {
		t.Fatalf("expected [D E], got %v", missing)
	}

	results, _ := s.GetNodeResults(ctx, run.ID, []string{"A", "B"})
	if len(results) != 1 {
		t.Fatalf("expected only A to have a result, got %v", results)
	}
	assertJSON(t, results["A"], `2`)
}

func testVersions(t *testing.T, s Backend) {
	ctx := context.Background()
	v := &version.Version{
		Entity:       orchestra.NewEntity(),
		ID:           id.NewVersionID(),
		WorkflowName: "orders",
		GraphHash:    "h1",
		Definition:   json.RawMessage(`{"name":"orders","nodes":{}}`),
		Source:       "file:abc",
	}
	if err := s.UpsertWorkflowVersion(ctx, v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dup := *v
	dup.ID = id.NewVersionID()
	dup.Source = "other"
	if err := s.UpsertWorkflowVersion(ctx, &dup); err != nil {
		t.Fatalf("unexpected error on duplicate upsert: %v", err)
	}

	got, err := s.GetWorkflowVersion(ctx, "orders", "h1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Source != "file:abc" {
		t.Fatalf("expected first snapshot to win, got source %q", got.Source)
	}
	if _, err := s.GetWorkflowVersion(ctx, "orders", "h2"); !errors.Is(err, orchestra.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
	list, _ := s.ListWorkflowVersions(ctx, "orders")
	if len(list) != 1 {
		t.Fatalf("expected 1 version, got %d", len(list))
	}
}

func testTasks(t *testing.T, s Backend) {
	ctx := context.Background()
	d := queue.NewStoreDispatcher(s, 3)
	runID := id.NewRunID()

	now := queue.NewTask(queue.KindOrchestrate, runID, "wf")
	later := queue.NewTask(queue.KindWake, runID, "wf")
	other := queue.NewTask(queue.KindOrchestrate, runID, "wf")
	other.Queue = "other"
	if err := d.Enqueue(ctx, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Schedule(ctx, time.Hour, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Enqueue(ctx, other); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.EnqueueTask(ctx, now); !errors.Is(err, orchestra.ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}

	got, err := s.DequeueTasks(ctx, []string{queue.DefaultQueue}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != now.ID {
		t.Fatalf("expected only the due default task, got %d", len(got))
	}
	if got[0].State != queue.StateRunning || got[0].Attempt != 1 || got[0].MaxAttempts != 3 {
		t.Fatalf("unexpected dequeued task: %+v", got[0])
	}
	again, _ := s.DequeueTasks(ctx, []string{queue.DefaultQueue}, 10)
	if len(again) != 0 {
		t.Fatalf("expected claimed task not to be redelivered, got %d", len(again))
	}

	worker := id.NewWorkerID()
	if err := s.HeartbeatTask(ctx, now.ID, worker); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale, _ := s.ReapStaleTasks(ctx, time.Hour)
	if len(stale) != 0 {
		t.Fatalf("expected no stale tasks, got %d", len(stale))
	}
	time.Sleep(5 * time.Millisecond)
	stale, _ = s.ReapStaleTasks(ctx, time.Millisecond)
	if len(stale) != 1 || stale[0].ID != now.ID {
		t.Fatalf("expected the running task to be stale, got %d", len(stale))
	}

	task := got[0]
	task.State = queue.StateCompleted
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, _ := s.CountTasks(ctx, queue.CountOpts{State: queue.StatePending})
	if n != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", n)
	}
	n, _ = s.CountTasks(ctx, queue.CountOpts{Queue: "other"})
	if n != 1 {
		t.Fatalf("expected 1 task on other, got %d", n)
	}
	if _, err := s.GetTask(ctx, id.NewTaskID()); !errors.Is(err, orchestra.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	pending, err := s.ListTasks(ctx, queue.ListOpts{State: queue.StatePending})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks listed, got %d", len(pending))
	}
	for _, p := range pending {
		if p.ID != later.ID && p.ID != other.ID {
			t.Fatalf("unexpected pending task %s", p.ID)
		}
	}
	onOther, _ := s.ListTasks(ctx, queue.ListOpts{Queue: "other"})
	if len(onOther) != 1 || onOther[0].ID != other.ID {
		t.Fatalf("expected the task on other, got %d", len(onOther))
	}
	page, _ := s.ListTasks(ctx, queue.ListOpts{Limit: 2})
	if len(page) != 2 {
		t.Fatalf("expected a page of 2, got %d", len(page))
	}
	rest, _ := s.ListTasks(ctx, queue.ListOpts{Offset: 2})
	if len(rest) != 1 {
		t.Fatalf("expected 1 task after offset 2, got %d", len(rest))
	}
}

func testRunLock(t *testing.T, s Backend) {
	ctx := context.Background()
	runID := id.NewRunID()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithRunLock(ctx, runID, func(context.Context) error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Fatalf("expected exclusive run lock, peak holders %d", peak.Load())
	}

	want := errors.New("inner")
	if err := s.WithStepLock(ctx, runID, id.NewStepID(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
}

func assertJSON(t *testing.T, got []byte, want string) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("invalid JSON %q: %v", got, err)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("invalid JSON %q: %v", want, err)
	}
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if string(gb) != string(wb) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
