package scheduler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/scheduler"
	"github.com/xraph/orchestra/store/memory"
	"github.com/xraph/orchestra/workflow"
)

type fixture struct {
	store *memory.Store
	sched *scheduler.Scheduler
	buf   *queue.Buffer
	top   *graph.Topology
	run   *workflow.Run
	logs  *bytes.Buffer
}

func setup(t *testing.T, def *graph.Definition) *fixture {
	t.Helper()
	reg, err := graph.NewRegistry()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(reg.Close)
	top, err := reg.Compile(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := memory.New()
	run := workflow.NewRun(def.Name, workflow.KindGraph, top.Hash, []byte(`{}`), false)
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &fixture{
		store: s,
		sched: scheduler.New(s, scheduler.WithLogger(logger), scheduler.WithStepDefaults(workflow.StepOptions{Retries: 1})),
		buf:   queue.NewBuffer(),
		top:   top,
		run:   run,
		logs:  logs,
	}
}

func (f *fixture) pass(t *testing.T) *scheduler.Outcome {
	t.Helper()
	out, err := f.sched.ContinueGraph(context.Background(), f.run, f.top, f.buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return out
}

func (f *fixture) complete(t *testing.T, stepName, result, branch string) {
	t.Helper()
	ctx := context.Background()
	step, err := f.store.GetStep(ctx, f.run.ID, stepName)
	if err != nil || !step.Exists() {
		t.Fatalf("step %s not found (%v)", stepName, err)
	}
	if err := f.store.SetStepRunning(ctx, step.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if branch != "" {
		if err := f.store.SetBranchTaken(ctx, f.run.ID, stepName, branch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := f.store.SetStepResult(ctx, step.ID, []byte(result)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (f *fixture) fail(t *testing.T, stepName string) {
	t.Helper()
	ctx := context.Background()
	step, _ := f.store.GetStep(ctx, f.run.ID, stepName)
	_ = f.store.SetStepRunning(ctx, step.ID)
	if err := f.store.SetStepError(ctx, step.ID, &workflow.ErrorInfo{Message: "boom"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (f *fixture) stepNames(t *testing.T) []string {
	t.Helper()
	steps, err := f.store.ListSteps(context.Background(), f.run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestContinueGraph_EntryNodes(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa", Next: graph.To("B")},
		"B": {RPCName: "fb"},
		"C": {RPCName: "fc"},
	}})

	out := f.pass(t)
	if !equal(out.Scheduled, []string{"node:A", "node:C"}) {
		t.Fatalf("expected entry nodes A and C, got %v", out.Scheduled)
	}
	if out.Status != workflow.RunRunning {
		t.Fatalf("expected running, got %s", out.Status)
	}
	if f.buf.Len() != 2 {
		t.Fatalf("expected 2 dispatched tasks, got %d", f.buf.Len())
	}
	step, _ := f.store.GetStep(context.Background(), f.run.ID, "node:A")
	if step.Status != workflow.StepScheduled || step.Retries != 1 {
		t.Fatalf("unexpected step: %+v", step)
	}
	for _, task := range f.buf.TakeDue(time.Now().Add(time.Second)) {
		if task.Kind != queue.KindGraphNode || task.StepID.IsNil() {
			t.Fatalf("unexpected task: %+v", task)
		}
	}
}

func TestContinueGraph_Idempotent(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa", Next: graph.Fanout("B", "C")},
		"B": {RPCName: "fb"},
		"C": {RPCName: "fc"},
	}})

	f.pass(t)
	f.complete(t, "node:A", `{}`, "")
	first := f.pass(t)
	second := f.pass(t)

	if !equal(first.Scheduled, []string{"node:B", "node:C"}) {
		t.Fatalf("expected fan-out to B and C, got %v", first.Scheduled)
	}
	if len(second.Scheduled) != 0 {
		t.Fatalf("expected no duplicate scheduling, got %v", second.Scheduled)
	}
	if names := f.stepNames(t); len(names) != 3 {
		t.Fatalf("expected 3 steps, got %v", names)
	}
}

func TestContinueGraph_ResolvesReferences(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa", Next: graph.To("B")},
		"B": {RPCName: "fb", Input: map[string]graph.Input{
			"x":     graph.RefTo("A", "x"),
			"deep":  graph.RefTo("A", "items.1"),
			"gone":  graph.RefTo("A", "missing"),
			"limit": graph.Literal(5),
		}},
	}})

	f.pass(t)
	f.complete(t, "node:A", `{"x":1,"items":["a","b"]}`, "")
	f.pass(t)

	step, _ := f.store.GetStep(context.Background(), f.run.ID, "node:B")
	var got map[string]any
	if err := json.Unmarshal(step.Input, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["x"] != float64(1) || got["deep"] != "b" || got["gone"] != nil || got["limit"] != float64(5) {
		t.Fatalf("unexpected resolved input: %s", step.Input)
	}
}

func TestContinueGraph_BranchExclusivity(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa", Next: graph.Branch(map[string][]string{"true": {"B"}, "false": {"C"}})},
		"B": {RPCName: "fb"},
		"C": {RPCName: "fc"},
	}})

	f.pass(t)
	f.complete(t, "node:A", `true`, "true")
	for range 3 {
		f.pass(t)
	}

	if names := f.stepNames(t); !equal(names, []string{"node:A", "node:B"}) {
		t.Fatalf("expected only the true branch, got %v", names)
	}
}

func TestContinueGraph_BranchWithoutKeyIsLeaf(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa", Next: graph.Branch(map[string][]string{"yes": {"B"}})},
		"B": {RPCName: "fb"},
	}})

	f.pass(t)
	f.complete(t, "node:A", `1`, "")
	out := f.pass(t)

	if out.Status != workflow.RunCompleted {
		t.Fatalf("expected completed run, got %s", out.Status)
	}
	if !strings.Contains(f.logs.String(), "level=DEBUG msg=\"branch node completed without branch key\"") {
		t.Fatalf("expected debug record, logs: %s", f.logs.String())
	}
}

func TestContinueGraph_Completion(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa"},
	}})

	f.pass(t)
	f.complete(t, "node:A", `{"done":true}`, "")
	out := f.pass(t)

	if out.Status != workflow.RunCompleted {
		t.Fatalf("expected completed, got %s", out.Status)
	}
	run, _ := f.store.GetRun(context.Background(), f.run.ID)
	if run.Status != workflow.RunCompleted {
		t.Fatalf("expected persisted completed run, got %s", run.Status)
	}
	var output map[string]map[string]bool
	if err := json.Unmarshal(run.Output, &output); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !output["A"]["done"] {
		t.Fatalf("expected leaf output keyed by node, got %s", run.Output)
	}
}

func TestContinueGraph_WaitsForInFlight(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa"},
		"B": {RPCName: "fb"},
	}})

	f.pass(t)
	f.complete(t, "node:A", `1`, "")
	if out := f.pass(t); out.Status != workflow.RunRunning {
		t.Fatalf("expected running while B is in flight, got %s", out.Status)
	}
}

func TestContinueGraph_TerminalFailureFailsRun(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa", Retries: new(int), Next: graph.To("B")},
		"B": {RPCName: "fb"},
	}})

	f.pass(t)
	f.fail(t, "node:A")
	out := f.pass(t)

	if out.Status != workflow.RunFailed || out.Error == nil || out.Error.Code != orchestra.CodeStepFailed {
		t.Fatalf("expected STEP_FAILED, got %+v", out)
	}
	if names := f.stepNames(t); !equal(names, []string{"node:A"}) {
		t.Fatalf("expected B never scheduled, got %v", names)
	}
}

func TestContinueGraph_RetryableFailureIsNotTerminal(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa"},
	}})

	f.pass(t)
	f.fail(t, "node:A")
	if out := f.pass(t); out.Status != workflow.RunRunning {
		t.Fatalf("expected retryable failure to keep the run running, got %s", out.Status)
	}
}

func TestContinueGraph_Loop(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"S": {RPCName: "fs", Next: graph.To("L")},
		"L": {
			RPCName:       "fl",
			MaxIterations: 3,
			Input:         map[string]graph.Input{"prev": graph.RefTo("L", "n")},
			Next:          graph.Branch(map[string][]string{"again": {"L"}, "done": {"X"}}),
		},
		"X": {RPCName: "fx"},
	}})

	f.pass(t)
	f.complete(t, "node:S", `{}`, "")
	if out := f.pass(t); !equal(out.Scheduled, []string{"node:L"}) {
		t.Fatalf("expected first iteration, got %v", out.Scheduled)
	}
	f.complete(t, "node:L", `{"n":1}`, "again")
	if out := f.pass(t); !equal(out.Scheduled, []string{"node:L#2"}) {
		t.Fatalf("expected second iteration, got %v", out.Scheduled)
	}

	step, _ := f.store.GetStep(context.Background(), f.run.ID, "node:L#2")
	if string(step.Input) != `{"prev":1}` {
		t.Fatalf("expected loop input from previous iteration, got %s", step.Input)
	}

	f.complete(t, "node:L#2", `{"n":2}`, "done")
	if out := f.pass(t); !equal(out.Scheduled, []string{"node:X"}) {
		t.Fatalf("expected loop exit to X, got %v", out.Scheduled)
	}
}

func TestContinueGraph_LoopGuard(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"L": {RPCName: "fl", MaxIterations: 2, Next: graph.To("L")},
	}})

	f.pass(t)
	f.complete(t, "node:L", `1`, "")
	f.pass(t)
	f.complete(t, "node:L#2", `2`, "")
	out := f.pass(t)

	if len(out.Scheduled) != 0 {
		t.Fatalf("expected no third iteration, got %v", out.Scheduled)
	}
	if !strings.Contains(f.logs.String(), "loop guard reached") {
		t.Fatalf("expected loop guard warning, logs: %s", f.logs.String())
	}
}

func TestScheduleNode(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa", OnError: graph.To("H")},
		"H": {RPCName: "fh"},
	}})
	ctx := context.Background()

	ok, err := f.sched.ScheduleNode(ctx, f.run, f.top, "H", json.RawMessage(`{"error":{"message":"x"}}`), f.buf)
	if err != nil || !ok {
		t.Fatalf("expected handler scheduled, got %v (%v)", ok, err)
	}
	ok, _ = f.sched.ScheduleNode(ctx, f.run, f.top, "H", json.RawMessage(`{}`), f.buf)
	if ok {
		t.Fatal("expected second ScheduleNode to be a no-op")
	}
	step, _ := f.store.GetStep(ctx, f.run.ID, "node:H")
	if string(step.Input) != `{"error":{"message":"x"}}` {
		t.Fatalf("unexpected handler input %s", step.Input)
	}
}

func TestContinueGraph_RedispatchesStrandedSteps(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa"},
	}})
	if _, err := f.store.InsertStep(context.Background(), f.run.ID, "node:A", "fa", nil, workflow.StepOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := f.pass(t)
	if !equal(out.Scheduled, []string{"node:A"}) || f.buf.Len() != 1 {
		t.Fatalf("expected stranded step to be redispatched, got %v", out.Scheduled)
	}
}

func TestContinueGraph_InFlightStepIsNotRedispatched(t *testing.T) {
	f := setup(t, &graph.Definition{Name: "wf", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa"},
	}})
	ctx := context.Background()
	step, err := f.store.InsertStep(ctx, f.run.ID, "node:A", "fa", nil, workflow.StepOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.store.SetStepScheduled(ctx, step.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := f.pass(t)
	if len(out.Scheduled) != 0 || f.buf.Len() != 0 || out.Status != workflow.RunRunning {
		t.Fatalf("expected a waiting pass, got %+v with %d tasks", out, f.buf.Len())
	}
}
