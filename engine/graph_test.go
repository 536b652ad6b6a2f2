package engine_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/engine"
	"github.com/xraph/orchestra/function"
	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/store/memory"
	"github.com/xraph/orchestra/workflow"
)

type xIn struct {
	X int `json:"x"`
}

type yOut struct {
	Y int `json:"y"`
}

// registerLinear registers the graph A → B → C where B reads A's "x".
func registerLinear(t *testing.T, eng *engine.Engine) {
	t.Helper()
	mustRegister(t, eng, function.NewDefinition("fa", func(context.Context, struct{}) (xIn, error) {
		return xIn{X: 21}, nil
	}))
	mustRegister(t, eng, function.NewDefinition("fb", func(_ context.Context, in xIn) (yOut, error) {
		return yOut{Y: in.X * 2}, nil
	}))
	mustRegister(t, eng, function.NewDefinition("fc", func(context.Context, struct{}) (string, error) {
		return "done", nil
	}))
	def := &graph.Definition{
		Name: "linear",
		Nodes: map[string]*graph.Node{
			"A": {RPCName: "fa", Next: graph.To("B")},
			"B": {RPCName: "fb", Input: map[string]graph.Input{"x": graph.RefTo("A", "x")}, Next: graph.To("C")},
			"C": {RPCName: "fc"},
		},
	}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}
}

func TestGraph_LinearInline(t *testing.T) {
	eng, s := newEngine(t)
	registerLinear(t, eng)
	ctx := context.Background()

	run, err := eng.StartWorkflow(ctx, "linear", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunCompleted {
		t.Fatalf("status = %s, want completed (error %+v)", run.Status, run.Error)
	}
	if string(run.Output) != `{"C":"done"}` {
		t.Errorf("output = %s, want {\"C\":\"done\"}", run.Output)
	}

	b, _ := s.GetStep(ctx, run.ID, graph.StepName("B", 1))
	if string(b.Input) != `{"x":21}` {
		t.Errorf("B input = %s, want {\"x\":21}", b.Input)
	}
	if string(b.Result) != `{"y":42}` {
		t.Errorf("B result = %s, want {\"y\":42}", b.Result)
	}
}

func TestGraph_SingleNodeCompletes(t *testing.T) {
	eng, _ := newEngine(t)
	mustRegister(t, eng, function.NewDefinition("only", func(context.Context, struct{}) (int, error) {
		return 7, nil
	}))
	def := &graph.Definition{Name: "single", Nodes: map[string]*graph.Node{"A": {RPCName: "only"}}}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	run, err := eng.StartWorkflow(context.Background(), "single", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunCompleted || string(run.Output) != `{"A":7}` {
		t.Fatalf("got %s %s, want completed {\"A\":7}", run.Status, run.Output)
	}
}

func TestGraph_FanoutRunsBothBranches(t *testing.T) {
	eng, _ := newEngine(t)
	var calls atomic.Int32
	count := func(v string) func(context.Context, struct{}) (string, error) {
		return func(context.Context, struct{}) (string, error) {
			calls.Add(1)
			return v, nil
		}
	}
	mustRegister(t, eng, function.NewDefinition("start", count("s")))
	mustRegister(t, eng, function.NewDefinition("left", count("l")))
	mustRegister(t, eng, function.NewDefinition("right", count("r")))
	def := &graph.Definition{Name: "fan", Nodes: map[string]*graph.Node{
		"S": {RPCName: "start", Next: graph.Fanout("L", "R")},
		"L": {RPCName: "left"},
		"R": {RPCName: "right"},
	}}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	run, err := eng.StartWorkflow(context.Background(), "fan", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunCompleted || string(run.Output) != `{"L":"l","R":"r"}` {
		t.Fatalf("got %s %s", run.Status, run.Output)
	}
	if calls.Load() != 3 {
		t.Errorf("functions ran %d times, want 3", calls.Load())
	}
}

func TestGraph_BranchIsExclusive(t *testing.T) {
	eng, s := newEngine(t)
	mustRegister(t, eng, function.NewDefinition("check", func(ctx context.Context, _ struct{}) (int, error) {
		return 5, graph.SelectBranch(ctx, "small")
	}))
	mustRegister(t, eng, function.NewDefinition("big", func(context.Context, struct{}) (string, error) {
		return "big", nil
	}))
	mustRegister(t, eng, function.NewDefinition("small", func(context.Context, struct{}) (string, error) {
		return "small", nil
	}))
	def := &graph.Definition{Name: "route", Nodes: map[string]*graph.Node{
		"check": {RPCName: "check", Next: graph.Branch(map[string][]string{"big": {"big"}, "small": {"small"}})},
		"big":   {RPCName: "big"},
		"small": {RPCName: "small"},
	}}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	ctx := context.Background()
	run, err := eng.StartWorkflow(ctx, "route", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunCompleted || string(run.Output) != `{"small":"small"}` {
		t.Fatalf("got %s %s", run.Status, run.Output)
	}

	check, _ := s.GetStep(ctx, run.ID, graph.StepName("check", 1))
	if check.BranchKey != "small" {
		t.Errorf("branch key = %q, want small", check.BranchKey)
	}
	big, _ := s.GetStep(ctx, run.ID, graph.StepName("big", 1))
	if big.Exists() {
		t.Error("untaken branch got a step")
	}
}

func TestGraph_BranchWithoutKeyCompletesAsLeaf(t *testing.T) {
	eng, _ := newEngine(t)
	mustRegister(t, eng, function.NewDefinition("check", func(context.Context, struct{}) (int, error) {
		return 1, nil
	}))
	mustRegister(t, eng, function.NewDefinition("next", func(context.Context, struct{}) (int, error) {
		return 2, nil
	}))
	def := &graph.Definition{Name: "nokey", Nodes: map[string]*graph.Node{
		"check": {RPCName: "check", Next: graph.Branch(map[string][]string{"go": {"next"}})},
		"next":  {RPCName: "next"},
	}}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	run, err := eng.StartWorkflow(context.Background(), "nokey", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunCompleted || string(run.Output) != `{"check":1}` {
		t.Fatalf("got %s %s", run.Status, run.Output)
	}
}

// ──────────────────────────────────────────────────
// Retries and failures
// ──────────────────────────────────────────────────

func TestGraph_RetriesUntilSuccess(t *testing.T) {
	tracker := &lifecycleTracker{}
	eng, s := newEngine(t, engine.WithExtension(tracker))
	var calls atomic.Int32
	mustRegister(t, eng, function.NewDefinition("flaky", func(context.Context, struct{}) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("temporarily unavailable")
		}
		return "ok", nil
	}, function.WithRetries(2, time.Millisecond)))
	def := &graph.Definition{Name: "retry", Nodes: map[string]*graph.Node{"A": {RPCName: "flaky"}}}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	ctx := context.Background()
	run, err := eng.StartWorkflow(ctx, "retry", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunCompleted {
		t.Fatalf("status = %s, want completed (error %+v)", run.Status, run.Error)
	}

	step, _ := s.GetStep(ctx, run.ID, graph.StepName("A", 1))
	if step.AttemptCount != 3 || step.Status != workflow.StepSucceeded {
		t.Errorf("step attempt %d status %s, want 3 succeeded", step.AttemptCount, step.Status)
	}
	if got := tracker.stepRetrying.Load(); got != 2 {
		t.Errorf("OnStepRetrying fired %d times, want 2", got)
	}
}

func TestGraph_ExhaustedStepFailsRun(t *testing.T) {
	tracker := &lifecycleTracker{}
	eng, s := newEngine(t, engine.WithExtension(tracker))
	var calls atomic.Int32
	mustRegister(t, eng, function.NewDefinition("broken", func(context.Context, struct{}) (string, error) {
		calls.Add(1)
		return "", errors.New("boom")
	}, function.WithRetries(1, time.Millisecond)))
	mustRegister(t, eng, function.NewDefinition("after", func(context.Context, struct{}) (string, error) {
		return "unreachable", nil
	}))
	def := &graph.Definition{Name: "exhaust", Nodes: map[string]*graph.Node{
		"A": {RPCName: "broken", Next: graph.To("B")},
		"B": {RPCName: "after"},
	}}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	ctx := context.Background()
	run, err := eng.StartWorkflow(ctx, "exhaust", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunFailed || run.Error == nil || run.Error.Code != orchestra.CodeStepFailed {
		t.Fatalf("expected STEP_FAILED, got %s %+v", run.Status, run.Error)
	}
	if calls.Load() != 2 {
		t.Errorf("function ran %d times, want 2", calls.Load())
	}
	step, _ := s.GetStep(ctx, run.ID, graph.StepName("A", 1))
	if step.AttemptCount != 2 || step.Error == nil || step.Error.Message != "boom" {
		t.Errorf("unexpected step %+v", step)
	}
	if next, _ := s.GetStep(ctx, run.ID, graph.StepName("B", 1)); next.Exists() {
		t.Error("successor of a failed node was scheduled")
	}
	if tracker.stepFailed.Load() != 1 || tracker.runFailed.Load() != 1 {
		t.Errorf("step failed hooks %d, run failed hooks %d, want 1 and 1",
			tracker.stepFailed.Load(), tracker.runFailed.Load())
	}
}

func TestGraph_PermanentErrorSkipsRetries(t *testing.T) {
	eng, s := newEngine(t)
	var calls atomic.Int32
	mustRegister(t, eng, function.NewDefinition("reject", func(context.Context, struct{}) (string, error) {
		calls.Add(1)
		return "", function.Permanent(errors.New("card declined"))
	}, function.WithRetries(5, time.Millisecond)))
	def := &graph.Definition{Name: "perm", Nodes: map[string]*graph.Node{"A": {RPCName: "reject"}}}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	ctx := context.Background()
	run, err := eng.StartWorkflow(ctx, "perm", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("function ran %d times, want 1", calls.Load())
	}
	step, _ := s.GetStep(ctx, run.ID, graph.StepName("A", 1))
	if step.Error == nil || !step.Error.Permanent {
		t.Errorf("expected a permanent step error, got %+v", step.Error)
	}
}

func TestGraph_OnErrorRoutesFailure(t *testing.T) {
	eng, _ := newEngine(t)
	var (
		mu       sync.Mutex
		received string
	)
	type failure struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	mustRegister(t, eng, function.NewDefinition("charge", func(context.Context, struct{}) (string, error) {
		return "", errors.New("insufficient funds")
	}))
	mustRegister(t, eng, function.NewDefinition("refund", func(_ context.Context, in failure) (string, error) {
		mu.Lock()
		received = in.Error.Message
		mu.Unlock()
		return "refunded", nil
	}))
	def := &graph.Definition{Name: "pay", Nodes: map[string]*graph.Node{
		"charge": {RPCName: "charge", OnError: graph.To("refund")},
		"refund": {RPCName: "refund"},
	}}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	run, err := eng.StartWorkflow(context.Background(), "pay", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunCompleted || string(run.Output) != `{"refund":"refunded"}` {
		t.Fatalf("got %s %s (error %+v)", run.Status, run.Output, run.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if received != "insufficient funds" {
		t.Errorf("handler received %q", received)
	}
}

// ──────────────────────────────────────────────────
// Versioning
// ──────────────────────────────────────────────────

func TestGraph_RunResumesOnStartingVersion(t *testing.T) {
	eng, s := newEngine(t)
	for _, name := range []string{"fa", "fb", "fc"} {
		v := name
		mustRegister(t, eng, function.NewDefinition(name, func(context.Context, struct{}) (string, error) {
			return v, nil
		}))
	}
	v1 := &graph.Definition{Name: "evolve", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa", Next: graph.To("B")},
		"B": {RPCName: "fb"},
	}}
	top1, err := eng.RegisterGraph(v1, "")
	if err != nil {
		t.Fatalf("RegisterGraph v1: %v", err)
	}

	ctx := context.Background()
	run, err := eng.StartWorkflow(ctx, "evolve", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.GraphHash != top1.Hash {
		t.Fatalf("run hash = %s, want %s", run.GraphHash, top1.Hash)
	}

	// Deploy a changed graph while the run is in flight.
	v2 := &graph.Definition{Name: "evolve", Nodes: map[string]*graph.Node{
		"A": {RPCName: "fa", Next: graph.To("C")},
		"C": {RPCName: "fc"},
	}}
	top2, err := eng.RegisterGraph(v2, "")
	if err != nil {
		t.Fatalf("RegisterGraph v2: %v", err)
	}
	if top2.Hash == top1.Hash {
		t.Fatal("changed graph kept its hash")
	}

	if err := eng.OrchestrateWorkflow(ctx, run.ID); err != nil {
		t.Fatalf("OrchestrateWorkflow: %v", err)
	}
	if err := eng.ExecuteGraphStep(ctx, run.ID, graph.StepName("A", 1)); err != nil {
		t.Fatalf("ExecuteGraphStep A: %v", err)
	}
	if err := eng.ExecuteGraphStep(ctx, run.ID, graph.StepName("B", 1)); err != nil {
		t.Fatalf("ExecuteGraphStep B: %v", err)
	}

	got, _ := eng.GetRun(ctx, run.ID)
	if got.Status != workflow.RunCompleted || string(got.Output) != `{"B":"fb"}` {
		t.Fatalf("got %s %s, want completed on v1", got.Status, got.Output)
	}
	if c, _ := s.GetStep(ctx, run.ID, graph.StepName("C", 1)); c.Exists() {
		t.Error("run followed the new graph")
	}

	fresh, err := eng.StartWorkflow(ctx, "evolve", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if fresh.GraphHash != top2.Hash || string(fresh.Output) != `{"C":"fc"}` {
		t.Errorf("new run used %s with output %s", fresh.GraphHash, fresh.Output)
	}
}

func TestGraph_VersionNotFoundFailsRun(t *testing.T) {
	eng, s := newEngine(t)
	registerLinear(t, eng)
	ctx := context.Background()

	run := workflow.NewRun("linear", workflow.KindGraph, "0000000000000000", nil, false)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := eng.OrchestrateWorkflow(ctx, run.ID); err != nil {
		t.Fatalf("OrchestrateWorkflow: %v", err)
	}
	got, _ := eng.GetRun(ctx, run.ID)
	if got.Status != workflow.RunFailed || got.Error == nil || got.Error.Code != orchestra.CodeVersionNotFound {
		t.Fatalf("expected VERSION_NOT_FOUND, got %s %+v", got.Status, got.Error)
	}
}

func TestExecuteGraphStep_UnknownStep(t *testing.T) {
	eng, _ := newEngine(t)
	registerLinear(t, eng)
	ctx := context.Background()

	run, err := eng.StartWorkflow(ctx, "linear", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	err = eng.ExecuteGraphStep(ctx, run.ID, graph.StepName("Z", 1))
	if !errors.Is(err, orchestra.ErrStepNotFound) {
		t.Fatalf("expected ErrStepNotFound, got %v", err)
	}
}

func TestGraph_ConcurrentPassesScheduleOnce(t *testing.T) {
	tracker := &lifecycleTracker{}
	eng, s := newEngine(t, engine.WithExtension(tracker))
	leaves := []string{"L1", "L2", "L3", "L4"}
	mustRegister(t, eng, function.NewDefinition("start", func(context.Context, struct{}) (int, error) {
		return 1, nil
	}))
	mustRegister(t, eng, function.NewDefinition("leaf", func(context.Context, struct{}) (int, error) {
		return 2, nil
	}))
	nodes := map[string]*graph.Node{"S": {RPCName: "start", Next: graph.Fanout(leaves...)}}
	for _, n := range leaves {
		nodes[n] = &graph.Node{RPCName: "leaf"}
	}
	if _, err := eng.RegisterGraph(&graph.Definition{Name: "wide", Nodes: nodes}, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	ctx := context.Background()
	run, err := eng.StartWorkflow(ctx, "wide", nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	const passes = 16
	orchestrateConcurrently := func() {
		t.Helper()
		var wg sync.WaitGroup
		errs := make(chan error, passes)
		for range passes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- eng.OrchestrateWorkflow(ctx, run.ID)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("OrchestrateWorkflow: %v", err)
			}
		}
	}

	orchestrateConcurrently()
	if err := eng.ExecuteGraphStep(ctx, run.ID, graph.StepName("S", 1)); err != nil {
		t.Fatalf("ExecuteGraphStep(S): %v", err)
	}
	orchestrateConcurrently()

	steps, err := s.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	perNode := make(map[string]int)
	for _, st := range steps {
		perNode[st.NodeID]++
	}
	if len(perNode) != 5 {
		t.Fatalf("steps per node = %v, want one for each of 5 nodes", perNode)
	}
	for node, n := range perNode {
		if n != 1 {
			t.Errorf("node %s has %d steps, want 1", node, n)
		}
	}
	// One orchestrate task from StartWorkflow plus one task per node.
	if got := tracker.taskEnqueued.Load(); got != 6 {
		t.Errorf("OnTaskEnqueued fired %d times, want 6", got)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(leaves)+passes)
	for _, n := range leaves {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- eng.ExecuteGraphStep(ctx, run.ID, graph.StepName(n, 1))
		}()
	}
	for range passes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- eng.OrchestrateWorkflow(ctx, run.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent execution: %v", err)
		}
	}

	done, err := eng.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if done.Status != workflow.RunCompleted {
		t.Fatalf("status = %s, want completed (error %+v)", done.Status, done.Error)
	}
	if got := tracker.runCompleted.Load(); got != 1 {
		t.Errorf("OnRunCompleted fired %d times, want 1", got)
	}
}

func TestGraph_MissingBranchKeyWarnsOnce(t *testing.T) {
	var logs bytes.Buffer
	o, err := orchestra.New(
		orchestra.WithStore(memory.New()),
		orchestra.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		orchestra.WithStepRetries(0, 0),
	)
	if err != nil {
		t.Fatalf("orchestra.New: %v", err)
	}
	eng, err := engine.Build(o, engine.WithBackoff(backoff.NewConstant(time.Millisecond)))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	noop := func(context.Context, struct{}) (int, error) { return 1, nil }
	mustRegister(t, eng, function.NewDefinition("start", noop))
	mustRegister(t, eng, function.NewDefinition("undecided", noop))
	mustRegister(t, eng, function.NewDefinition("other", noop))
	def := &graph.Definition{Name: "undecided", Nodes: map[string]*graph.Node{
		"S": {RPCName: "start", Next: graph.Fanout("B", "W")},
		"B": {RPCName: "undecided", Next: graph.Branch(map[string][]string{"x": {"X"}})},
		"W": {RPCName: "other"},
		"X": {RPCName: "other"},
	}}
	if _, err := eng.RegisterGraph(def, ""); err != nil {
		t.Fatalf("RegisterGraph: %v", err)
	}

	run, err := eng.StartWorkflow(context.Background(), "undecided", nil, engine.Inline())
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunCompleted {
		t.Fatalf("status = %s, want completed (error %+v)", run.Status, run.Error)
	}
	if err := eng.OrchestrateWorkflow(context.Background(), run.ID); err != nil {
		t.Fatalf("OrchestrateWorkflow: %v", err)
	}
	if n := strings.Count(logs.String(), "branch node completed without branch key"); n != 1 {
		t.Errorf("warning logged %d times, want 1:\n%s", n, logs.String())
	}
}
