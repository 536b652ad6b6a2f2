// Package scheduler decides which graph nodes of a run become runnable,
// resolves their inputs from earlier results, persists their steps and
// hands them to a dispatcher. It never invokes a function itself.
//
// Every decision is derived from the step records in the store, so a
// pass can be repeated at any time: nodes that already have a step are
// never inserted twice.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/function"
	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/workflow"
)

// FunctionOptions looks up the options of a registered function.
// *function.Registry implements it.
type FunctionOptions interface {
	Options(name string) (function.Options, bool)
}

// Outcome reports what one pass decided.
type Outcome struct {
	// Scheduled lists the step names dispatched by this pass.
	Scheduled []string
	// Status is the run status after the pass.
	Status workflow.RunStatus
	// Output is set when the pass completed the run.
	Output json.RawMessage
	// Error is set when the pass failed the run.
	Error *workflow.ErrorInfo
}

// Scheduler computes and dispatches the next wave of graph nodes.
type Scheduler struct {
	store     workflow.Store
	functions FunctionOptions
	defaults  workflow.StepOptions
	logger    *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFunctions supplies per-function retry and queue defaults.
func WithFunctions(f FunctionOptions) Option {
	return func(s *Scheduler) { s.functions = f }
}

// WithStepDefaults sets the retry policy of nodes and functions that do
// not carry their own.
func WithStepDefaults(opts workflow.StepOptions) Option {
	return func(s *Scheduler) { s.defaults = opts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler over store.
func New(store workflow.Store, opts ...Option) *Scheduler {
	s := &Scheduler{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidate struct {
	nodeID    string
	iteration int
}

// ContinueGraph runs one scheduling pass over a graph run. It fails the
// run when a node failed terminally without onError routing, dispatches
// every newly runnable node, and completes the run once nothing is left
// to run. Callers hold the run lock.
func (s *Scheduler) ContinueGraph(ctx context.Context, run *workflow.Run, top *graph.Topology, d queue.Dispatcher) (*Outcome, error) {
	gs, err := s.store.GetCompletedGraphState(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: graph state of %s: %w", run.ID, err)
	}

	if failed := s.unhandledFailures(top, gs); len(failed) > 0 {
		info := &workflow.ErrorInfo{
			Message: fmt.Sprintf("graph node %s failed after exhausting retries", failed[0]),
			Code:    orchestra.CodeStepFailed,
		}
		if err := s.store.UpdateRunStatus(ctx, run.ID, workflow.RunFailed, nil, info); err != nil {
			return nil, fmt.Errorf("scheduler: fail run %s: %w", run.ID, err)
		}
		s.logger.Info("graph run failed",
			slog.String("run_id", run.ID.String()),
			slog.String("node", failed[0]),
		)
		return &Outcome{Status: workflow.RunFailed, Error: info}, nil
	}

	wants, leaves := s.successors(run, top, gs)
	cands, err := s.candidates(ctx, run, top, gs, wants)
	if err != nil {
		return nil, err
	}

	if len(cands) > 0 {
		scheduled, err := s.schedule(ctx, run, top, cands, nil, d)
		if err != nil {
			return nil, err
		}
		return &Outcome{Scheduled: scheduled, Status: workflow.RunRunning}, nil
	}
	if len(gs.InFlightNodeIDs) > 0 {
		if len(gs.PendingNodeIDs) == 0 {
			return &Outcome{Status: workflow.RunRunning}, nil
		}
		redone, err := s.redispatch(ctx, run, d)
		if err != nil {
			return nil, err
		}
		return &Outcome{Scheduled: redone, Status: workflow.RunRunning}, nil
	}

	results, err := s.store.GetNodeResults(ctx, run.ID, leaves)
	if err != nil {
		return nil, fmt.Errorf("scheduler: leaf results of %s: %w", run.ID, err)
	}
	output, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("scheduler: encode output of %s: %w", run.ID, err)
	}
	if err := s.store.UpdateRunStatus(ctx, run.ID, workflow.RunCompleted, output, nil); err != nil {
		return nil, fmt.Errorf("scheduler: complete run %s: %w", run.ID, err)
	}
	s.logger.Info("graph run completed",
		slog.String("run_id", run.ID.String()),
		slog.String("workflow", run.WorkflowName),
	)
	return &Outcome{Status: workflow.RunCompleted, Output: output}, nil
}

// unhandledFailures lists terminally failed nodes with no onError.
func (s *Scheduler) unhandledFailures(top *graph.Topology, gs *workflow.GraphState) []string {
	var out []string
	for _, nodeID := range gs.FailedNodeIDs {
		node, ok := top.Definition.Node(nodeID)
		if !ok || node.OnError.IsZero() {
			out = append(out, nodeID)
		}
	}
	return out
}

// successors counts, per node, how many times it is wanted: once if it
// is an entry node, plus once per succeeded iteration of a predecessor
// that selected it. Completed nodes that selected nothing are leaves.
func (s *Scheduler) successors(run *workflow.Run, top *graph.Topology, gs *workflow.GraphState) (map[string]int, []string) {
	wants := make(map[string]int)
	for _, nodeID := range top.Entry {
		wants[nodeID] = 1
	}

	leafSet := make(map[string]bool)
	for _, c := range gs.Completions {
		node, ok := top.Definition.Node(c.NodeID)
		if !ok {
			s.logger.Warn("completed step refers to unknown node",
				slog.String("run_id", run.ID.String()),
				slog.String("node", c.NodeID),
			)
			continue
		}
		if node.Next.Kind == graph.NextBranch && c.BranchKey == "" {
			s.logger.Debug("branch node completed without branch key",
				slog.String("run_id", run.ID.String()),
				slog.String("node", c.NodeID),
				slog.Int("iteration", c.Iteration),
			)
		}
		targets := node.Next.Resolve(c.BranchKey)
		if c.Iteration >= gs.Iterations[c.NodeID] {
			leafSet[c.NodeID] = len(targets) == 0
		}
		for _, t := range targets {
			wants[t]++
		}
	}

	var leaves []string
	for nodeID, leaf := range leafSet {
		if leaf {
			leaves = append(leaves, nodeID)
		}
	}
	sort.Strings(leaves)
	return wants, leaves
}

// candidates turns wanted counts into the (node, iteration) pairs that
// have no step yet.
func (s *Scheduler) candidates(ctx context.Context, run *workflow.Run, top *graph.Topology, gs *workflow.GraphState, wants map[string]int) ([]candidate, error) {
	nodeIDs := make([]string, 0, len(wants))
	for nodeID := range wants {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	var fresh []string
	for _, nodeID := range nodeIDs {
		if gs.Iterations[nodeID] == 0 {
			fresh = append(fresh, nodeID)
		}
	}
	unscheduled, err := s.store.GetNodesWithoutSteps(ctx, run.ID, fresh)
	if err != nil {
		return nil, fmt.Errorf("scheduler: unscheduled nodes of %s: %w", run.ID, err)
	}

	var out []candidate
	for _, nodeID := range unscheduled {
		out = append(out, candidate{nodeID: nodeID, iteration: 1})
	}

	for _, nodeID := range nodeIDs {
		have := gs.Iterations[nodeID]
		if have == 0 {
			continue
		}
		node, ok := top.Definition.Node(nodeID)
		if !ok || node.MaxIterations <= 1 {
			continue
		}
		want := wants[nodeID]
		if want > node.MaxIterations {
			if have >= node.MaxIterations {
				s.logger.Warn("loop guard reached",
					slog.String("run_id", run.ID.String()),
					slog.String("node", nodeID),
					slog.Int("max_iterations", node.MaxIterations),
				)
			}
			want = node.MaxIterations
		}
		for iter := have + 1; iter <= want; iter++ {
			out = append(out, candidate{nodeID: nodeID, iteration: iter})
		}
	}
	return out, nil
}

// ScheduleNode dispatches a single node with an explicit input, bypassing
// reference resolution. It is how onError handlers receive the failure.
// A node that already has a first-iteration step is left alone.
func (s *Scheduler) ScheduleNode(ctx context.Context, run *workflow.Run, top *graph.Topology, nodeID string, input json.RawMessage, d queue.Dispatcher) (bool, error) {
	scheduled, err := s.schedule(ctx, run, top, []candidate{{nodeID: nodeID, iteration: 1}}, map[string]json.RawMessage{nodeID: input}, d)
	if err != nil {
		return false, err
	}
	return len(scheduled) > 0, nil
}

func (s *Scheduler) schedule(ctx context.Context, run *workflow.Run, top *graph.Topology, cands []candidate, inputs map[string]json.RawMessage, d queue.Dispatcher) ([]string, error) {
	var refs []string
	seen := make(map[string]struct{})
	for _, c := range cands {
		if _, ok := inputs[c.nodeID]; ok {
			continue
		}
		node, ok := top.Definition.Node(c.nodeID)
		if !ok {
			continue
		}
		for _, ref := range graph.References(node.Input) {
			if _, dup := seen[ref]; !dup {
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
	}

	results := map[string]json.RawMessage{}
	if len(refs) > 0 {
		var err error
		results, err = s.store.GetNodeResults(ctx, run.ID, refs)
		if err != nil {
			return nil, fmt.Errorf("scheduler: referenced results of %s: %w", run.ID, err)
		}
	}

	var scheduled []string
	for _, c := range cands {
		node, ok := top.Definition.Node(c.nodeID)
		if !ok {
			return scheduled, fmt.Errorf("%w: %s: unknown node %q", orchestra.ErrInvalidGraph, top.Definition.Name, c.nodeID)
		}

		input, ok := inputs[c.nodeID]
		if !ok {
			var err error
			input, err = graph.ResolveInput(node.Input, results)
			if err != nil {
				return scheduled, err
			}
		}

		name := graph.StepName(c.nodeID, c.iteration)
		step, err := s.store.InsertStep(ctx, run.ID, name, node.RPCName, input, s.stepOptions(node))
		if err != nil {
			return scheduled, fmt.Errorf("scheduler: insert %s: %w", name, err)
		}
		if step.Status != workflow.StepPending || step.AttemptCount > 1 {
			continue
		}

		task := queue.NewTask(queue.KindGraphNode, run.ID, run.WorkflowName).ForStep(step.ID, name, node.RPCName)
		task.Queue = s.queueFor(node.RPCName)
		if err := d.Enqueue(ctx, task); err != nil {
			return scheduled, err
		}
		if err := s.store.SetStepScheduled(ctx, step.ID); err != nil {
			return scheduled, fmt.Errorf("scheduler: mark %s scheduled: %w", name, err)
		}
		s.logger.Debug("graph node scheduled",
			slog.String("run_id", run.ID.String()),
			slog.String("step", name),
			slog.String("rpc", node.RPCName),
		)
		scheduled = append(scheduled, name)
	}
	return scheduled, nil
}

// redispatch enqueues graph steps left pending by a pass that stopped
// between inserting and dispatching them.
func (s *Scheduler) redispatch(ctx context.Context, run *workflow.Run, d queue.Dispatcher) ([]string, error) {
	steps, err := s.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: steps of %s: %w", run.ID, err)
	}
	var out []string
	for _, step := range steps {
		if step.NodeID == "" || step.Status != workflow.StepPending {
			continue
		}
		task := queue.NewTask(queue.KindGraphNode, run.ID, run.WorkflowName).ForStep(step.ID, step.Name, step.RPCName)
		task.Queue = s.queueFor(step.RPCName)
		if err := d.Enqueue(ctx, task); err != nil {
			return out, err
		}
		if err := s.store.SetStepScheduled(ctx, step.ID); err != nil {
			return out, fmt.Errorf("scheduler: mark %s scheduled: %w", step.Name, err)
		}
		s.logger.Warn("redispatched stranded graph step",
			slog.String("run_id", run.ID.String()),
			slog.String("step", step.Name),
		)
		out = append(out, step.Name)
	}
	return out, nil
}

// stepOptions picks the retry policy of a node: its own, then its
// function's, then the scheduler default.
func (s *Scheduler) stepOptions(node *graph.Node) workflow.StepOptions {
	opts := s.defaults
	if s.functions != nil {
		if fo, ok := s.functions.Options(node.RPCName); ok && (fo.Retries > 0 || fo.RetryDelay > 0) {
			opts = workflow.StepOptions{Retries: fo.Retries, RetryDelay: fo.RetryDelay}
		}
	}
	if node.Retries != nil {
		opts.Retries = *node.Retries
	}
	if node.RetryDelay > 0 {
		opts.RetryDelay = time.Duration(node.RetryDelay)
	}
	return opts
}

func (s *Scheduler) queueFor(rpcName string) string {
	if s.functions != nil {
		if fo, ok := s.functions.Options(rpcName); ok && fo.Queue != "" {
			return fo.Queue
		}
	}
	return queue.DefaultQueue
}
