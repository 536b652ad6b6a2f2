package workflow

import (
	"encoding/json"
	"sort"
)

// NodeCompletion is one succeeded iteration of a graph node.
type NodeCompletion struct {
	NodeID    string `json:"node_id"`
	Iteration int    `json:"iteration"`
	StepName  string `json:"step_name"`
	BranchKey string `json:"branch_key,omitempty"`
}

// GraphState is the completion state of a graph run, derived from its
// step records on every read.
type GraphState struct {
	// CompletedNodeIDs lists nodes with at least one succeeded iteration.
	CompletedNodeIDs []string `json:"completed_node_ids"`
	// FailedNodeIDs lists nodes whose latest iteration failed with no
	// attempts left. A failed step that can still retry is not listed.
	FailedNodeIDs []string `json:"failed_node_ids"`
	// BranchKeys maps a node to the branch chosen by its latest succeeded
	// iteration.
	BranchKeys map[string]string `json:"branch_keys"`

	// InFlightNodeIDs lists nodes whose latest iteration may still finish.
	InFlightNodeIDs []string `json:"in_flight_node_ids"`
	// PendingNodeIDs lists in-flight nodes whose latest iteration was
	// inserted but never dispatched.
	PendingNodeIDs []string `json:"pending_node_ids"`
	// Completions lists every succeeded iteration in (node, iteration) order.
	Completions []NodeCompletion `json:"completions"`
	// Iterations maps a node to the number of iterations recorded for it.
	Iterations map[string]int `json:"iterations"`
}

// IsCompleted reports whether nodeID has a succeeded iteration.
func (g *GraphState) IsCompleted(nodeID string) bool {
	return contains(g.CompletedNodeIDs, nodeID)
}

// IsFailed reports whether nodeID failed terminally.
func (g *GraphState) IsFailed(nodeID string) bool {
	return contains(g.FailedNodeIDs, nodeID)
}

// BuildGraphState derives a GraphState from a run's steps. Steps that do
// not belong to a graph node are ignored.
func BuildGraphState(steps []*Step) *GraphState {
	latest := make(map[string]*Step)
	gs := &GraphState{
		CompletedNodeIDs: []string{},
		FailedNodeIDs:    []string{},
		InFlightNodeIDs:  []string{},
		PendingNodeIDs:   []string{},
		Completions:      []NodeCompletion{},
		BranchKeys:       make(map[string]string),
		Iterations:       make(map[string]int),
	}
	latestSucceeded := make(map[string]int)
	completed := make(map[string]struct{})

	for _, s := range steps {
		if s.NodeID == "" {
			continue
		}
		if cur, ok := latest[s.NodeID]; !ok || s.Iteration > cur.Iteration {
			latest[s.NodeID] = s
		}
		if s.Iteration > gs.Iterations[s.NodeID] {
			gs.Iterations[s.NodeID] = s.Iteration
		}
		if s.Status != StepSucceeded {
			continue
		}
		completed[s.NodeID] = struct{}{}
		gs.Completions = append(gs.Completions, NodeCompletion{
			NodeID:    s.NodeID,
			Iteration: s.Iteration,
			StepName:  s.Name,
			BranchKey: s.BranchKey,
		})
		if s.Iteration >= latestSucceeded[s.NodeID] {
			latestSucceeded[s.NodeID] = s.Iteration
			if s.BranchKey != "" {
				gs.BranchKeys[s.NodeID] = s.BranchKey
			} else {
				delete(gs.BranchKeys, s.NodeID)
			}
		}
	}

	for nodeID := range completed {
		gs.CompletedNodeIDs = append(gs.CompletedNodeIDs, nodeID)
	}
	for nodeID, s := range latest {
		switch {
		case s.Exhausted():
			gs.FailedNodeIDs = append(gs.FailedNodeIDs, nodeID)
		case s.InFlight():
			gs.InFlightNodeIDs = append(gs.InFlightNodeIDs, nodeID)
			if s.Status == StepPending {
				gs.PendingNodeIDs = append(gs.PendingNodeIDs, nodeID)
			}
		}
	}

	sort.Strings(gs.CompletedNodeIDs)
	sort.Strings(gs.FailedNodeIDs)
	sort.Strings(gs.InFlightNodeIDs)
	sort.Strings(gs.PendingNodeIDs)
	sort.Slice(gs.Completions, func(i, j int) bool {
		a, b := gs.Completions[i], gs.Completions[j]
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		return a.Iteration < b.Iteration
	})
	return gs
}

// LatestResults picks, for each requested node, the result of its latest
// succeeded iteration.
func LatestResults(steps []*Step, nodeIDs []string) map[string]json.RawMessage {
	want := make(map[string]struct{}, len(nodeIDs))
	for _, n := range nodeIDs {
		want[n] = struct{}{}
	}
	iter := make(map[string]int)
	out := make(map[string]json.RawMessage)
	for _, s := range steps {
		if s.Status != StepSucceeded {
			continue
		}
		if _, ok := want[s.NodeID]; !ok {
			continue
		}
		if s.Iteration >= iter[s.NodeID] {
			iter[s.NodeID] = s.Iteration
			out[s.NodeID] = json.RawMessage(s.Result)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	i := sort.SearchStrings(list, v)
	return i < len(list) && list[i] == v
}

// MergeRunState applies patch to state in place. A JSON null value
// removes its key.
func MergeRunState(state, patch map[string]json.RawMessage) {
	for k, v := range patch {
		if len(v) == 0 || string(v) == "null" {
			delete(state, k)
			continue
		}
		state[k] = append(json.RawMessage(nil), v...)
	}
}

// MissingNodes returns the nodeIDs that have no step in steps, preserving
// their order.
func MissingNodes(steps []*Step, nodeIDs []string) []string {
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.NodeID != "" {
			seen[s.NodeID] = struct{}{}
		}
	}
	out := make([]string, 0, len(nodeIDs))
	for _, n := range nodeIDs {
		if _, ok := seen[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}
