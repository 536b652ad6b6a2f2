package graph

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/xraph/orchestra"
)

// FindEntryNodes returns the nodes that no other node leads to through
// Next or OnError, sorted. A node that only points at itself is still an
// entry node.
func FindEntryNodes(def *Definition) []string {
	referenced := make(map[string]struct{})
	for nodeID, n := range def.Nodes {
		if n == nil {
			continue
		}
		for _, t := range n.Next.Targets() {
			if t != nodeID {
				referenced[t] = struct{}{}
			}
		}
		for _, t := range n.OnError.Targets() {
			if t != nodeID {
				referenced[t] = struct{}{}
			}
		}
	}

	var entries []string
	for _, nodeID := range def.NodeIDs() {
		if _, ok := referenced[nodeID]; !ok {
			entries = append(entries, nodeID)
		}
	}
	return entries
}

// Predecessors maps every node to the nodes whose Next can lead to it.
func Predecessors(def *Definition) map[string][]string {
	preds := make(map[string][]string, len(def.Nodes))
	for _, nodeID := range def.NodeIDs() {
		for _, t := range def.Nodes[nodeID].Next.Targets() {
			preds[t] = append(preds[t], nodeID)
		}
	}
	return preds
}

// Hash returns the content hash of a definition: a hex murmur3-128 digest
// of its canonical JSON form. encoding/json sorts map keys, so equal
// definitions hash equally regardless of construction order.
func Hash(def *Definition) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("graph: hash %s: %w", def.Name, err)
	}
	return HashBytes(data), nil
}

// HashBytes returns the hex murmur3-128 digest of data.
func HashBytes(data []byte) string {
	h := murmur3.New128()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks that a definition can be scheduled: it has a name and
// nodes, every node names a function, every edge and input reference
// points at an existing node, there is at least one entry node, and every
// cycle passes through a node with MaxIterations set.
func Validate(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", orchestra.ErrInvalidGraph)
	}
	var errs []error
	if def.Name == "" {
		errs = append(errs, errors.New("missing name"))
	}
	if len(def.Nodes) == 0 {
		errs = append(errs, errors.New("no nodes"))
	}

	for _, nodeID := range def.NodeIDs() {
		n := def.Nodes[nodeID]
		if n == nil {
			errs = append(errs, fmt.Errorf("node %q: empty", nodeID))
			continue
		}
		if n.RPCName == "" {
			errs = append(errs, fmt.Errorf("node %q: missing rpc", nodeID))
		}
		if n.MaxIterations < 0 {
			errs = append(errs, fmt.Errorf("node %q: negative maxIterations", nodeID))
		}
		if n.Retries != nil && *n.Retries < 0 {
			errs = append(errs, fmt.Errorf("node %q: negative retries", nodeID))
		}
		for _, t := range n.Next.Targets() {
			if _, ok := def.Nodes[t]; !ok {
				errs = append(errs, fmt.Errorf("node %q: next references unknown node %q", nodeID, t))
			}
		}
		for _, t := range n.OnError.Targets() {
			if _, ok := def.Nodes[t]; !ok {
				errs = append(errs, fmt.Errorf("node %q: onError references unknown node %q", nodeID, t))
			}
		}
		if n.Next.Kind == NextBranch && len(n.Next.Branches) == 0 {
			errs = append(errs, fmt.Errorf("node %q: branch next without cases", nodeID))
		}
		for _, ref := range References(n.Input) {
			if _, ok := def.Nodes[ref]; !ok {
				errs = append(errs, fmt.Errorf("node %q: input references unknown node %q", nodeID, ref))
			}
		}
	}

	if len(def.Nodes) > 0 && len(FindEntryNodes(def)) == 0 {
		errs = append(errs, errors.New("no entry node"))
	}
	if cycle := unguardedCycle(def); cycle != nil {
		errs = append(errs, fmt.Errorf("cycle %v has no node with maxIterations", cycle))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %w", orchestra.ErrInvalidGraph, def.Name, errors.Join(errs...))
	}
	return nil
}

// unguardedCycle returns one cycle made only of nodes without
// MaxIterations, or nil. Removing guarded nodes breaks every guarded
// cycle, so any cycle left over is unguarded.
func unguardedCycle(def *Definition) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(def.Nodes))
	var stack []string
	var found []string

	var visit func(nodeID string) bool
	visit = func(nodeID string) bool {
		color[nodeID] = grey
		stack = append(stack, nodeID)
		n := def.Nodes[nodeID]
		for _, t := range n.Next.Targets() {
			next, ok := def.Nodes[t]
			if !ok || next == nil || next.MaxIterations > 0 {
				continue
			}
			switch color[t] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == t {
						found = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(t) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[nodeID] = black
		return false
	}

	for _, nodeID := range def.NodeIDs() {
		n := def.Nodes[nodeID]
		if n == nil || n.MaxIterations > 0 || color[nodeID] != white {
			continue
		}
		if visit(nodeID) {
			return found
		}
	}
	return nil
}
