package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// NextKind tags the shape of a Next value.
type NextKind uint8

const (
	// NextNone means the node has no successors.
	NextNone NextKind = iota
	// NextSingle hands off to exactly one node.
	NextSingle
	// NextMulti fans out to several nodes that run in parallel.
	NextMulti
	// NextBranch picks the nodes listed under the branch key recorded by
	// the executing step.
	NextBranch
)

// String returns the kind name.
func (k NextKind) String() string {
	switch k {
	case NextSingle:
		return "single"
	case NextMulti:
		return "multi"
	case NextBranch:
		return "branch"
	default:
		return "none"
	}
}

// Next describes the successors of a node, or the error handlers when used
// as Node.OnError.
type Next struct {
	Kind     NextKind
	Nodes    []string
	Branches map[string][]string
}

// To returns a Next with a single successor.
func To(nodeID string) Next {
	return Next{Kind: NextSingle, Nodes: []string{nodeID}}
}

// Fanout returns a Next that starts every listed node in parallel.
func Fanout(nodeIDs ...string) Next {
	return Next{Kind: NextMulti, Nodes: append([]string(nil), nodeIDs...)}
}

// Branch returns a Next resolved at runtime by branch key.
func Branch(cases map[string][]string) Next {
	c := make(map[string][]string, len(cases))
	for k, v := range cases {
		c[k] = append([]string(nil), v...)
	}
	return Next{Kind: NextBranch, Branches: c}
}

// IsZero reports whether n has no successors at all.
func (n Next) IsZero() bool {
	return n.Kind == NextNone
}

// Resolve returns the successors selected by branchKey. Single and multi
// edges ignore the key. A branch edge with an empty or unknown key
// resolves to nothing.
func (n Next) Resolve(branchKey string) []string {
	switch n.Kind {
	case NextSingle, NextMulti:
		return append([]string(nil), n.Nodes...)
	case NextBranch:
		if branchKey == "" {
			return nil
		}
		return append([]string(nil), n.Branches[branchKey]...)
	default:
		return nil
	}
}

// Targets returns every node n can lead to, across all branches, sorted
// and de-duplicated.
func (n Next) Targets() []string {
	seen := make(map[string]struct{})
	for _, id := range n.Nodes {
		seen[id] = struct{}{}
	}
	for _, ids := range n.Branches {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// MarshalJSON renders the compact authoring form: null, "id", ["a","b"]
// or {"key": "id" | ["a","b"]}.
func (n Next) MarshalJSON() ([]byte, error) {
	v, err := n.plain()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// UnmarshalJSON accepts every form MarshalJSON produces.
func (n *Next) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = Next{}
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("graph: decode next: %w", err)
	}
	return n.fromPlain(raw)
}

// MarshalYAML renders the same compact form as MarshalJSON.
func (n Next) MarshalYAML() (any, error) {
	return n.plain()
}

// UnmarshalYAML accepts a scalar, a sequence or a mapping.
func (n *Next) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("graph: decode next: %w", err)
	}
	if raw == nil {
		*n = Next{}
		return nil
	}
	return n.fromPlain(raw)
}

func (n Next) plain() (any, error) {
	switch n.Kind {
	case NextNone:
		return nil, nil
	case NextSingle:
		if len(n.Nodes) != 1 {
			return nil, fmt.Errorf("graph: single next with %d nodes", len(n.Nodes))
		}
		return n.Nodes[0], nil
	case NextMulti:
		return n.Nodes, nil
	case NextBranch:
		out := make(map[string]any, len(n.Branches))
		for k, ids := range n.Branches {
			if len(ids) == 1 {
				out[k] = ids[0]
			} else {
				out[k] = ids
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("graph: unknown next kind %d", n.Kind)
	}
}

func (n *Next) fromPlain(raw any) error {
	switch v := raw.(type) {
	case string:
		*n = To(v)
	case []any:
		ids, err := stringList(v)
		if err != nil {
			return err
		}
		*n = Fanout(ids...)
	case map[string]any:
		cases := make(map[string][]string, len(v))
		for k, target := range v {
			switch t := target.(type) {
			case string:
				cases[k] = []string{t}
			case []any:
				ids, err := stringList(t)
				if err != nil {
					return fmt.Errorf("graph: branch %q: %w", k, err)
				}
				cases[k] = ids
			default:
				return fmt.Errorf("graph: branch %q: expected node id or list, got %T", k, target)
			}
		}
		*n = Branch(cases)
	default:
		return fmt.Errorf("graph: next must be a node id, a list or a branch map, got %T", raw)
	}
	return nil
}

func stringList(v []any) ([]string, error) {
	out := make([]string, 0, len(v))
	for _, item := range v {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("graph: expected node id, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
