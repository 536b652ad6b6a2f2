package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is a named graph workflow.
type Definition struct {
	Name  string           `json:"name" yaml:"name"`
	Nodes map[string]*Node `json:"nodes" yaml:"nodes"`
}

// Node is one step definition in a graph.
type Node struct {
	// ID is the node's key in Definition.Nodes. It is filled in by
	// Normalize and never serialized.
	ID string `json:"-" yaml:"-"`

	// RPCName names the function invoked for this node.
	RPCName string `json:"rpc" yaml:"rpc"`

	Input   map[string]Input `json:"input,omitempty" yaml:"input,omitempty"`
	Next    Next             `json:"next" yaml:"next,omitempty"`
	OnError Next             `json:"onError" yaml:"onError,omitempty"`

	// MaxIterations allows the node to be re-entered through a cycle up
	// to this many times in total. Zero means the node runs at most once.
	MaxIterations int `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`

	// Retries overrides the engine default retry budget when set.
	Retries    *int     `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelay Duration `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"`
}

// Normalize copies every map key into its node's ID field.
func (d *Definition) Normalize() {
	for nodeID, n := range d.Nodes {
		if n != nil {
			n.ID = nodeID
		}
	}
}

// Node returns the node with the given ID.
func (d *Definition) Node(nodeID string) (*Node, bool) {
	n, ok := d.Nodes[nodeID]
	return n, ok && n != nil
}

// NodeIDs returns every node ID in sorted order.
func (d *Definition) NodeIDs() []string {
	return sortedKeys(d.Nodes)
}

// Clone returns a deep copy through the JSON form.
func (d *Definition) Clone() (*Definition, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses the JSON form of a definition.
func Decode(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("graph: decode definition: %w", err)
	}
	def.Normalize()
	return &def, nil
}

// Duration is a time.Duration written as "1500ms" or "2s" in JSON and YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or integer milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("graph: duration must be a string or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if ms, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("graph: parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

const (
	stepPrefix   = "node:"
	iterationSep = "#"
)

// StepName returns the step name under which a node's iteration is
// recorded: "node:<id>" for the first iteration, "node:<id>#<n>" after.
func StepName(nodeID string, iteration int) string {
	if iteration <= 1 {
		return stepPrefix + nodeID
	}
	return stepPrefix + nodeID + iterationSep + strconv.Itoa(iteration)
}

// ParseStepName extracts the node ID and iteration from a step name made
// by StepName. ok is false for steps that do not belong to a graph node.
func ParseStepName(stepName string) (nodeID string, iteration int, ok bool) {
	rest, found := strings.CutPrefix(stepName, stepPrefix)
	if !found || rest == "" {
		return "", 0, false
	}
	nodeID, iter, hasIter := strings.Cut(rest, iterationSep)
	if !hasIter {
		return nodeID, 1, true
	}
	n, err := strconv.Atoi(iter)
	if err != nil || n < 2 {
		return "", 0, false
	}
	return nodeID, n, true
}
