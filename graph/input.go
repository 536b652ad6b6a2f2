package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const refKey = "$ref"

// Ref points at another node's result, optionally narrowed by a dot-path
// such as "order.items.0.sku".
type Ref struct {
	NodeID string `json:"nodeId" yaml:"nodeId"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Input is one field of a node's input mapping: a literal JSON value or a
// reference resolved when the node is scheduled.
//
// In JSON and YAML a reference is written {"$ref": {"nodeId": "A", "path": "x"}};
// any other value is a literal.
type Input struct {
	Value json.RawMessage
	Ref   *Ref
}

// Literal returns an Input holding v. It panics if v cannot be marshaled
// to JSON.
func Literal(v any) Input {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("graph: literal %T: %v", v, err))
	}
	return Input{Value: data}
}

// RefTo returns an Input referencing nodeID's result at path.
func RefTo(nodeID, path string) Input {
	return Input{Ref: &Ref{NodeID: nodeID, Path: path}}
}

// IsRef reports whether in references another node.
func (in Input) IsRef() bool { return in.Ref != nil }

// MarshalJSON implements json.Marshaler.
func (in Input) MarshalJSON() ([]byte, error) {
	if in.Ref != nil {
		return json.Marshal(map[string]*Ref{refKey: in.Ref})
	}
	if len(in.Value) == 0 {
		return []byte("null"), nil
	}
	return in.Value, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (in *Input) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("graph: decode input: %w", err)
		}
		if raw, ok := fields[refKey]; ok && len(fields) == 1 {
			var ref Ref
			if err := json.Unmarshal(raw, &ref); err != nil {
				return fmt.Errorf("graph: decode input ref: %w", err)
			}
			if ref.NodeID == "" {
				return fmt.Errorf("graph: input ref without nodeId")
			}
			*in = Input{Ref: &ref}
			return nil
		}
	}
	*in = Input{Value: append(json.RawMessage(nil), data...)}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (in Input) MarshalYAML() (any, error) {
	if in.Ref != nil {
		return map[string]*Ref{refKey: in.Ref}, nil
	}
	var v any
	if len(in.Value) > 0 {
		if err := json.Unmarshal(in.Value, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// UnmarshalYAML decodes through the JSON form so both encodings agree.
func (in *Input) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("graph: decode input: %w", err)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("graph: decode input: %w", err)
	}
	return in.UnmarshalJSON(data)
}

// References returns the node IDs referenced by a mapping, sorted and
// de-duplicated.
func References(mapping map[string]Input) []string {
	seen := make(map[string]struct{})
	for _, in := range mapping {
		if in.Ref != nil {
			seen[in.Ref.NodeID] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// ResolveInput builds a node's input object from its mapping. results
// holds the results of the referenced nodes; a reference whose node or
// path is absent resolves to null.
func ResolveInput(mapping map[string]Input, results map[string]json.RawMessage) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(mapping))
	for field, in := range mapping {
		if in.Ref == nil {
			if len(in.Value) == 0 {
				out[field] = json.RawMessage("null")
			} else {
				out[field] = in.Value
			}
			continue
		}
		v, ok, err := Lookup(results[in.Ref.NodeID], in.Ref.Path)
		if err != nil {
			return nil, fmt.Errorf("graph: resolve %q from %s: %w", field, in.Ref.NodeID, err)
		}
		if !ok {
			v = json.RawMessage("null")
		}
		out[field] = v
	}
	return json.Marshal(out)
}

// Lookup walks a dot-path through a JSON document. Numeric segments index
// arrays. An empty path returns the whole document. ok is false when the
// document is empty or the path does not exist.
func Lookup(doc json.RawMessage, path string) (json.RawMessage, bool, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, false, nil
	}
	if path == "" {
		return doc, true, nil
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var cur any
	if err := dec.Decode(&cur); err != nil {
		return nil, false, err
	}

	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false, nil
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false, nil
			}
			cur = node[idx]
		default:
			return nil, false, nil
		}
	}

	data, err := json.Marshal(cur)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
