package graph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseYAML parses and validates a YAML graph definition:
//
//	name: order-flow
//	nodes:
//	  charge:
//	    rpc: payments.charge
//	    input:
//	      amount: {$ref: {nodeId: quote, path: total}}
//	    next: {ok: ship, declined: notify}
//	    onError: notify
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("graph: parse yaml: %w", err)
	}
	def.Normalize()
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads a YAML (or JSON, which is valid YAML) definition from path.
// It also returns the murmur3 fingerprint of the raw file contents.
func LoadFile(path string) (*Definition, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("graph: read %s: %w", path, err)
	}
	def, err := ParseYAML(data)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return def, HashBytes(data), nil
}
