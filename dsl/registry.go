package dsl

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xraph/orchestra"
)

// RunnerFunc is a type-erased workflow body. The typed Definition is
// converted to a RunnerFunc at registration by closing over JSON
// decoding of the input.
type RunnerFunc func(wf *Workflow, input []byte) (Result, error)

// Definition is a typed workflow. T is the input type.
type Definition[T any] struct {
	Name string

	// Version numbers the body. Runs resume on the version they started
	// with. Zero is treated as 1.
	Version int

	Handler func(wf *Workflow, input T) (Result, error)
}

// NewDefinition creates a typed workflow definition at version 1.
func NewDefinition[T any](name string, handler func(wf *Workflow, input T) (Result, error)) *Definition[T] {
	return &Definition[T]{Name: name, Version: 1, Handler: handler}
}

// WithVersion returns d at version v.
func (d *Definition[T]) WithVersion(v int) *Definition[T] {
	d.Version = v
	return d
}

type versionedRunner struct {
	version int
	runner  RunnerFunc
}

// Registry maps workflow names to versioned bodies. The latest version
// starts new runs. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]versionedRunner
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[string][]versionedRunner)}
}

// Register adds a typed definition. Registering the same name and
// version twice replaces the body.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T any](r *Registry, def *Definition[T]) {
	version := def.Version
	if version <= 0 {
		version = 1
	}
	runner := func(wf *Workflow, input []byte) (Result, error) {
		var t T
		if len(input) > 0 && string(input) != "null" {
			if err := json.Unmarshal(input, &t); err != nil {
				return Result{}, fmt.Errorf("%w: decode input of workflow %q: %w", orchestra.ErrPermanent, def.Name, err)
			}
		}
		return def.Handler(wf, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	vr := versionedRunner{version: version, runner: runner}
	existing := r.versions[def.Name]
	for i, v := range existing {
		if v.version == version {
			existing[i] = vr
			return
		}
	}
	r.versions[def.Name] = append(existing, vr)
}

// Latest returns the highest version of a workflow and its body.
func (r *Registry) Latest(name string) (int, RunnerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.versions[name]
	if len(versions) == 0 {
		return 0, nil, false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if v.version > best.version {
			best = v
		}
	}
	return best.version, best.runner, true
}

// Version returns a specific version of a workflow.
func (r *Registry) Version(name string, version int) (RunnerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions[name] {
		if v.version == version {
			return v.runner, true
		}
	}
	return nil, false
}

// Has reports whether any version of name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.versions[name]) > 0
}

// Names returns all registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const versionPrefix = "dsl:v"

// VersionHash is the graph-hash value recorded on runs of a DSL workflow
// version.
func VersionHash(version int) string {
	return versionPrefix + strconv.Itoa(version)
}

// ParseVersionHash reverses VersionHash.
func ParseVersionHash(hash string) (int, bool) {
	rest, ok := strings.CutPrefix(hash, versionPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
