package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/xraph/orchestra"
)

// Topology is a validated definition with its derived structure. It is
// immutable once built and shared between runs.
type Topology struct {
	Definition *Definition
	Hash       string

	// Source is a fingerprint of where the definition came from (the raw
	// file for LoadFile, the hash itself for definitions built in code).
	Source string

	Entry        []string
	Predecessors map[string][]string
}

// Registry holds the live (currently deployed) graph of each workflow
// name and caches compiled topologies by content hash, so snapshots
// loaded for older runs are compiled once.
type Registry struct {
	mu   sync.RWMutex
	live map[string]*Topology

	compileMu sync.Mutex
	cache     *ristretto.Cache
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	cacheSize int64
}

// WithCacheSize bounds how many compiled topologies are cached.
func WithCacheSize(n int64) RegistryOption {
	return func(c *registryConfig) { c.cacheSize = n }
}

// NewRegistry creates an empty graph registry.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	cfg := registryConfig{cacheSize: 1024}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * cfg.cacheSize,
		MaxCost:     cfg.cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: topology cache: %w", err)
	}
	return &Registry{
		live:  make(map[string]*Topology),
		cache: cache,
	}, nil
}

// Register validates def and makes it the live graph for its name,
// replacing any previous one. source may be empty.
func (r *Registry) Register(def *Definition, source string) (*Topology, error) {
	top, err := r.Compile(def)
	if err != nil {
		return nil, err
	}
	if source != "" && source != top.Source {
		cp := *top
		cp.Source = source
		top = &cp
	}

	r.mu.Lock()
	r.live[def.Name] = top
	r.mu.Unlock()
	return top, nil
}

// Live returns the live graph registered under name.
func (r *Registry) Live(name string) (*Topology, error) {
	r.mu.RLock()
	top, ok := r.live[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: graph %s", orchestra.ErrWorkflowNotFound, name)
	}
	return top, nil
}

// Has reports whether a live graph is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[name]
	return ok
}

// All returns every live graph, sorted by name.
func (r *Registry) All() []*Topology {
	r.mu.RLock()
	out := make([]*Topology, 0, len(r.live))
	for _, top := range r.live {
		out = append(out, top)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.Name < out[j].Definition.Name })
	return out
}

// Compile validates def and derives its topology, reusing a cached
// topology with the same content hash. def itself is not modified; the
// topology holds its own copy.
func (r *Registry) Compile(def *Definition) (*Topology, error) {
	if def == nil {
		return nil, Validate(nil)
	}
	owned, err := def.Clone()
	if err != nil {
		return nil, fmt.Errorf("graph: compile %s: %w", def.Name, err)
	}
	hash, err := Hash(owned)
	if err != nil {
		return nil, err
	}
	if v, ok := r.cache.Get(hash); ok {
		return v.(*Topology), nil
	}

	r.compileMu.Lock()
	defer r.compileMu.Unlock()
	if v, ok := r.cache.Get(hash); ok {
		return v.(*Topology), nil
	}

	if err := Validate(owned); err != nil {
		return nil, err
	}
	top := &Topology{
		Definition:   owned,
		Hash:         hash,
		Source:       hash,
		Entry:        FindEntryNodes(owned),
		Predecessors: Predecessors(owned),
	}
	r.cache.Set(hash, top, 1)
	r.cache.Wait()
	return top, nil
}

// Close releases the topology cache.
func (r *Registry) Close() {
	r.cache.Close()
}
