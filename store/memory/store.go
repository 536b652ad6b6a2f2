// Package memory is an in-process store for tests and inline runs. It
// implements workflow.Store, version.Store and queue.Store. Locks are
// per-key and only serialize callers sharing the same Store value.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/version"
	"github.com/xraph/orchestra/workflow"
)

var (
	_ workflow.Store = (*Store)(nil)
	_ version.Store  = (*Store)(nil)
	_ queue.Store    = (*Store)(nil)
)

// Store is a fully in-memory store. Safe for concurrent access. Every
// read returns a copy.
type Store struct {
	mu sync.RWMutex

	runs      map[string]*workflow.Run
	runState  map[string]map[string]json.RawMessage
	steps     map[string]*workflow.Step
	stepNames map[string]string   // "runID/stepName" -> step ID
	runSteps  map[string][]string // run ID -> step IDs in creation order
	versions  map[string]*version.Version
	tasks     map[string]*queue.Task

	locks *keyedLocks
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*workflow.Run),
		runState:  make(map[string]map[string]json.RawMessage),
		steps:     make(map[string]*workflow.Step),
		stepNames: make(map[string]string),
		runSteps:  make(map[string][]string),
		versions:  make(map[string]*version.Version),
		tasks:     make(map[string]*queue.Task),
		locks:     newKeyedLocks(),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }
