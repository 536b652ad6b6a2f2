package memory

import (
	"context"
	"sync"

	"github.com/xraph/orchestra/id"
)

// keyedLocks hands out one binary semaphore per key and drops it once
// nobody holds or waits for it.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]*slot)}
}

func (k *keyedLocks) with(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	k.mu.Lock()
	s := k.slots[key]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(k.slots, key)
		}
		k.mu.Unlock()
	}()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()

	return fn(ctx)
}

// WithRunLock runs fn while holding the run's lock.
func (m *Store) WithRunLock(ctx context.Context, runID id.RunID, fn func(ctx context.Context) error) error {
	return m.locks.with(ctx, "run:"+runID.String(), fn)
}

// WithStepLock runs fn while holding the step's lock.
func (m *Store) WithStepLock(ctx context.Context, runID id.RunID, stepID id.StepID, fn func(ctx context.Context) error) error {
	return m.locks.with(ctx, "step:"+runID.String()+":"+stepID.String(), fn)
}
