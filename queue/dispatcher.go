package queue

import (
	"context"
	"fmt"
	"time"
)

// Dispatcher defers tasks.
type Dispatcher interface {
	// Enqueue makes t due immediately.
	Enqueue(ctx context.Context, t *Task) error
	// Schedule makes t due after delay.
	Schedule(ctx context.Context, delay time.Duration, t *Task) error
}

// StoreDispatcher persists tasks in a Store for the worker pool.
type StoreDispatcher struct {
	store       Store
	maxAttempts int
}

// NewStoreDispatcher creates a dispatcher writing to store. maxAttempts
// bounds redeliveries of tasks that do not set their own.
func NewStoreDispatcher(store Store, maxAttempts int) *StoreDispatcher {
	return &StoreDispatcher{store: store, maxAttempts: maxAttempts}
}

// Enqueue implements Dispatcher.
func (d *StoreDispatcher) Enqueue(ctx context.Context, t *Task) error {
	return d.Schedule(ctx, 0, t)
}

// Schedule implements Dispatcher.
func (d *StoreDispatcher) Schedule(ctx context.Context, delay time.Duration, t *Task) error {
	prepare(t, delay, d.maxAttempts)
	if err := d.store.EnqueueTask(ctx, t); err != nil {
		return fmt.Errorf("queue: enqueue %s for run %s: %w", t.Kind, t.RunID, err)
	}
	return nil
}

func prepare(t *Task, delay time.Duration, maxAttempts int) {
	if t.Queue == "" {
		t.Queue = DefaultQueue
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = maxAttempts
	}
	t.State = StatePending
	t.RunAt = time.Now().UTC().Add(delay)
}
