package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Buffer is an in-process Dispatcher for inline runs. Tasks wait in
// memory until the engine pops them.
type Buffer struct {
	mu    sync.Mutex
	tasks []*Task
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Enqueue implements Dispatcher.
func (b *Buffer) Enqueue(ctx context.Context, t *Task) error {
	return b.Schedule(ctx, 0, t)
}

// Schedule implements Dispatcher.
func (b *Buffer) Schedule(_ context.Context, delay time.Duration, t *Task) error {
	prepare(t, delay, 1)
	b.mu.Lock()
	b.tasks = append(b.tasks, t)
	sort.SliceStable(b.tasks, func(i, j int) bool { return b.tasks[i].RunAt.Before(b.tasks[j].RunAt) })
	b.mu.Unlock()
	return nil
}

// Len returns the number of waiting tasks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// TakeDue removes and returns every task due at now.
func (b *Buffer) TakeDue(now time.Time) []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for n < len(b.tasks) && !b.tasks[n].RunAt.After(now) {
		n++
	}
	due := append([]*Task(nil), b.tasks[:n]...)
	b.tasks = append(b.tasks[:0], b.tasks[n:]...)
	return due
}

// Drain removes and returns every waiting task, due or not.
func (b *Buffer) Drain() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.tasks
	b.tasks = nil
	return out
}

// NextDue returns when the earliest waiting task becomes due.
func (b *Buffer) NextDue() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tasks) == 0 {
		return time.Time{}, false
	}
	return b.tasks[0].RunAt, true
}

// Wait blocks until the earliest task is due or ctx is done. It returns
// false when the buffer is empty.
func (b *Buffer) Wait(ctx context.Context) (bool, error) {
	at, ok := b.NextDue()
	if !ok {
		return false, nil
	}
	d := time.Until(at)
	if d <= 0 {
		return true, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}
