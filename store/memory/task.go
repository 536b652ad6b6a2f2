package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
)

// EnqueueTask persists a new pending task.
func (m *Store) EnqueueTask(_ context.Context, t *queue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return orchestra.ErrDuplicateTask
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// DequeueTasks claims up to limit due pending tasks from queues.
func (m *Store) DequeueTasks(_ context.Context, queues []string, limit int) ([]*queue.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}
	now := time.Now().UTC()

	candidates := make([]*queue.Task, 0)
	for _, t := range m.tasks {
		if t.State != queue.StatePending || t.RunAt.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[t.Queue]; !ok {
				continue
			}
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*queue.Task, len(candidates))
	for i, t := range candidates {
		t.State = queue.StateRunning
		t.Attempt++
		started := now
		t.StartedAt = &started
		t.HeartbeatAt = &started
		t.UpdatedAt = now
		cp := *t
		out[i] = &cp
	}
	return out, nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*queue.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, orchestra.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *queue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return orchestra.ErrTaskNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[key] = &cp
	return nil
}

// HeartbeatTask refreshes the heartbeat of a running task.
func (m *Store) HeartbeatTask(_ context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return orchestra.ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.WorkerID = workerID
	t.HeartbeatAt = &now
	return nil
}

// ReapStaleTasks returns running tasks with a heartbeat older than threshold.
func (m *Store) ReapStaleTasks(_ context.Context, threshold time.Duration) ([]*queue.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var out []*queue.Task
	for _, t := range m.tasks {
		if t.State != queue.StateRunning || t.HeartbeatAt == nil || !t.HeartbeatAt.Before(cutoff) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// CountTasks counts tasks matching opts.
func (m *Store) CountTasks(_ context.Context, opts queue.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, t := range m.tasks {
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		n++
	}
	return n, nil
}

// ListTasks returns tasks matching opts, oldest first.
func (m *Store) ListTasks(_ context.Context, opts queue.ListOpts) ([]*queue.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*queue.Task
	for _, t := range m.tasks {
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sortTasks(out)
	return page(out, opts.Offset, opts.Limit), nil
}

func sortTasks(tasks []*queue.Task) {
	sort.Slice(tasks, func(i, k int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[k].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[k].CreatedAt)
		}
		return tasks[i].ID.String() < tasks[k].ID.String()
	})
}

