package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/workflow"
)

// CreateRun persists a new run.
func (m *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, ok := m.runs[key]; ok {
		return fmt.Errorf("memory: run %s already exists", key)
	}
	cp := *run
	m.runs[key] = &cp
	return nil
}

// GetRun retrieves a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, orchestra.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateRunStatus applies a status change to a run.
func (m *Store) UpdateRunStatus(_ context.Context, runID id.RunID, status workflow.RunStatus, output []byte, runErr *workflow.ErrorInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return orchestra.ErrRunNotFound
	}
	cp := *r
	if err := cp.ApplyStatus(status, output, runErr); err != nil {
		return err
	}
	m.runs[runID.String()] = &cp
	return nil
}

// ListRuns returns runs matching opts, newest first.
func (m *Store) ListRuns(_ context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*workflow.Run
	for _, r := range m.runs {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.WorkflowName != "" && r.WorkflowName != opts.WorkflowName {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return page(out, opts.Offset, opts.Limit), nil
}

// GetRunState returns a copy of the run's state.
func (m *Store) GetRunState(_ context.Context, runID id.RunID) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(m.runState[runID.String()]))
	for k, v := range m.runState[runID.String()] {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

// UpdateRunState merges patch into the run's state.
func (m *Store) UpdateRunState(_ context.Context, runID id.RunID, patch map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := runID.String()
	if _, ok := m.runs[key]; !ok {
		return orchestra.ErrRunNotFound
	}
	state := m.runState[key]
	if state == nil {
		state = make(map[string]json.RawMessage, len(patch))
		m.runState[key] = state
	}
	workflow.MergeRunState(state, patch)
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
