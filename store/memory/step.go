package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/workflow"
)

func stepKey(runID id.RunID, name string) string {
	return runID.String() + "/" + name
}

// InsertStep creates a pending step, or returns the existing one with the
// same name.
func (m *Store) InsertStep(_ context.Context, runID id.RunID, stepName, rpcName string, input []byte, opts workflow.StepOptions) (*workflow.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stepID, ok := m.stepNames[stepKey(runID, stepName)]; ok {
		cp := *m.steps[stepID]
		return &cp, nil
	}
	if _, ok := m.runs[runID.String()]; !ok {
		return nil, orchestra.ErrRunNotFound
	}

	s := workflow.NewStep(runID, stepName, rpcName, input, opts)
	key := s.ID.String()
	m.steps[key] = s
	m.stepNames[stepKey(runID, stepName)] = key
	m.runSteps[runID.String()] = append(m.runSteps[runID.String()], key)

	cp := *s
	return &cp, nil
}

// GetStep returns the named step or a placeholder.
func (m *Store) GetStep(_ context.Context, runID id.RunID, stepName string) (*workflow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stepID, ok := m.stepNames[stepKey(runID, stepName)]
	if !ok {
		return workflow.Placeholder(runID, stepName), nil
	}
	cp := *m.steps[stepID]
	return &cp, nil
}

// GetStepByID returns a step by ID.
func (m *Store) GetStepByID(_ context.Context, stepID id.StepID) (*workflow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.steps[stepID.String()]
	if !ok {
		return nil, orchestra.ErrStepNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSteps returns the run's steps in creation order.
func (m *Store) ListSteps(_ context.Context, runID id.RunID) ([]*workflow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSteps(runID), nil
}

func (m *Store) listSteps(runID id.RunID) []*workflow.Step {
	ids := m.runSteps[runID.String()]
	out := make([]*workflow.Step, 0, len(ids))
	for _, key := range ids {
		cp := *m.steps[key]
		out = append(out, &cp)
	}
	return out
}

// mutateStep applies fn to a copy of the step and stores the copy when
// fn succeeds.
func (m *Store) mutateStep(stepID id.StepID, fn func(s *workflow.Step, now time.Time) error) (*workflow.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.steps[stepID.String()]
	if !ok {
		return nil, orchestra.ErrStepNotFound
	}
	cp := *s
	if err := fn(&cp, time.Now().UTC()); err != nil {
		return nil, err
	}
	m.steps[stepID.String()] = &cp
	out := cp
	return &out, nil
}

// SetStepScheduled marks a step scheduled.
func (m *Store) SetStepScheduled(_ context.Context, stepID id.StepID) error {
	_, err := m.mutateStep(stepID, func(s *workflow.Step, now time.Time) error {
		return s.Transition(workflow.StepScheduled, now)
	})
	return err
}

// SetStepRunning marks a step running.
func (m *Store) SetStepRunning(_ context.Context, stepID id.StepID) error {
	_, err := m.mutateStep(stepID, func(s *workflow.Step, now time.Time) error {
		return s.Transition(workflow.StepRunning, now)
	})
	return err
}

// SetStepResult records a step's result.
func (m *Store) SetStepResult(_ context.Context, stepID id.StepID, result []byte) error {
	_, err := m.mutateStep(stepID, func(s *workflow.Step, now time.Time) error {
		return s.Succeed(result, now)
	})
	return err
}

// SetStepError records a step's failure.
func (m *Store) SetStepError(_ context.Context, stepID id.StepID, stepErr *workflow.ErrorInfo) error {
	_, err := m.mutateStep(stepID, func(s *workflow.Step, now time.Time) error {
		return s.Fail(stepErr, now)
	})
	return err
}

// CreateRetryAttempt starts the next attempt of a failed step.
func (m *Store) CreateRetryAttempt(_ context.Context, stepID id.StepID, next workflow.StepStatus) (*workflow.Step, error) {
	return m.mutateStep(stepID, func(s *workflow.Step, now time.Time) error {
		return s.Retry(next, now)
	})
}

// SetBranchKey records the branch chosen by a step.
func (m *Store) SetBranchKey(_ context.Context, stepID id.StepID, key string) error {
	_, err := m.mutateStep(stepID, func(s *workflow.Step, now time.Time) error {
		s.BranchKey = key
		s.UpdatedAt = now
		return nil
	})
	return err
}

// SetBranchTaken records the branch chosen by the named step.
func (m *Store) SetBranchTaken(ctx context.Context, runID id.RunID, stepName, key string) error {
	m.mu.RLock()
	stepID, ok := m.stepNames[stepKey(runID, stepName)]
	m.mu.RUnlock()
	if !ok {
		return orchestra.ErrStepNotFound
	}
	parsed, err := id.ParseStepID(stepID)
	if err != nil {
		return err
	}
	return m.SetBranchKey(ctx, parsed, key)
}

// GetCompletedGraphState derives the run's graph state from its steps.
func (m *Store) GetCompletedGraphState(_ context.Context, runID id.RunID) (*workflow.GraphState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return workflow.BuildGraphState(m.listSteps(runID)), nil
}

// GetNodesWithoutSteps filters nodeIDs down to nodes with no step.
func (m *Store) GetNodesWithoutSteps(_ context.Context, runID id.RunID, nodeIDs []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return workflow.MissingNodes(m.listSteps(runID), nodeIDs), nil
}

// GetNodeResults returns the latest result of each requested node.
func (m *Store) GetNodeResults(_ context.Context, runID id.RunID, nodeIDs []string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return workflow.LatestResults(m.listSteps(runID), nodeIDs), nil
}
