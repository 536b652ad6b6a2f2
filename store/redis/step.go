package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/workflow"
)

// insertStepScript claims a step name for a new step ID unless the name
// is taken, writing the step Hash and its creation-order entry in the same
// atomic call. It returns the ID that owns the name.
//
// KEYS: step_names, step hash, run_steps. ARGV: name, step ID, hash fields...
var insertStepScript = goredis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
	return existing
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], unpack(ARGV, 3))
redis.call('RPUSH', KEYS[3], ARGV[2])
return ARGV[2]
`)

// InsertStep creates a pending step, or returns the existing one with the
// same name.
func (s *Store) InsertStep(ctx context.Context, runID id.RunID, stepName, rpcName string, input []byte, opts workflow.StepOptions) (*workflow.Step, error) {
	rID := runID.String()
	exists, err := s.client.Exists(ctx, runKey(rID)).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: insert step run exists: %w", err)
	}
	if exists == 0 {
		return nil, orchestra.ErrRunNotFound
	}

	st := workflow.NewStep(runID, stepName, rpcName, input, opts)
	fields, err := stepToMap(st)
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, stepName, st.ID.String())
	for k, v := range fields {
		args = append(args, k, v)
	}

	owner, err := insertStepScript.Run(ctx, s.client,
		[]string{stepNamesKey(rID), stepKey(st.ID.String()), runStepsKey(rID)},
		args...,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: insert step: %w", err)
	}
	return s.getStepByKey(ctx, s.client, stepKey(owner))
}

// GetStep returns the named step or a placeholder.
func (s *Store) GetStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.Step, error) {
	sID, err := s.client.HGet(ctx, stepNamesKey(runID.String()), stepName).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return workflow.Placeholder(runID, stepName), nil
		}
		return nil, fmt.Errorf("orchestra/redis: get step name: %w", err)
	}
	return s.getStepByKey(ctx, s.client, stepKey(sID))
}

// GetStepByID returns a step by ID.
func (s *Store) GetStepByID(ctx context.Context, stepID id.StepID) (*workflow.Step, error) {
	return s.getStepByKey(ctx, s.client, stepKey(stepID.String()))
}

// ListSteps returns the run's steps in creation order.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.Step, error) {
	ids, err := s.client.LRange(ctx, runStepsKey(runID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: list steps lrange: %w", err)
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	pipe := s.client.Pipeline()
	for i, sID := range ids {
		cmds[i] = pipe.HGetAll(ctx, stepKey(sID))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("orchestra/redis: list steps: %w", err)
		}
	}

	steps := make([]*workflow.Step, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		st, err := mapToStep(vals)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// mutateStep applies fn to the step inside an optimistic transaction and
// rewrites the whole Hash so that cleared fields disappear.
func (s *Store) mutateStep(ctx context.Context, stepID id.StepID, fn func(st *workflow.Step, now time.Time) error) (*workflow.Step, error) {
	key := stepKey(stepID.String())
	var out *workflow.Step
	err := s.watch(ctx, key, func(tx *goredis.Tx) error {
		st, err := s.getStepByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(st, time.Now().UTC()); err != nil {
			return err
		}
		fields, err := stepToMap(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			return nil
		})
		if err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetStepScheduled marks a step scheduled.
func (s *Store) SetStepScheduled(ctx context.Context, stepID id.StepID) error {
	_, err := s.mutateStep(ctx, stepID, func(st *workflow.Step, now time.Time) error {
		return st.Transition(workflow.StepScheduled, now)
	})
	return err
}

// SetStepRunning marks a step running.
func (s *Store) SetStepRunning(ctx context.Context, stepID id.StepID) error {
	_, err := s.mutateStep(ctx, stepID, func(st *workflow.Step, now time.Time) error {
		return st.Transition(workflow.StepRunning, now)
	})
	return err
}

// SetStepResult records a step's result.
func (s *Store) SetStepResult(ctx context.Context, stepID id.StepID, result []byte) error {
	_, err := s.mutateStep(ctx, stepID, func(st *workflow.Step, now time.Time) error {
		return st.Succeed(result, now)
	})
	return err
}

// SetStepError records a step's failure.
func (s *Store) SetStepError(ctx context.Context, stepID id.StepID, stepErr *workflow.ErrorInfo) error {
	_, err := s.mutateStep(ctx, stepID, func(st *workflow.Step, now time.Time) error {
		return st.Fail(stepErr, now)
	})
	return err
}

// CreateRetryAttempt starts the next attempt of a failed step.
func (s *Store) CreateRetryAttempt(ctx context.Context, stepID id.StepID, next workflow.StepStatus) (*workflow.Step, error) {
	return s.mutateStep(ctx, stepID, func(st *workflow.Step, now time.Time) error {
		return st.Retry(next, now)
	})
}

// SetBranchKey records the branch chosen by a step.
func (s *Store) SetBranchKey(ctx context.Context, stepID id.StepID, key string) error {
	_, err := s.mutateStep(ctx, stepID, func(st *workflow.Step, now time.Time) error {
		st.BranchKey = key
		st.UpdatedAt = now
		return nil
	})
	return err
}

// SetBranchTaken records the branch chosen by the named step.
func (s *Store) SetBranchTaken(ctx context.Context, runID id.RunID, stepName, key string) error {
	sID, err := s.client.HGet(ctx, stepNamesKey(runID.String()), stepName).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return orchestra.ErrStepNotFound
		}
		return fmt.Errorf("orchestra/redis: set branch taken: %w", err)
	}
	stepID, err := id.ParseStepID(sID)
	if err != nil {
		return fmt.Errorf("orchestra/redis: parse step id: %w", err)
	}
	return s.SetBranchKey(ctx, stepID, key)
}

// graphFields are the step Hash fields graph state is derived from.
var graphFields = []string{
	"name", "node_id", "iteration", "status", "attempt_count", "retries", "branch_key", "error",
}

// listGraphSteps reads the run's steps in creation order without their
// input and result payloads.
func (s *Store) listGraphSteps(ctx context.Context, runID id.RunID) ([]*workflow.Step, error) {
	ids, err := s.client.LRange(ctx, runStepsKey(runID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: graph steps lrange: %w", err)
	}

	cmds := make([]*goredis.SliceCmd, len(ids))
	pipe := s.client.Pipeline()
	for i, sID := range ids {
		cmds[i] = pipe.HMGet(ctx, stepKey(sID), graphFields...)
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("orchestra/redis: graph steps: %w", err)
		}
	}

	steps := make([]*workflow.Step, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		m := make(map[string]string, len(graphFields))
		for i, f := range graphFields {
			if v, ok := vals[i].(string); ok {
				m[f] = v
			}
		}
		if m["status"] == "" {
			continue
		}
		st := &workflow.Step{
			RunID:        runID,
			Name:         m["name"],
			NodeID:       m["node_id"],
			Iteration:    atoi(m["iteration"]),
			Status:       workflow.StepStatus(m["status"]),
			AttemptCount: atoi(m["attempt_count"]),
			Retries:      atoi(m["retries"]),
			BranchKey:    m["branch_key"],
		}
		if st.Error, err = getError(m); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// GetCompletedGraphState derives the run's graph state from its steps.
func (s *Store) GetCompletedGraphState(ctx context.Context, runID id.RunID) (*workflow.GraphState, error) {
	steps, err := s.listGraphSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	return workflow.BuildGraphState(steps), nil
}

// GetNodesWithoutSteps filters nodeIDs down to nodes with no step.
func (s *Store) GetNodesWithoutSteps(ctx context.Context, runID id.RunID, nodeIDs []string) ([]string, error) {
	steps, err := s.listGraphSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	return workflow.MissingNodes(steps, nodeIDs), nil
}

// GetNodeResults returns the latest result of each requested node.
func (s *Store) GetNodeResults(ctx context.Context, runID id.RunID, nodeIDs []string) (map[string]json.RawMessage, error) {
	steps, err := s.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	return workflow.LatestResults(steps, nodeIDs), nil
}

func (s *Store) getStepByKey(ctx context.Context, c hashReader, key string) (*workflow.Step, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: get step: %w", err)
	}
	if len(vals) == 0 {
		return nil, orchestra.ErrStepNotFound
	}
	return mapToStep(vals)
}
