package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/workflow"
)

// InsertStep creates a pending step, or returns the existing one with the
// same name. The unique (run_id, name) index arbitrates concurrent inserts.
func (s *Store) InsertStep(ctx context.Context, runID id.RunID, stepName, rpcName string, input []byte, opts workflow.StepOptions) (*workflow.Step, error) {
	if existing, err := s.findStep(ctx, bson.M{"run_id": runID.String(), "name": stepName}); err == nil {
		return existing, nil
	} else if !errors.Is(err, orchestra.ErrStepNotFound) {
		return nil, err
	}
	if _, err := s.getRunModel(ctx, runID); err != nil {
		return nil, err
	}

	seq, err := s.nextSeq(ctx, "steps:"+runID.String())
	if err != nil {
		return nil, err
	}
	st := workflow.NewStep(runID, stepName, rpcName, input, opts)
	_, err = s.db.Collection(colSteps).InsertOne(ctx, toStepModel(st, seq, 0))
	if err != nil && !isDuplicateKey(err) {
		return nil, fmt.Errorf("orchestra/mongo: insert step: %w", err)
	}
	return s.findStep(ctx, bson.M{"run_id": runID.String(), "name": stepName})
}

// GetStep returns the named step or a placeholder.
func (s *Store) GetStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.Step, error) {
	st, err := s.findStep(ctx, bson.M{"run_id": runID.String(), "name": stepName})
	if errors.Is(err, orchestra.ErrStepNotFound) {
		return workflow.Placeholder(runID, stepName), nil
	}
	return st, err
}

// GetStepByID returns a step by ID.
func (s *Store) GetStepByID(ctx context.Context, stepID id.StepID) (*workflow.Step, error) {
	return s.findStep(ctx, bson.M{"_id": stepID.String()})
}

// ListSteps returns the run's steps in creation order.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.Step, error) {
	return s.listSteps(ctx, bson.M{"run_id": runID.String()}, nil)
}

// graphProjection leaves step payloads out of reads that only need the
// status fields.
var graphProjection = bson.M{"input": 0, "result": 0}

func (s *Store) listSteps(ctx context.Context, filter, projection bson.M) ([]*workflow.Step, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if projection != nil {
		opts.SetProjection(projection)
	}
	cursor, err := s.db.Collection(colSteps).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: list steps: %w", err)
	}
	var models []stepModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("orchestra/mongo: list steps decode: %w", err)
	}

	steps := make([]*workflow.Step, 0, len(models))
	for i := range models {
		st, convErr := fromStepModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// mutateStep applies fn and replaces the document only if nobody changed
// it since it was read.
func (s *Store) mutateStep(ctx context.Context, stepID id.StepID, fn func(st *workflow.Step, now time.Time) error) (*workflow.Step, error) {
	col := s.db.Collection(colSteps)
	for range maxRevRetries {
		var m stepModel
		err := col.FindOne(ctx, bson.M{"_id": stepID.String()}).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				return nil, orchestra.ErrStepNotFound
			}
			return nil, fmt.Errorf("orchestra/mongo: get step: %w", err)
		}
		st, err := fromStepModel(&m)
		if err != nil {
			return nil, err
		}
		if err := fn(st, now()); err != nil {
			return nil, err
		}

		res, err := col.ReplaceOne(ctx,
			bson.M{"_id": m.ID, "rev": m.Rev},
			toStepModel(st, m.Seq, m.Rev+1),
		)
		if err != nil {
			return nil, fmt.Errorf("orchestra/mongo: update step: %w", err)
		}
		if res.MatchedCount == 1 {
			return st, nil
		}
	}
	return nil, fmt.Errorf("orchestra/mongo: step %s kept changing during update", stepID)
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
	return s.setBranch(ctx, bson.M{"_id": stepID.String()}, key)
}

// SetBranchTaken records the branch chosen by the named step.
func (s *Store) SetBranchTaken(ctx context.Context, runID id.RunID, stepName, key string) error {
	return s.setBranch(ctx, bson.M{"run_id": runID.String(), "name": stepName}, key)
}

func (s *Store) setBranch(ctx context.Context, filter bson.M, key string) error {
	res, err := s.db.Collection(colSteps).UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{"branch_key": key, "updated_at": now()},
		"$inc": bson.M{"rev": int64(1)},
	})
	if err != nil {
		return fmt.Errorf("orchestra/mongo: set branch key: %w", err)
	}
	if res.MatchedCount == 0 {
		return orchestra.ErrStepNotFound
	}
	return nil
}

// GetCompletedGraphState derives the run's graph state from its steps.
func (s *Store) GetCompletedGraphState(ctx context.Context, runID id.RunID) (*workflow.GraphState, error) {
	steps, err := s.listSteps(ctx, bson.M{
		"run_id":  runID.String(),
		"node_id": bson.M{"$ne": ""},
	}, graphProjection)
	if err != nil {
		return nil, err
	}
	return workflow.BuildGraphState(steps), nil
}

// GetNodesWithoutSteps filters nodeIDs down to nodes with no step.
func (s *Store) GetNodesWithoutSteps(ctx context.Context, runID id.RunID, nodeIDs []string) ([]string, error) {
	if len(nodeIDs) == 0 {
		return []string{}, nil
	}
	steps, err := s.listSteps(ctx, bson.M{
		"run_id":  runID.String(),
		"node_id": bson.M{"$in": nodeIDs},
	}, graphProjection)
	if err != nil {
		return nil, err
	}
	return workflow.MissingNodes(steps, nodeIDs), nil
}

// GetNodeResults returns the latest result of each requested node.
func (s *Store) GetNodeResults(ctx context.Context, runID id.RunID, nodeIDs []string) (map[string]json.RawMessage, error) {
	if len(nodeIDs) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	steps, err := s.listSteps(ctx, bson.M{
		"run_id":  runID.String(),
		"node_id": bson.M{"$in": nodeIDs},
		"status":  string(workflow.StepSucceeded),
	}, bson.M{"input": 0})
	if err != nil {
		return nil, err
	}
	return workflow.LatestResults(steps, nodeIDs), nil
}

func (s *Store) findStep(ctx context.Context, filter bson.M) (*workflow.Step, error) {
	var m stepModel
	err := s.db.Collection(colSteps).FindOne(ctx, filter).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, orchestra.ErrStepNotFound
		}
		return nil, fmt.Errorf("orchestra/mongo: get step: %w", err)
	}
	return fromStepModel(&m)
}
