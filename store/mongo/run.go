package mongo

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/workflow"
)

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	_, err := s.db.Collection(colRuns).InsertOne(ctx, toRunModel(run, 0))
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("orchestra/mongo: run %s already exists", run.ID)
		}
		return fmt.Errorf("orchestra/mongo: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	m, err := s.getRunModel(ctx, runID)
	if err != nil {
		return nil, err
	}
	return fromRunModel(m)
}

// UpdateRunStatus applies a status change with a revision check so that
// a concurrent writer never resurrects a terminal run.
func (s *Store) UpdateRunStatus(ctx context.Context, runID id.RunID, status workflow.RunStatus, output []byte, runErr *workflow.ErrorInfo) error {
	col := s.db.Collection(colRuns)
	for range maxRevRetries {
		m, err := s.getRunModel(ctx, runID)
		if err != nil {
			return err
		}
		r, err := fromRunModel(m)
		if err != nil {
			return err
		}
		if err := r.ApplyStatus(status, output, runErr); err != nil {
			return err
		}

		res, err := col.ReplaceOne(ctx,
			bson.M{"_id": m.ID, "rev": m.Rev},
			toRunModel(r, m.Rev+1),
		)
		if err != nil {
			return fmt.Errorf("orchestra/mongo: update run status: %w", err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return fmt.Errorf("orchestra/mongo: run %s kept changing during update", runID)
}

// ListRuns returns runs matching opts, newest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.WorkflowName != "" {
		filter["workflow_name"] = opts.WorkflowName
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.db.Collection(colRuns).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: list runs: %w", err)
	}
	var models []runModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("orchestra/mongo: list runs decode: %w", err)
	}

	runs := make([]*workflow.Run, 0, len(models))
	for i := range models {
		r, convErr := fromRunModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// GetRunState returns the run's state values.
func (s *Store) GetRunState(ctx context.Context, runID id.RunID) (map[string]json.RawMessage, error) {
	cursor, err := s.db.Collection(colRunState).Find(ctx, bson.M{"run_id": runID.String()})
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: get run state: %w", err)
	}
	var models []runStateModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("orchestra/mongo: get run state decode: %w", err)
	}

	out := make(map[string]json.RawMessage, len(models))
	for _, m := range models {
		out[m.Key] = json.RawMessage(m.Value)
	}
	return out, nil
}

// UpdateRunState upserts the patch's values and deletes its null keys in
// one bulk write.
func (s *Store) UpdateRunState(ctx context.Context, runID id.RunID, patch map[string]json.RawMessage) error {
	if _, err := s.getRunModel(ctx, runID); err != nil {
		return err
	}
	if len(patch) == 0 {
		return nil
	}

	rID := runID.String()
	writes := make([]mongod.WriteModel, 0, len(patch))
	for k, v := range patch {
		filter := bson.M{"run_id": rID, "key": k}
		if len(v) == 0 || string(v) == "null" {
			writes = append(writes, mongod.NewDeleteOneModel().SetFilter(filter))
			continue
		}
		writes = append(writes, mongod.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$set": bson.M{"value": string(v)}}).
			SetUpsert(true))
	}

	if _, err := s.db.Collection(colRunState).BulkWrite(ctx, writes); err != nil {
		return fmt.Errorf("orchestra/mongo: update run state: %w", err)
	}
	return nil
}

func (s *Store) getRunModel(ctx context.Context, runID id.RunID) (*runModel, error) {
	var m runModel
	err := s.db.Collection(colRuns).FindOne(ctx, bson.M{"_id": runID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, orchestra.ErrRunNotFound
		}
		return nil, fmt.Errorf("orchestra/mongo: get run: %w", err)
	}
	return &m, nil
}
