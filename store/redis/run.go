package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/workflow"
)

// CreateRun stores the run as a Hash and indexes its ID.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	rID := run.ID.String()
	key := runKey(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("orchestra/redis: create run check exists: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("orchestra/redis: run %s already exists", rID)
	}

	fields, err := runToMap(run)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, runIDsKey, rID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("orchestra/redis: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	return s.getRunByKey(ctx, s.client, runKey(runID.String()))
}

// UpdateRunStatus applies a status change inside an optimistic
// transaction so that a terminal run is never overwritten.
func (s *Store) UpdateRunStatus(ctx context.Context, runID id.RunID, status workflow.RunStatus, output []byte, runErr *workflow.ErrorInfo) error {
	key := runKey(runID.String())
	return s.watch(ctx, key, func(tx *goredis.Tx) error {
		r, err := s.getRunByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := r.ApplyStatus(status, output, runErr); err != nil {
			return err
		}
		fields, err := runToMap(r)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	})
}

// ListRuns returns runs matching opts, newest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	ids, err := s.client.SMembers(ctx, runIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: list runs smembers: %w", err)
	}

	runs := make([]*workflow.Run, 0, len(ids))
	for _, rID := range ids {
		r, getErr := s.getRunByKey(ctx, s.client, runKey(rID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.WorkflowName != "" && r.WorkflowName != opts.WorkflowName {
			continue
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID.String() > runs[j].ID.String()
	})

	// Apply offset/limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(runs) {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

// GetRunState returns the run's state Hash as raw JSON values.
func (s *Store) GetRunState(ctx context.Context, runID id.RunID) (map[string]json.RawMessage, error) {
	vals, err := s.client.HGetAll(ctx, runStateKey(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: get run state: %w", err)
	}
	out := make(map[string]json.RawMessage, len(vals))
	for k, v := range vals {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// UpdateRunState writes the patch's values and deletes its null keys.
func (s *Store) UpdateRunState(ctx context.Context, runID id.RunID, patch map[string]json.RawMessage) error {
	if len(patch) == 0 {
		return nil
	}
	rID := runID.String()
	exists, err := s.client.Exists(ctx, runKey(rID)).Result()
	if err != nil {
		return fmt.Errorf("orchestra/redis: update run state exists: %w", err)
	}
	if exists == 0 {
		return orchestra.ErrRunNotFound
	}

	set := make(map[string]any, len(patch))
	var del []string
	for k, v := range patch {
		if len(v) == 0 || string(v) == "null" {
			del = append(del, k)
			continue
		}
		set[k] = string(v)
	}

	key := runStateKey(rID)
	pipe := s.client.TxPipeline()
	if len(set) > 0 {
		pipe.HSet(ctx, key, set)
	}
	if len(del) > 0 {
		pipe.HDel(ctx, key, del...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("orchestra/redis: update run state: %w", err)
	}
	return nil
}

func (s *Store) getRunByKey(ctx context.Context, c hashReader, key string) (*workflow.Run, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: get run: %w", err)
	}
	if len(vals) == 0 {
		return nil, orchestra.ErrRunNotFound
	}
	return mapToRun(vals)
}
