package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/version"
)

// UpsertWorkflowVersion stores the snapshot as JSON with SET NX, so an
// existing name and hash is left untouched.
func (s *Store) UpsertWorkflowVersion(ctx context.Context, v *version.Version) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("orchestra/redis: encode version: %w", err)
	}
	created, err := s.client.SetNX(ctx, versionKey(v.WorkflowName, v.GraphHash), data, 0).Result()
	if err != nil {
		return fmt.Errorf("orchestra/redis: upsert version: %w", err)
	}
	if !created {
		return nil
	}
	if err := s.client.SAdd(ctx, versionIndexKey(v.WorkflowName), v.GraphHash).Err(); err != nil {
		return fmt.Errorf("orchestra/redis: index version: %w", err)
	}
	return nil
}

// GetWorkflowVersion returns a snapshot by name and hash.
func (s *Store) GetWorkflowVersion(ctx context.Context, workflowName, graphHash string) (*version.Version, error) {
	data, err := s.client.Get(ctx, versionKey(workflowName, graphHash)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, orchestra.ErrVersionNotFound
		}
		return nil, fmt.Errorf("orchestra/redis: get version: %w", err)
	}
	var v version.Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("orchestra/redis: decode version: %w", err)
	}
	return &v, nil
}

// ListWorkflowVersions returns a workflow's snapshots, oldest first.
func (s *Store) ListWorkflowVersions(ctx context.Context, workflowName string) ([]*version.Version, error) {
	hashes, err := s.client.SMembers(ctx, versionIndexKey(workflowName)).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: list versions smembers: %w", err)
	}

	var out []*version.Version
	for _, h := range hashes {
		v, getErr := s.GetWorkflowVersion(ctx, workflowName, h)
		if getErr != nil {
			if errors.Is(getErr, orchestra.ErrVersionNotFound) {
				continue
			}
			return nil, getErr
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].GraphHash < out[j].GraphHash
	})
	return out, nil
}
