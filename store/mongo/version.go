package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/version"
)

// UpsertWorkflowVersion records v unless the same name and hash exist.
func (s *Store) UpsertWorkflowVersion(ctx context.Context, v *version.Version) error {
	_, err := s.db.Collection(colVersions).InsertOne(ctx, toVersionModel(v))
	if err != nil && !isDuplicateKey(err) {
		return fmt.Errorf("orchestra/mongo: upsert workflow version: %w", err)
	}
	return nil
}

// GetWorkflowVersion returns a snapshot by name and hash.
func (s *Store) GetWorkflowVersion(ctx context.Context, workflowName, graphHash string) (*version.Version, error) {
	var m versionModel
	err := s.db.Collection(colVersions).FindOne(ctx, bson.M{
		"workflow_name": workflowName,
		"graph_hash":    graphHash,
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, orchestra.ErrVersionNotFound
		}
		return nil, fmt.Errorf("orchestra/mongo: get workflow version: %w", err)
	}
	return fromVersionModel(&m)
}

// ListWorkflowVersions returns a workflow's snapshots, oldest first.
func (s *Store) ListWorkflowVersions(ctx context.Context, workflowName string) ([]*version.Version, error) {
	cursor, err := s.db.Collection(colVersions).Find(ctx,
		bson.M{"workflow_name": workflowName},
		options.Find().SetSort(bson.D{
			{Key: "created_at", Value: 1},
			{Key: "graph_hash", Value: 1},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: list workflow versions: %w", err)
	}
	var models []versionModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("orchestra/mongo: list workflow versions decode: %w", err)
	}

	out := make([]*version.Version, 0, len(models))
	for i := range models {
		v, convErr := fromVersionModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, v)
	}
	return out, nil
}
