// Package version keeps in-flight runs consistent across deployments.
//
// Graph definitions are snapshotted by content hash. When a run resumes
// after the live graph changed, the Resolver hands back the snapshot the
// run started with, or fails with orchestra.ErrVersionNotFound rather
// than applying the new graph to old state.
//
// Function contracts are versioned separately: Validate checks a
// manifest of recorded contract hashes against the functions in code and
// reports every change that needs, or skips, a version bump.
package version

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/id"
)

// Version is an immutable snapshot of a graph definition.
type Version struct {
	orchestra.Entity

	ID           id.VersionID    `json:"id"`
	WorkflowName string          `json:"workflow_name"`
	GraphHash    string          `json:"graph_hash"`
	Definition   json.RawMessage `json:"definition"`
	// Source fingerprints the artifact the definition was loaded from.
	Source string `json:"source"`
}

// Store persists version snapshots.
type Store interface {
	// UpsertWorkflowVersion records v unless a snapshot with the same
	// workflow name and hash exists, in which case it does nothing.
	UpsertWorkflowVersion(ctx context.Context, v *Version) error

	// GetWorkflowVersion returns a snapshot. Returns
	// orchestra.ErrVersionNotFound if absent.
	GetWorkflowVersion(ctx context.Context, workflowName, graphHash string) (*Version, error)

	// ListWorkflowVersions returns every snapshot of a workflow, oldest first.
	ListWorkflowVersions(ctx context.Context, workflowName string) ([]*Version, error)
}

// Snapshot builds the Version record of a compiled topology.
func Snapshot(top *graph.Topology) (*Version, error) {
	data, err := json.Marshal(top.Definition)
	if err != nil {
		return nil, fmt.Errorf("version: snapshot %s: %w", top.Definition.Name, err)
	}
	return &Version{
		Entity:       orchestra.NewEntity(),
		ID:           id.NewVersionID(),
		WorkflowName: top.Definition.Name,
		GraphHash:    top.Hash,
		Definition:   data,
		Source:       top.Source,
	}, nil
}

// RegisterAll snapshots every live graph. Call it once per deploy.
func RegisterAll(ctx context.Context, graphs *graph.Registry, store Store) (int, error) {
	n := 0
	for _, top := range graphs.All() {
		v, err := Snapshot(top)
		if err != nil {
			return n, err
		}
		if err := store.UpsertWorkflowVersion(ctx, v); err != nil {
			return n, fmt.Errorf("version: register %s@%s: %w", v.WorkflowName, v.GraphHash, err)
		}
		n++
	}
	return n, nil
}
