package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/graph"
)

// Resolution tells which definition a run continues on.
type Resolution string

const (
	// ResolvedLive means the run's hash matches the live graph.
	ResolvedLive Resolution = "live"
	// ResolvedSnapshot means the run continues on a stored snapshot.
	ResolvedSnapshot Resolution = "snapshot"
)

// Resolver picks the graph a resumed run must use.
type Resolver struct {
	graphs *graph.Registry
	store  Store
	logger *slog.Logger
}

// NewResolver creates a Resolver over the live registry and snapshot store.
func NewResolver(graphs *graph.Registry, store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{graphs: graphs, store: store, logger: logger}
}

// Resolve returns the topology for a run of workflowName that started on
// graphHash: the live graph when the hashes match, otherwise the stored
// snapshot. It fails with orchestra.ErrVersionNotFound when neither exists.
func (r *Resolver) Resolve(ctx context.Context, workflowName, graphHash string) (*graph.Topology, Resolution, error) {
	live, err := r.graphs.Live(workflowName)
	if err != nil && !errors.Is(err, orchestra.ErrWorkflowNotFound) {
		return nil, "", err
	}
	if live != nil && live.Hash == graphHash {
		return live, ResolvedLive, nil
	}

	v, err := r.store.GetWorkflowVersion(ctx, workflowName, graphHash)
	if err != nil {
		if errors.Is(err, orchestra.ErrVersionNotFound) {
			return nil, "", fmt.Errorf("%w: %s@%s", orchestra.ErrVersionNotFound, workflowName, graphHash)
		}
		return nil, "", fmt.Errorf("version: load %s@%s: %w", workflowName, graphHash, err)
	}

	def, err := graph.Decode(v.Definition)
	if err != nil {
		return nil, "", fmt.Errorf("version: decode %s@%s: %w", workflowName, graphHash, err)
	}
	top, err := r.graphs.Compile(def)
	if err != nil {
		return nil, "", fmt.Errorf("version: compile %s@%s: %w", workflowName, graphHash, err)
	}
	if top.Hash != graphHash {
		r.logger.Warn("snapshot hash differs from its key",
			slog.String("workflow", workflowName),
			slog.String("key", graphHash),
			slog.String("computed", top.Hash),
		)
	}

	liveHash := ""
	if live != nil {
		liveHash = live.Hash
	}
	r.logger.Info("resuming run on graph snapshot",
		slog.String("workflow", workflowName),
		slog.String("graph_hash", graphHash),
		slog.String("live_hash", liveHash),
	)
	return top, ResolvedSnapshot, nil
}
