package memory

import (
	"context"
	"sort"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/version"
)

func versionKey(name, hash string) string {
	return name + "@" + hash
}

// UpsertWorkflowVersion records v unless the same name and hash exist.
func (m *Store) UpsertWorkflowVersion(_ context.Context, v *version.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := versionKey(v.WorkflowName, v.GraphHash)
	if _, ok := m.versions[key]; ok {
		return nil
	}
	cp := *v
	m.versions[key] = &cp
	return nil
}

// GetWorkflowVersion returns a snapshot by name and hash.
func (m *Store) GetWorkflowVersion(_ context.Context, workflowName, graphHash string) (*version.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[versionKey(workflowName, graphHash)]
	if !ok {
		return nil, orchestra.ErrVersionNotFound
	}
	cp := *v
	return &cp, nil
}

// ListWorkflowVersions returns a workflow's snapshots, oldest first.
func (m *Store) ListWorkflowVersions(_ context.Context, workflowName string) ([]*version.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*version.Version
	for _, v := range m.versions {
		if v.WorkflowName != workflowName {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].GraphHash < out[j].GraphHash
	})
	return out, nil
}
