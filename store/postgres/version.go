package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/version"
)

const versionColumns = `id, workflow_name, graph_hash, definition, source, created_at, updated_at`

// UpsertWorkflowVersion records v unless the same name and hash exist.
func (s *Store) UpsertWorkflowVersion(ctx context.Context, v *version.Version) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestra_workflow_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_name, graph_hash) DO NOTHING`,
		v.ID, v.WorkflowName, v.GraphHash, []byte(v.Definition), v.Source, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: upsert workflow version: %w", err)
	}
	return nil
}

// GetWorkflowVersion returns a snapshot by name and hash.
func (s *Store) GetWorkflowVersion(ctx context.Context, workflowName, graphHash string) (*version.Version, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM orchestra_workflow_versions WHERE workflow_name = $1 AND graph_hash = $2`,
		workflowName, graphHash)
	v, err := scanVersion(row)
	if err != nil {
		if isNoRows(err) {
			return nil, orchestra.ErrVersionNotFound
		}
		return nil, fmt.Errorf("orchestra/postgres: get workflow version: %w", err)
	}
	return v, nil
}

// ListWorkflowVersions returns a workflow's snapshots, oldest first.
func (s *Store) ListWorkflowVersions(ctx context.Context, workflowName string) ([]*version.Version, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM orchestra_workflow_versions
		WHERE workflow_name = $1 ORDER BY created_at ASC, graph_hash ASC`,
		workflowName)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list workflow versions: %w", err)
	}
	defer rows.Close()

	var out []*version.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan version row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: iterate version rows: %w", err)
	}
	return out, nil
}

func scanVersion(row pgx.Row) (*version.Version, error) {
	var (
		v   version.Version
		def []byte
	)
	err := row.Scan(&v.ID, &v.WorkflowName, &v.GraphHash, &def, &v.Source, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.Definition = def
	return &v, nil
}
