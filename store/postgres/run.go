package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/workflow"
)

const runColumns = `
	id, workflow_name, kind, graph_hash, status, input, output, error,
	inline, started_at, completed_at, created_at, updated_at`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	errData, err := encodeError(run.Error)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orchestra_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.WorkflowName, string(run.Kind), run.GraphHash, string(run.Status),
		run.Input, run.Output, errData,
		run.Inline, run.StartedAt, run.CompletedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("orchestra/postgres: run %s already exists", run.ID)
		}
		return fmt.Errorf("orchestra/postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM orchestra_runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, orchestra.ErrRunNotFound
		}
		return nil, fmt.Errorf("orchestra/postgres: get run: %w", err)
	}
	return r, nil
}

// UpdateRunStatus applies a status change under a row lock so that
// concurrent writers never resurrect a terminal run.
func (s *Store) UpdateRunStatus(ctx context.Context, runID id.RunID, status workflow.RunStatus, output []byte, runErr *workflow.ErrorInfo) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM orchestra_runs WHERE id = $1 FOR UPDATE`, runID)
		r, err := scanRun(row)
		if err != nil {
			if isNoRows(err) {
				return orchestra.ErrRunNotFound
			}
			return fmt.Errorf("orchestra/postgres: lock run: %w", err)
		}
		if err := r.ApplyStatus(status, output, runErr); err != nil {
			return err
		}

		errData, err := encodeError(r.Error)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE orchestra_runs
			SET status = $2, output = $3, error = $4, completed_at = $5, updated_at = $6
			WHERE id = $1`,
			runID, string(r.Status), r.Output, errData, r.CompletedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("orchestra/postgres: update run status: %w", err)
		}
		return nil
	})
}

// ListRuns returns runs matching opts, newest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	query := `SELECT ` + runColumns + ` FROM orchestra_runs WHERE TRUE`
	var args []any
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.WorkflowName != "" {
		query += fmt.Sprintf(" AND workflow_name = $%d", argIdx)
		args = append(args, opts.WorkflowName)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// GetRunState returns the run's state. Unknown runs yield an empty map.
func (s *Store) GetRunState(ctx context.Context, runID id.RunID) (map[string]json.RawMessage, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM orchestra_runs WHERE id = $1`, runID,
	).Scan(&data)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("orchestra/postgres: get run state: %w", err)
	}
	return decodeState(data)
}

// UpdateRunState merges patch into the run's state.
func (s *Store) UpdateRunState(ctx context.Context, runID id.RunID, patch map[string]json.RawMessage) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx,
			`SELECT state FROM orchestra_runs WHERE id = $1 FOR UPDATE`, runID,
		).Scan(&data)
		if err != nil {
			if isNoRows(err) {
				return orchestra.ErrRunNotFound
			}
			return fmt.Errorf("orchestra/postgres: lock run state: %w", err)
		}

		state, err := decodeState(data)
		if err != nil {
			return err
		}
		workflow.MergeRunState(state, patch)
		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("orchestra/postgres: encode run state: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE orchestra_runs SET state = $2, updated_at = NOW() WHERE id = $1`,
			runID, encoded,
		)
		if err != nil {
			return fmt.Errorf("orchestra/postgres: update run state: %w", err)
		}
		return nil
	})
}

func decodeState(data []byte) (map[string]json.RawMessage, error) {
	state := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: decode run state: %w", err)
	}
	return state, nil
}

func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		r       workflow.Run
		kind    string
		status  string
		errData []byte
	)
	err := row.Scan(
		&r.ID, &r.WorkflowName, &kind, &r.GraphHash, &status,
		&r.Input, &r.Output, &errData,
		&r.Inline, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Kind = workflow.Kind(kind)
	r.Status = workflow.RunStatus(status)
	if r.Error, err = decodeError(errData); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]*workflow.Run, error) {
	var runs []*workflow.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: iterate run rows: %w", err)
	}
	return runs, nil
}
