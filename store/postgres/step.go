package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/workflow"
)

const stepColumns = `
	id, run_id, name, rpc_name, node_id, iteration, input, status, result, error,
	attempt_count, retries, retry_delay, branch_key,
	scheduled_at, running_at, succeeded_at, failed_at, created_at, updated_at`

// InsertStep creates a pending step, or returns the existing one with the
// same name.
func (s *Store) InsertStep(ctx context.Context, runID id.RunID, stepName, rpcName string, input []byte, opts workflow.StepOptions) (*workflow.Step, error) {
	st := workflow.NewStep(runID, stepName, rpcName, input, opts)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestra_steps (
			id, run_id, name, rpc_name, node_id, iteration, input, status,
			attempt_count, retries, retry_delay, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id, name) DO NOTHING`,
		st.ID, runID, st.Name, st.RPCName, st.NodeID, st.Iteration, st.Input, string(st.Status),
		st.AttemptCount, st.Retries, st.RetryDelay.Nanoseconds(), st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, orchestra.ErrRunNotFound
		}
		return nil, fmt.Errorf("orchestra/postgres: insert step: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM orchestra_steps WHERE run_id = $1 AND name = $2`,
		runID, stepName)
	out, err := scanStep(row)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: read inserted step: %w", err)
	}
	return out, nil
}

// GetStep returns the named step or a placeholder.
func (s *Store) GetStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.Step, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM orchestra_steps WHERE run_id = $1 AND name = $2`,
		runID, stepName)
	st, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return workflow.Placeholder(runID, stepName), nil
		}
		return nil, fmt.Errorf("orchestra/postgres: get step: %w", err)
	}
	return st, nil
}

// GetStepByID returns a step by ID.
func (s *Store) GetStepByID(ctx context.Context, stepID id.StepID) (*workflow.Step, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM orchestra_steps WHERE id = $1`, stepID)
	st, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, orchestra.ErrStepNotFound
		}
		return nil, fmt.Errorf("orchestra/postgres: get step by id: %w", err)
	}
	return st, nil
}

// ListSteps returns the run's steps in creation order.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM orchestra_steps WHERE run_id = $1 ORDER BY seq ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: list steps: %w", err)
	}
	defer rows.Close()

	return collectSteps(rows)
}

// mutateStep locks the step row, applies fn and writes every mutable
// column back in the same transaction.
func (s *Store) mutateStep(ctx context.Context, stepID id.StepID, fn func(st *workflow.Step, now time.Time) error) (*workflow.Step, error) {
	var out *workflow.Step
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+stepColumns+` FROM orchestra_steps WHERE id = $1 FOR UPDATE`, stepID)
		st, err := scanStep(row)
		if err != nil {
			if isNoRows(err) {
				return orchestra.ErrStepNotFound
			}
			return fmt.Errorf("orchestra/postgres: lock step: %w", err)
		}
		if err := fn(st, time.Now().UTC()); err != nil {
			return err
		}

		errData, err := encodeError(st.Error)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE orchestra_steps SET
				status = $2, result = $3, error = $4, attempt_count = $5, branch_key = $6,
				scheduled_at = $7, running_at = $8, succeeded_at = $9, failed_at = $10,
				updated_at = $11
			WHERE id = $1`,
			stepID, string(st.Status), st.Result, errData, st.AttemptCount, st.BranchKey,
			st.ScheduledAt, st.RunningAt, st.SucceededAt, st.FailedAt,
			st.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("orchestra/postgres: update step: %w", err)
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE orchestra_steps SET branch_key = $2, updated_at = NOW() WHERE id = $1`,
		stepID, key)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: set branch key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orchestra.ErrStepNotFound
	}
	return nil
}

// SetBranchTaken records the branch chosen by the named step.
func (s *Store) SetBranchTaken(ctx context.Context, runID id.RunID, stepName, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orchestra_steps SET branch_key = $3, updated_at = NOW() WHERE run_id = $1 AND name = $2`,
		runID, stepName, key)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: set branch taken: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orchestra.ErrStepNotFound
	}
	return nil
}

// graphStateColumns are the step columns graph state is derived from.
// Payloads stay in the table; only the error's permanent flag is read.
const graphStateColumns = `
	name, node_id, iteration, status, attempt_count, retries, branch_key,
	error IS NOT NULL, COALESCE((error->>'permanent')::boolean, false)`

// GetCompletedGraphState derives the run's graph state from the status
// columns of its node steps.
func (s *Store) GetCompletedGraphState(ctx context.Context, runID id.RunID) (*workflow.GraphState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+graphStateColumns+` FROM orchestra_steps
		WHERE run_id = $1 AND node_id <> '' ORDER BY seq ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: graph state: %w", err)
	}
	defer rows.Close()

	steps := make([]*workflow.Step, 0)
	for rows.Next() {
		var (
			st        workflow.Step
			status    string
			failed    bool
			permanent bool
		)
		if err := rows.Scan(
			&st.Name, &st.NodeID, &st.Iteration, &status, &st.AttemptCount, &st.Retries,
			&st.BranchKey, &failed, &permanent,
		); err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan graph state row: %w", err)
		}
		st.RunID = runID
		st.Status = workflow.StepStatus(status)
		if failed {
			st.Error = &workflow.ErrorInfo{Permanent: permanent}
		}
		steps = append(steps, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: iterate graph state rows: %w", err)
	}
	return workflow.BuildGraphState(steps), nil
}

// GetNodesWithoutSteps filters nodeIDs down to nodes with no step.
func (s *Store) GetNodesWithoutSteps(ctx context.Context, runID id.RunID, nodeIDs []string) ([]string, error) {
	out := make([]string, 0, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT node_id FROM orchestra_steps WHERE run_id = $1 AND node_id = ANY($2)`,
		runID, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: nodes without steps: %w", err)
	}
	seen, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: nodes without steps: %w", err)
	}

	have := make(map[string]struct{}, len(seen))
	for _, n := range seen {
		have[n] = struct{}{}
	}
	for _, n := range nodeIDs {
		if _, ok := have[n]; !ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetNodeResults returns the latest succeeded result of each requested node.
func (s *Store) GetNodeResults(ctx context.Context, runID id.RunID, nodeIDs []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (node_id) node_id, result
		FROM orchestra_steps
		WHERE run_id = $1 AND node_id = ANY($2) AND status = 'succeeded'
		ORDER BY node_id, iteration DESC, seq DESC`,
		runID, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: node results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			nodeID string
			result []byte
		)
		if err := rows.Scan(&nodeID, &result); err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan node result: %w", err)
		}
		out[nodeID] = json.RawMessage(result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: iterate node results: %w", err)
	}
	return out, nil
}

func scanStep(row pgx.Row) (*workflow.Step, error) {
	var (
		st         workflow.Step
		status     string
		errData    []byte
		retryDelay int64
	)
	err := row.Scan(
		&st.ID, &st.RunID, &st.Name, &st.RPCName, &st.NodeID, &st.Iteration,
		&st.Input, &status, &st.Result, &errData,
		&st.AttemptCount, &st.Retries, &retryDelay, &st.BranchKey,
		&st.ScheduledAt, &st.RunningAt, &st.SucceededAt, &st.FailedAt,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Status = workflow.StepStatus(status)
	st.RetryDelay = time.Duration(retryDelay)
	if st.Error, err = decodeError(errData); err != nil {
		return nil, err
	}
	return &st, nil
}

func collectSteps(rows pgx.Rows) ([]*workflow.Step, error) {
	steps := make([]*workflow.Step, 0)
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan step row: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: iterate step rows: %w", err)
	}
	return steps, nil
}
