package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
)

const taskColumns = `
	id, kind, queue, run_id, workflow_name, step_id, step_name, rpc_name, payload,
	state, attempt, max_attempts, last_error, worker_id,
	run_at, started_at, completed_at, heartbeat_at, created_at, updated_at`

// EnqueueTask persists a new pending task.
func (s *Store) EnqueueTask(ctx context.Context, t *queue.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestra_tasks (`+taskColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20
		)`,
		t.ID, string(t.Kind), t.Queue, t.RunID, t.WorkflowName, t.StepID, t.StepName, t.RPCName, t.Payload,
		string(t.State), t.Attempt, t.MaxAttempts, t.LastError, t.WorkerID,
		t.RunAt, t.StartedAt, t.CompletedAt, t.HeartbeatAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return orchestra.ErrDuplicateTask
		}
		return fmt.Errorf("orchestra/postgres: enqueue task: %w", err)
	}
	return nil
}

// DequeueTasks atomically claims up to limit due pending tasks from the
// given queues, sets them to running and returns them. Uses SELECT FOR
// UPDATE SKIP LOCKED so concurrent workers never claim the same task.
func (s *Store) DequeueTasks(ctx context.Context, queues []string, limit int) ([]*queue.Task, error) {
	if queues == nil {
		queues = []string{}
	}
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.pool.Query(ctx, `
		WITH dequeued AS (
			UPDATE orchestra_tasks
			SET state = 'running', attempt = attempt + 1,
				started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM orchestra_tasks
				WHERE state = 'pending'
				  AND (cardinality($1::text[]) = 0 OR queue = ANY($1))
				  AND run_at <= NOW()
				ORDER BY run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+taskColumns+`
		)
		SELECT * FROM dequeued ORDER BY run_at ASC`,
		queues, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: dequeue tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*queue.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM orchestra_tasks WHERE id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, orchestra.ErrTaskNotFound
		}
		return nil, fmt.Errorf("orchestra/postgres: get task: %w", err)
	}
	return t, nil
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *queue.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orchestra_tasks SET
			queue = $2, payload = $3, state = $4, attempt = $5, max_attempts = $6,
			last_error = $7, worker_id = $8, run_at = $9, started_at = $10,
			completed_at = $11, heartbeat_at = $12, updated_at = NOW()
		WHERE id = $1`,
		t.ID, t.Queue, t.Payload, string(t.State), t.Attempt, t.MaxAttempts,
		t.LastError, t.WorkerID, t.RunAt, t.StartedAt,
		t.CompletedAt, t.HeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orchestra.ErrTaskNotFound
	}
	return nil
}

// HeartbeatTask refreshes the heartbeat of a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orchestra_tasks SET worker_id = $2, heartbeat_at = NOW(), updated_at = NOW() WHERE id = $1`,
		taskID, workerID,
	)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: heartbeat task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orchestra.ErrTaskNotFound
	}
	return nil
}

// ReapStaleTasks returns running tasks with a heartbeat older than threshold.
func (s *Store) ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*queue.Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM orchestra_tasks
		WHERE state = 'running' AND heartbeat_at < $1
		ORDER BY heartbeat_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestra/postgres: reap stale tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListTasks returns tasks matching opts, oldest first.
func (s *Store) ListTasks(ctx context.Context, opts queue.ListOpts) ([]*queue.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM orchestra_tasks WHERE TRUE`
	var args []any
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

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
		return nil, fmt.Errorf("orchestra/postgres: list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CountTasks counts tasks matching opts.
func (s *Store) CountTasks(ctx context.Context, opts queue.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM orchestra_tasks WHERE TRUE`
	var args []any
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("orchestra/postgres: count tasks: %w", err)
	}
	return n, nil
}

func scanTask(row pgx.Row) (*queue.Task, error) {
	var (
		t     queue.Task
		kind  string
		state string
	)
	err := row.Scan(
		&t.ID, &kind, &t.Queue, &t.RunID, &t.WorkflowName, &t.StepID, &t.StepName, &t.RPCName, &t.Payload,
		&state, &t.Attempt, &t.MaxAttempts, &t.LastError, &t.WorkerID,
		&t.RunAt, &t.StartedAt, &t.CompletedAt, &t.HeartbeatAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = queue.Kind(kind)
	t.State = queue.State(state)
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*queue.Task, error) {
	var tasks []*queue.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("orchestra/postgres: scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orchestra/postgres: iterate task rows: %w", err)
	}
	return tasks, nil
}
