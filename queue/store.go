package queue

import (
	"context"
	"time"

	"github.com/xraph/orchestra/id"
)

// CountOpts filters task counts.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by state. Empty means all states.
	State State
}

// ListOpts filters and pages task listings.
type ListOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by state. Empty means all states.
	State State
	// Limit is the maximum number of tasks to return. Zero means no limit.
	Limit int
	// Offset is the number of tasks to skip.
	Offset int
}

// Store persists tasks for the worker pool.
type Store interface {
	// EnqueueTask persists a new pending task. Returns
	// orchestra.ErrDuplicateTask if the ID exists.
	EnqueueTask(ctx context.Context, t *Task) error

	// DequeueTasks claims up to limit due pending tasks from queues,
	// marks them running and returns them, oldest RunAt first.
	DequeueTasks(ctx context.Context, queues []string, limit int) ([]*Task, error)

	// GetTask retrieves a task. Returns orchestra.ErrTaskNotFound if absent.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// UpdateTask persists changes to an existing task.
	UpdateTask(ctx context.Context, t *Task) error

	// HeartbeatTask records that workerID still runs the task.
	HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error

	// ReapStaleTasks returns running tasks whose heartbeat is older than
	// threshold.
	ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*Task, error)

	// ListTasks returns tasks matching opts, oldest first.
	ListTasks(ctx context.Context, opts ListOpts) ([]*Task, error)

	// CountTasks counts tasks matching opts.
	CountTasks(ctx context.Context, opts CountOpts) (int64, error)
}
