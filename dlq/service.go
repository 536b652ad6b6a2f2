package dlq

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
)

// ErrNotDeadLettered is returned when a task exists but has not failed.
var ErrNotDeadLettered = errors.New("orchestra/dlq: task is not dead-lettered")

// ListOpts controls pagination and filtering for dead letter listings.
type ListOpts struct {
	// Limit is the maximum number of tasks to return. Zero means no limit.
	Limit int
	// Offset is the number of tasks to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// Service provides dead letter operations over a queue store.
type Service struct {
	store  queue.Store
	logger *slog.Logger
}

// NewService creates a DLQ service.
func NewService(store queue.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// List returns dead-lettered tasks, oldest first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*queue.Task, error) {
	return s.store.ListTasks(ctx, queue.ListOpts{
		Queue:  opts.Queue,
		State:  queue.StateFailed,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// Get returns a dead-lettered task. Returns orchestra.ErrTaskNotFound if
// the task does not exist and ErrNotDeadLettered if it has not failed.
func (s *Service) Get(ctx context.Context, taskID id.TaskID) (*queue.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.State != queue.StateFailed {
		return nil, ErrNotDeadLettered
	}
	return t, nil
}

// Count returns the number of dead-lettered tasks on queueName, or on
// every queue when queueName is empty.
func (s *Service) Count(ctx context.Context, queueName string) (int64, error) {
	return s.store.CountTasks(ctx, queue.CountOpts{Queue: queueName, State: queue.StateFailed})
}
