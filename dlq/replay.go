package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
)

// Replay returns a dead-lettered task to the pending state with a fresh
// delivery budget. The task keeps its ID and payload and is due at once.
func (s *Service) Replay(ctx context.Context, taskID id.TaskID) (*queue.Task, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	lastErr := t.LastError
	now := time.Now().UTC()
	t.State = queue.StatePending
	t.Attempt = 0
	t.LastError = ""
	t.WorkerID = id.Nil
	t.RunAt = now
	t.StartedAt = nil
	t.CompletedAt = nil
	t.HeartbeatAt = nil
	t.UpdatedAt = now

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("orchestra/dlq: replay %s: %w", taskID, err)
	}

	s.logger.Info("dead-lettered task replayed",
		slog.String("task_id", t.ID.String()),
		slog.String("kind", string(t.Kind)),
		slog.String("run_id", t.RunID.String()),
		slog.String("last_error", lastErr),
	)
	return t, nil
}

// ReplayAll replays every dead-lettered task on queueName (every queue
// when empty) and returns how many were replayed.
func (s *Service) ReplayAll(ctx context.Context, queueName string) (int, error) {
	tasks, err := s.List(ctx, ListOpts{Queue: queueName})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if _, err := s.Replay(ctx, t.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
