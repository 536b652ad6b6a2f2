// Package worker provides the task execution layer: a Runner that hands
// tasks to a Handler through middleware and redelivers tasks that fail
// with infrastructure errors, and a Pool that manages concurrent worker
// goroutines polling the task store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/middleware"
	"github.com/xraph/orchestra/queue"
)

// Handler performs the work a task names. The engine implements it.
// A returned error means the task could not be handled (store outage,
// lock contention) and should be delivered again; step failures are
// recorded on the step and are not task errors.
type Handler interface {
	HandleTask(ctx context.Context, t *queue.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *queue.Task) error

// HandleTask implements Handler.
func (f HandlerFunc) HandleTask(ctx context.Context, t *queue.Task) error { return f(ctx, t) }

// Runner runs a single task through middleware and the handler, then
// records the delivery outcome on the task.
type Runner struct {
	handler    Handler
	extensions *ext.Registry
	store      queue.Store
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewRunner creates a Runner with the given dependencies.
func NewRunner(
	handler Handler,
	extensions *ext.Registry,
	store queue.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Runner {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Runner{
		handler:    handler,
		extensions: extensions,
		store:      store,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Run handles a dequeued task.
// On success: marks it completed.
// On error with attempts left: returns it to pending after a backoff delay.
// On error with attempts exhausted: marks it failed and emits TaskAbandoned.
func (r *Runner) Run(ctx context.Context, t *queue.Task) error {
	terminal := func(ctx context.Context) error {
		return r.handler.HandleTask(ctx, t)
	}

	err := r.mw(ctx, t, terminal)
	now := time.Now().UTC()
	t.UpdatedAt = now

	if err != nil {
		return r.handleFailure(ctx, t, err, now)
	}

	t.State = queue.StateCompleted
	t.CompletedAt = &now
	t.LastError = ""
	if updateErr := r.store.UpdateTask(ctx, t); updateErr != nil {
		r.logger.Error("failed to update task after success",
			slog.String("task_id", t.ID.String()),
			slog.String("kind", string(t.Kind)),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}
	return nil
}

func (r *Runner) handleFailure(ctx context.Context, t *queue.Task, taskErr error, now time.Time) error {
	t.LastError = taskErr.Error()
	t.WorkerID = id.Nil
	t.HeartbeatAt = nil

	if t.MaxAttempts <= 0 || t.Attempt < t.MaxAttempts {
		delay := r.backoff.Delay(t.Attempt)
		t.State = queue.StatePending
		t.RunAt = now.Add(delay)
		t.StartedAt = nil
		if updateErr := r.store.UpdateTask(ctx, t); updateErr != nil {
			r.logger.Error("failed to update task for redelivery",
				slog.String("task_id", t.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			return updateErr
		}
		r.logger.Info("task scheduled for redelivery",
			slog.String("task_id", t.ID.String()),
			slog.String("kind", string(t.Kind)),
			slog.String("run_id", t.RunID.String()),
			slog.Int("attempt", t.Attempt),
			slog.Int("max_attempts", t.MaxAttempts),
			slog.Duration("delay", delay),
		)
		return fmt.Errorf("task %s attempt %d/%d: %w", t.Kind, t.Attempt, t.MaxAttempts, taskErr)
	}

	t.State = queue.StateFailed
	t.CompletedAt = &now
	if updateErr := r.store.UpdateTask(ctx, t); updateErr != nil {
		r.logger.Error("failed to update task as failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	r.extensions.EmitTaskAbandoned(ctx, t, taskErr)
	r.logger.Warn("task abandoned after exhausting delivery attempts",
		slog.String("task_id", t.ID.String()),
		slog.String("kind", string(t.Kind)),
		slog.String("run_id", t.RunID.String()),
		slog.Int("attempts", t.Attempt),
		slog.String("error", taskErr.Error()),
	)
	return taskErr
}
