package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/orchestra/queue"
)

// Logging returns middleware that logs task start and completion. Graph
// node tasks also carry their node and iteration.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *queue.Task, next Handler) error {
		l := logger.With(
			slog.String("kind", string(t.Kind)),
			slog.String("task_id", t.ID.String()),
			slog.String("run_id", t.RunID.String()),
			slog.String("workflow", t.WorkflowName),
		)
		if nodeID, iter, ok := graphNode(t); ok {
			l = l.With(slog.String("node", nodeID), slog.Int("iteration", iter))
		}

		l.Debug("task started",
			slog.String("step", t.StepName),
			slog.String("queue", t.Queue),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			l.Error("task failed",
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			l.Debug("task completed", slog.Duration("elapsed", elapsed))
		}

		return err
	}
}
