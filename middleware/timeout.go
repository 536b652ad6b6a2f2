package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/orchestra/queue"
)

// Timeout returns middleware that bounds how long one task may be
// handled. A non-positive d disables it. When the deadline passes the
// context is cancelled and the handler should return
// context.DeadlineExceeded.
func Timeout(d time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *queue.Task, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		logger.Debug("task timeout set",
			slog.String("task_id", t.ID.String()),
			slog.Duration("timeout", d),
		)
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
