package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spaolacci/murmur3"

	"github.com/xraph/orchestra/id"
)

// advisoryKey folds a lock name into the 64-bit key space of
// pg_advisory_lock.
func advisoryKey(name string) int64 {
	return int64(murmur3.Sum64([]byte(name))) //nolint:gosec // wraparound is fine for a hash
}

// withAdvisoryLock holds a session advisory lock on a dedicated
// connection while fn runs.
func (s *Store) withAdvisoryLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("orchestra/postgres: acquire lock conn: %w", err)
	}
	defer conn.Release()

	key := advisoryKey(name)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("orchestra/postgres: lock %s: %w", name, err)
	}
	defer func() {
		// The caller's context may be gone by now.
		unlockCtx := context.WithoutCancel(ctx)
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			s.logger.Error("advisory unlock failed, dropping connection",
				slog.String("lock", name),
				slog.String("error", err.Error()),
			)
			_ = conn.Conn().Close(unlockCtx)
		}
	}()

	return fn(ctx)
}

// WithRunLock runs fn while holding the run's advisory lock.
func (s *Store) WithRunLock(ctx context.Context, runID id.RunID, fn func(ctx context.Context) error) error {
	return s.withAdvisoryLock(ctx, "run:"+runID.String(), fn)
}

// WithStepLock runs fn while holding the step's advisory lock.
func (s *Store) WithStepLock(ctx context.Context, runID id.RunID, stepID id.StepID, fn func(ctx context.Context) error) error {
	return s.withAdvisoryLock(ctx, "step:"+runID.String()+":"+stepID.String(), fn)
}
