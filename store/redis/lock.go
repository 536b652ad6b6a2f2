package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra/id"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// refreshScript extends the lock only while it still holds our token.
var refreshScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// withLock acquires a token lock with SET NX PX, polling until it is free,
// keeps it alive while fn runs and releases it afterwards.
func (s *Store) withLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	key := lockKey(name)
	token := id.NewWorkerID().String()

	ticker := time.NewTicker(s.lockPoll)
	defer ticker.Stop()
	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("orchestra/redis: lock %s: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(s.lockTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				err := refreshScript.Run(context.WithoutCancel(ctx), s.client,
					[]string{key}, token, s.lockTTL.Milliseconds()).Err()
				if err != nil {
					s.logger.Warn("lock refresh failed",
						slog.String("lock", name),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	defer func() {
		close(stop)
		<-done
		if err := releaseScript.Run(context.WithoutCancel(ctx), s.client, []string{key}, token).Err(); err != nil {
			s.logger.Error("lock release failed",
				slog.String("lock", name),
				slog.String("error", err.Error()),
			)
		}
	}()

	return fn(ctx)
}

// WithRunLock runs fn while holding the run's lock.
func (s *Store) WithRunLock(ctx context.Context, runID id.RunID, fn func(ctx context.Context) error) error {
	return s.withLock(ctx, "run:"+runID.String(), fn)
}

// WithStepLock runs fn while holding the step's lock.
func (s *Store) WithStepLock(ctx context.Context, runID id.RunID, stepID id.StepID, fn func(ctx context.Context) error) error {
	return s.withLock(ctx, "step:"+runID.String()+":"+stepID.String(), fn)
}
