package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/version"
	"github.com/xraph/orchestra/workflow"
)

// Compile-time interface checks.
var (
	_ workflow.Store = (*Store)(nil)
	_ version.Store  = (*Store)(nil)
	_ queue.Store    = (*Store)(nil)
)

// DefaultLockTTL bounds how long a lock survives a crashed holder.
const DefaultLockTTL = 30 * time.Second

// maxWatchRetries caps optimistic transaction retries under contention.
const maxWatchRetries = 16

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithLockTTL sets the expiry of run and step locks. Held locks are
// refreshed at a third of the TTL.
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) { s.lockTTL = d }
}

// WithLockPollInterval sets how often a blocked WithRunLock or
// WithStepLock retries.
func WithLockPollInterval(d time.Duration) Option {
	return func(s *Store) { s.lockPoll = d }
}

// Store implements the composite store interface backed by Redis.
type Store struct {
	client   goredis.UniversalClient
	logger   *slog.Logger
	lockTTL  time.Duration
	lockPoll time.Duration
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:   client,
		logger:   slog.Default(),
		lockTTL:  DefaultLockTTL,
		lockPoll: 10 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// hashReader is satisfied by both the client and a WATCH transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

// watch runs fn in an optimistic WATCH/MULTI transaction on key, retrying
// when another client modified the key first.
func (s *Store) watch(ctx context.Context, key string, fn func(tx *goredis.Tx) error) error {
	for range maxWatchRetries {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("orchestra/redis: transaction on %s kept conflicting", key)
}
