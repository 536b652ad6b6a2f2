package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	redisstore "github.com/xraph/orchestra/store/redis"
	"github.com/xraph/orchestra/store/storetest"
)

func setupRedisStore(t *testing.T, opts ...redisstore.Option) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client, opts...), mr
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		s, _ := setupRedisStore(t)
		return s
	})
}

func TestRedisStore_Ping(t *testing.T) {
	s, _ := setupRedisStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRedisStore_DequeueSkipsOtherQueues(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()

	runID := id.NewRunID()
	fast := queue.NewTask(queue.KindOrchestrate, runID, "wf")
	fast.Queue = "fast"
	slow := queue.NewTask(queue.KindOrchestrate, runID, "wf")
	slow.Queue = "slow"
	for _, task := range []*queue.Task{fast, slow} {
		if err := s.EnqueueTask(ctx, task); err != nil {
			t.Fatalf("EnqueueTask: %v", err)
		}
	}

	got, err := s.DequeueTasks(ctx, []string{"slow"}, 10)
	if err != nil {
		t.Fatalf("DequeueTasks: %v", err)
	}
	if len(got) != 1 || got[0].ID != slow.ID {
		t.Fatalf("expected only the slow task, got %d tasks", len(got))
	}
	if got[0].State != queue.StateRunning || got[0].Attempt != 1 {
		t.Errorf("claimed task state %s attempt %d", got[0].State, got[0].Attempt)
	}

	left, err := s.GetTask(ctx, fast.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if left.State != queue.StatePending {
		t.Errorf("fast task state = %s, want pending", left.State)
	}
}

func TestRedisStore_LockReleasedAfterExpiry(t *testing.T) {
	s, mr := setupRedisStore(t, redisstore.WithLockTTL(time.Second))
	ctx := context.Background()
	runID := id.NewRunID()

	// A crashed holder leaves its key behind until the TTL passes.
	mr.Set("orchestra:lock:run:"+runID.String(), "dead-holder")
	mr.SetTTL("orchestra:lock:run:"+runID.String(), time.Second)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.WithRunLock(short, runID, func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the lock to be busy, got %v", err)
	}

	mr.FastForward(2 * time.Second)
	ran := false
	if err := s.WithRunLock(ctx, runID, func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("WithRunLock: %v", err)
	}
	if !ran {
		t.Fatal("expected fn to run once the stale lock expired")
	}
}
