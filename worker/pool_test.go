package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/middleware"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/store/memory"
	"github.com/xraph/orchestra/worker"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestPool(t *testing.T, handler worker.Handler, extensions *ext.Registry, opts ...worker.PoolOption) (
	*worker.Pool, *memory.Store,
) {
	t.Helper()
	logger := discard()
	s := memory.New()
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}

	runner := worker.NewRunner(
		handler, extensions, s, backoff.NewConstant(10*time.Millisecond), logger,
		middleware.Recover(logger),
	)

	base := []worker.PoolOption{
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(10 * time.Millisecond),
		worker.WithPoolQueues([]string{queue.DefaultQueue}),
	}
	pool := worker.NewPool(s, runner, logger, append(base, opts...)...)
	return pool, s
}

func enqueue(t *testing.T, s *memory.Store, maxAttempts int) *queue.Task {
	t.Helper()
	task := queue.NewTask(queue.KindOrchestrate, id.NewRunID(), "checkout")
	task.MaxAttempts = maxAttempts
	if err := s.EnqueueTask(context.Background(), task); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	return task
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func stopPool(t *testing.T, pool *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func noop() worker.Handler {
	return worker.HandlerFunc(func(context.Context, *queue.Task) error { return nil })
}

func TestPool_StartStop(t *testing.T) {
	pool, _ := setupTestPool(t, noop(), nil, worker.WithPoolConcurrency(2))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	stopPool(t, pool)

	// Double stop should be no-op.
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesTask(t *testing.T) {
	var seen atomic.Value
	var processed atomic.Bool
	handler := worker.HandlerFunc(func(_ context.Context, task *queue.Task) error {
		seen.Store(task.Kind)
		processed.Store(true)
		return nil
	})
	pool, s := setupTestPool(t, handler, nil)
	task := enqueue(t, s, 3)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "task to be processed", processed.Load)
	stopPool(t, pool)

	if got := seen.Load(); got != queue.KindOrchestrate {
		t.Errorf("kind = %v, want %v", got, queue.KindOrchestrate)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task error: %v", err)
	}
	if got.State != queue.StateCompleted {
		t.Errorf("task state = %q, want %q", got.State, queue.StateCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
}

func TestPool_RedeliversFailedTask(t *testing.T) {
	var calls atomic.Int32
	handler := worker.HandlerFunc(func(context.Context, *queue.Task) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})
	pool, s := setupTestPool(t, handler, nil)
	task := enqueue(t, s, 5)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "third delivery", func() bool { return calls.Load() >= 3 })
	stopPool(t, pool)

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task error: %v", err)
	}
	if got.State != queue.StateCompleted {
		t.Errorf("task state = %q, want %q", got.State, queue.StateCompleted)
	}
	if got.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", got.Attempt)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want empty after success", got.LastError)
	}
}

func TestPool_AbandonsExhaustedTask(t *testing.T) {
	logger := discard()
	extensions := ext.NewRegistry(logger)
	tracker := &trackingExt{}
	extensions.Register(tracker)

	handler := worker.HandlerFunc(func(context.Context, *queue.Task) error {
		return context.DeadlineExceeded
	})
	pool, s := setupTestPool(t, handler, extensions)
	task := enqueue(t, s, 1)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "task to be abandoned", tracker.abandoned.Load)
	stopPool(t, pool)

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task error: %v", err)
	}
	if got.State != queue.StateFailed {
		t.Errorf("task state = %q, want %q", got.State, queue.StateFailed)
	}
	if got.LastError == "" {
		t.Error("expected LastError to be set")
	}
}

func TestPool_RecoversPanickingHandler(t *testing.T) {
	logger := discard()
	extensions := ext.NewRegistry(logger)
	tracker := &trackingExt{}
	extensions.Register(tracker)

	handler := worker.HandlerFunc(func(context.Context, *queue.Task) error {
		panic("boom")
	})
	pool, s := setupTestPool(t, handler, extensions)
	enqueue(t, s, 1)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "panicking task to be abandoned", tracker.abandoned.Load)
	stopPool(t, pool)
}

func TestPool_QueueManagerLimitsConcurrency(t *testing.T) {
	var active, peak, done atomic.Int32
	handler := worker.HandlerFunc(func(context.Context, *queue.Task) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return nil
	})

	manager := queue.NewManager(queue.Config{Name: queue.DefaultQueue, MaxConcurrency: 1})
	pool, s := setupTestPool(t, handler, nil,
		worker.WithPoolConcurrency(3),
		worker.WithQueueManager(manager),
	)
	for range 3 {
		enqueue(t, s, 3)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "all tasks", func() bool { return done.Load() == 3 })
	stopPool(t, pool)

	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrency = %d, want 1", p)
	}

	n, err := s.CountTasks(context.Background(), queue.CountOpts{State: queue.StateCompleted})
	if err != nil {
		t.Fatalf("count error: %v", err)
	}
	if n != 3 {
		t.Errorf("completed tasks = %d, want 3", n)
	}
}

func TestPool_GracefulShutdown(t *testing.T) {
	pool, _ := setupTestPool(t, noop(), nil, worker.WithPoolConcurrency(4))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	// Allow workers to start polling.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("graceful shutdown failed: %v", err)
	}
}

func TestPool_ReapsStaleTask(t *testing.T) {
	var processed atomic.Bool
	handler := worker.HandlerFunc(func(context.Context, *queue.Task) error {
		processed.Store(true)
		return nil
	})
	pool, s := setupTestPool(t, handler, nil, worker.WithStaleTaskThreshold(50*time.Millisecond))

	// Simulate a task claimed by a worker that died mid-flight.
	task := enqueue(t, s, 3)
	claimed, err := s.DequeueTasks(context.Background(), []string{queue.DefaultQueue}, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("dequeue: %v (%d tasks)", err, len(claimed))
	}
	stale := time.Now().UTC().Add(-time.Minute)
	claimed[0].HeartbeatAt = &stale
	if err := s.UpdateTask(context.Background(), claimed[0]); err != nil {
		t.Fatalf("update error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "reaped task to be processed", processed.Load)
	stopPool(t, pool)

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task error: %v", err)
	}
	if got.State != queue.StateCompleted {
		t.Errorf("task state = %q, want %q", got.State, queue.StateCompleted)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// trackingExt records which hooks fired.
type trackingExt struct {
	abandoned atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnTaskAbandoned(_ context.Context, _ *queue.Task, _ error) error {
	e.abandoned.Store(true)
	return nil
}
