package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/orchestra/id"
)

func TestManager_Unconfigured(t *testing.T) {
	m := NewManager()
	if !m.Acquire("any", "wf") {
		t.Fatal("expected Acquire to succeed for unconfigured queue")
	}
	m.Release("any", "wf")
}

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{Name: "steps", MaxConcurrency: 2})

	if !m.Acquire("steps", "") || !m.Acquire("steps", "") {
		t.Fatal("first two Acquire calls should succeed")
	}
	if m.Acquire("steps", "") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}
	m.Release("steps", "")
	if !m.Acquire("steps", "") {
		t.Fatal("Acquire should succeed after Release")
	}
	if got := m.ActiveCount("steps"); got != 2 {
		t.Fatalf("expected 2 active, got %d", got)
	}
}

func TestManager_RateLimit(t *testing.T) {
	m := NewManager(Config{Name: "slow", RateLimit: 1, RateBurst: 2})

	if !m.Acquire("slow", "") || !m.Acquire("slow", "") {
		t.Fatal("burst of 2 should be allowed")
	}
	if m.Acquire("slow", "") {
		t.Fatal("third Acquire should be rate limited")
	}
}

func TestManager_WorkflowLimits(t *testing.T) {
	m := NewManager(Config{Name: "default", MaxConcurrency: 10})
	m.SetWorkflowConfig(WorkflowConfig{QueueName: "default", WorkflowName: "billing", MaxConcurrency: 1})

	if !m.Acquire("default", "billing") {
		t.Fatal("first billing task should be allowed")
	}
	if m.Acquire("default", "billing") {
		t.Fatal("second billing task should be blocked")
	}
	if !m.Acquire("default", "emails") {
		t.Fatal("other workflows must not be blocked")
	}
	if got := m.ActiveCount("default"); got != 2 {
		t.Fatalf("expected queue active 2, got %d", got)
	}
	if got := m.WorkflowActiveCount("default", "billing"); got != 1 {
		t.Fatalf("expected billing active 1, got %d", got)
	}

	m.Release("default", "billing")
	if got := m.WorkflowActiveCount("default", "billing"); got != 0 {
		t.Fatalf("expected billing active 0, got %d", got)
	}
}

func TestManager_SaturatedDoesNotSpendTokens(t *testing.T) {
	m := NewManager(Config{Name: "q", RateLimit: 0.001, RateBurst: 1})
	m.SetWorkflowConfig(WorkflowConfig{QueueName: "q", WorkflowName: "wf", MaxConcurrency: 1})
	m.SetQueueConfig(Config{Name: "q", MaxConcurrency: 1, RateLimit: 0.001, RateBurst: 1})

	if !m.Acquire("q", "wf") {
		t.Fatal("first Acquire should succeed")
	}
	if m.Acquire("q", "wf") {
		t.Fatal("second Acquire should fail")
	}
}

func TestManager_SetQueueConfigKeepsActive(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 5})
	m.Acquire("q", "")
	m.Acquire("q", "")
	m.SetQueueConfig(Config{Name: "q", MaxConcurrency: 2})

	if got := m.ActiveCount("q"); got != 2 {
		t.Fatalf("expected 2 active after reconfigure, got %d", got)
	}
	if m.Acquire("q", "") {
		t.Fatal("Acquire should fail at new limit")
	}
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 3})
	var peak, cur atomic.Int32
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.Acquire("q", "") {
				return
			}
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
			m.Release("q", "")
		}()
	}
	wg.Wait()

	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeded limit 3", peak.Load())
	}
}

func TestBuffer_OrdersByRunAt(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer()
	runID := id.NewRunID()

	late := NewTask(KindWake, runID, "wf")
	early := NewTask(KindOrchestrate, runID, "wf")
	if err := b.Schedule(ctx, time.Hour, late); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Enqueue(ctx, early); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	due := b.TakeDue(time.Now().UTC())
	if len(due) != 1 || due[0] != early {
		t.Fatalf("expected only the immediate task to be due, got %d", len(due))
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 waiting task, got %d", b.Len())
	}
	at, ok := b.NextDue()
	if !ok || !at.Equal(late.RunAt) {
		t.Fatalf("expected next due at %v, got %v", late.RunAt, at)
	}
}

func TestBuffer_WaitEmpty(t *testing.T) {
	ok, err := NewBuffer().Wait(context.Background())
	if err != nil || ok {
		t.Fatalf("expected (false, nil) on empty buffer, got (%v, %v)", ok, err)
	}
}

func TestBuffer_WaitHonoursContext(t *testing.T) {
	b := NewBuffer()
	_ = b.Schedule(context.Background(), time.Hour, NewTask(KindWake, id.NewRunID(), "wf"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestPrepareDefaults(t *testing.T) {
	task := &Task{}
	prepare(task, 0, 4)
	if task.Queue != DefaultQueue || task.MaxAttempts != 4 || task.State != StatePending {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if task.RunAt.IsZero() {
		t.Fatal("expected RunAt to be set")
	}
}
