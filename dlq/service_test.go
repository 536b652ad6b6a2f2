package dlq_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/orchestra"
	orchestraDLQ "github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// enqueueFailed stores a task that exhausted its delivery attempts.
func enqueueFailed(t *testing.T, s *memory.Store, queueName string) *queue.Task {
	t.Helper()
	now := time.Now().UTC()
	task := queue.NewTask(queue.KindGraphNode, id.NewRunID(), "order-flow")
	task.ForStep(id.NewStepID(), "node:charge", "payments.charge")
	task.Queue = queueName
	task.State = queue.StateFailed
	task.Attempt = 3
	task.MaxAttempts = 3
	task.LastError = "store unavailable"
	task.WorkerID = id.NewWorkerID()
	task.StartedAt = &now
	task.CompletedAt = &now
	if err := s.EnqueueTask(context.Background(), task); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	return task
}

func TestService_ListOnlyFailed(t *testing.T) {
	s := memory.New()
	svc := orchestraDLQ.NewService(s, quietLogger())
	ctx := context.Background()

	failed := enqueueFailed(t, s, "default")
	enqueueFailed(t, s, "graphs")
	pending := queue.NewTask(queue.KindOrchestrate, id.NewRunID(), "wf")
	if err := s.EnqueueTask(ctx, pending); err != nil {
		t.Fatal(err)
	}

	all, err := svc.List(ctx, orchestraDLQ.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 dead-lettered tasks, got %d", len(all))
	}

	onDefault, err := svc.List(ctx, orchestraDLQ.ListOpts{Queue: "default"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(onDefault) != 1 || onDefault[0].ID != failed.ID {
		t.Fatalf("expected the default-queue task, got %d", len(onDefault))
	}
	if onDefault[0].LastError != "store unavailable" {
		t.Errorf("LastError = %q", onDefault[0].LastError)
	}

	n, err := svc.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestService_Get(t *testing.T) {
	s := memory.New()
	svc := orchestraDLQ.NewService(s, quietLogger())
	ctx := context.Background()

	failed := enqueueFailed(t, s, "default")
	got, err := svc.Get(ctx, failed.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RunID != failed.RunID {
		t.Errorf("RunID = %v, want %v", got.RunID, failed.RunID)
	}

	pending := queue.NewTask(queue.KindOrchestrate, id.NewRunID(), "wf")
	if err := s.EnqueueTask(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, pending.ID); !errors.Is(err, orchestraDLQ.ErrNotDeadLettered) {
		t.Errorf("expected ErrNotDeadLettered, got %v", err)
	}
	if _, err := svc.Get(ctx, id.NewTaskID()); !errors.Is(err, orchestra.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestService_ReplayResetsDelivery(t *testing.T) {
	s := memory.New()
	svc := orchestraDLQ.NewService(s, quietLogger())
	ctx := context.Background()

	failed := enqueueFailed(t, s, "default")
	replayed, err := svc.Replay(ctx, failed.ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed.ID != failed.ID {
		t.Errorf("replay changed the task ID")
	}

	stored, err := s.GetTask(ctx, failed.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.State != queue.StatePending {
		t.Errorf("State = %q, want pending", stored.State)
	}
	if stored.Attempt != 0 || stored.LastError != "" || !stored.WorkerID.IsNil() {
		t.Errorf("delivery not reset: attempt=%d err=%q worker=%v", stored.Attempt, stored.LastError, stored.WorkerID)
	}
	if stored.CompletedAt != nil || stored.StartedAt != nil {
		t.Error("expected timestamps of the failed delivery to be cleared")
	}
	if stored.StepName != "node:charge" || stored.RPCName != "payments.charge" {
		t.Errorf("payload fields lost: %+v", stored)
	}

	// The replayed task is deliverable again.
	claimed, err := s.DequeueTasks(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("DequeueTasks: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != failed.ID || claimed[0].Attempt != 1 {
		t.Fatalf("expected the replayed task to be claimed on attempt 1, got %d tasks", len(claimed))
	}

	// It is no longer dead-lettered.
	if _, err := svc.Replay(ctx, failed.ID); !errors.Is(err, orchestraDLQ.ErrNotDeadLettered) {
		t.Errorf("expected ErrNotDeadLettered on second replay, got %v", err)
	}
}

func TestService_ReplayAll(t *testing.T) {
	s := memory.New()
	svc := orchestraDLQ.NewService(s, quietLogger())
	ctx := context.Background()

	enqueueFailed(t, s, "default")
	enqueueFailed(t, s, "default")
	enqueueFailed(t, s, "graphs")

	n, err := svc.ReplayAll(ctx, "default")
	if err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}
	if n != 2 {
		t.Errorf("replayed %d, want 2", n)
	}
	left, _ := svc.Count(ctx, "")
	if left != 1 {
		t.Errorf("remaining dead letters = %d, want 1", left)
	}
}

func TestService_Replay_NotFoundReturnsError(t *testing.T) {
	svc := orchestraDLQ.NewService(memory.New(), quietLogger())
	if _, err := svc.Replay(context.Background(), id.NewTaskID()); !errors.Is(err, orchestra.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
