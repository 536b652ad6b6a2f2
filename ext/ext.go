// Package ext defines the extension system for orchestra.
// Extensions are notified of lifecycle events (run started, step failed,
// task abandoned, etc.) and can react to them: logging, metrics, audit.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Run lifecycle hooks
// ──────────────────────────────────────────────────

// RunStarted is called after a run is created.
type RunStarted interface {
	OnRunStarted(ctx context.Context, run *workflow.Run) error
}

// RunCompleted is called after a run completes.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) error
}

// RunFailed is called when a run fails terminally.
type RunFailed interface {
	OnRunFailed(ctx context.Context, run *workflow.Run, err error) error
}

// RunCancelled is called when an orchestration pass fails a run because
// cancellation was requested.
type RunCancelled interface {
	OnRunCancelled(ctx context.Context, run *workflow.Run, reason string) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepScheduled is called after a step or graph node is handed to the
// queue.
type StepScheduled interface {
	OnStepScheduled(ctx context.Context, t *queue.Task) error
}

// StepCompleted is called after a step succeeds.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, run *workflow.Run, step *workflow.Step, elapsed time.Duration) error
}

// StepFailed is called when a step fails with no attempts left.
type StepFailed interface {
	OnStepFailed(ctx context.Context, run *workflow.Run, step *workflow.Step, err error) error
}

// StepRetrying is called when a failed step is scheduled for another
// attempt.
type StepRetrying interface {
	OnStepRetrying(ctx context.Context, run *workflow.Run, step *workflow.Step, attempt int, nextRunAt time.Time) error
}

// ──────────────────────────────────────────────────
// Task and process hooks
// ──────────────────────────────────────────────────

// TaskEnqueued is called after any task is accepted by the queue.
type TaskEnqueued interface {
	OnTaskEnqueued(ctx context.Context, t *queue.Task) error
}

// TaskAbandoned is called when a task exhausted its delivery attempts.
type TaskAbandoned interface {
	OnTaskAbandoned(ctx context.Context, t *queue.Task, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
