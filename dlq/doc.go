// Package dlq inspects and replays dead-lettered tasks.
//
// A task is dead-lettered when the worker runner gives up on it: every
// delivery attempt up to MaxAttempts failed with an infrastructure error
// (store unavailable, function transport down). The task stays in the
// queue store in the failed state with its last error, so the dead letter
// queue is a view over the queue store rather than a separate table.
//
//	svc := dlq.NewService(store, logger)
//
//	failed, _ := svc.List(ctx, dlq.ListOpts{Queue: "default", Limit: 50})
//	for _, t := range failed {
//		fmt.Println(t.ID, t.Kind, t.RunID, t.LastError)
//	}
//
// # Replay
//
// Replaying a task puts it back in the pending state with a fresh
// delivery budget, due immediately. The orchestration work it carries is
// idempotent: a step that completed meanwhile is skipped when the task is
// handled again.
package dlq
