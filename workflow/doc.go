// Package workflow defines the durable records of a workflow run and the
// store contract that persists them.
//
// A [Run] is one execution of a named workflow. A [Step] is one
// idempotent unit of work inside a run, keyed by a name that is unique
// within the run: inserting the same name twice returns the existing
// record, and retrying a failed step adds an attempt to the same record.
//
// # State Machine
//
// A run moves through:
//
//	running ⇄ suspended
//	running → completed | failed
//
// A step moves through:
//
//	pending → scheduled → running → succeeded | failed
//	failed → pending | scheduled | running   (CreateRetryAttempt, while attempts remain)
//
// Terminal runs and succeeded steps never change again.
package workflow
