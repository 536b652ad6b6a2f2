// Package ext defines the extension system for orchestra.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, writing audit logs, paging on failed runs.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) error {
//	    log.Printf("run %s completed in %s", run.ID, elapsed)
//	    return nil
//	}
//
// # Run Lifecycle Hooks
//
//   - [RunStarted]: a run was created
//   - [RunCompleted]: a run finished with output
//   - [RunFailed]: a run failed terminally
//   - [RunCancelled]: a run was failed by a cancellation request
//
// # Step Lifecycle Hooks
//
//   - [StepScheduled]: a step or graph node was handed to the queue
//   - [StepCompleted]: a step succeeded
//   - [StepFailed]: a step failed with no attempts left
//   - [StepRetrying]: a step failed and will be attempted again
//
// # Other Hooks
//
//   - [TaskEnqueued]: any task was accepted by the queue
//   - [TaskAbandoned]: a task exhausted its delivery attempts
//   - [Shutdown]: the process is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
