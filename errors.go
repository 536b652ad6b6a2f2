package orchestra

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("orchestra: no store configured")
	ErrStoreClosed     = errors.New("orchestra: store closed")
	ErrMigrationFailed = errors.New("orchestra: migration failed")

	// Not found errors.
	ErrRunNotFound      = errors.New("orchestra: run not found")
	ErrStepNotFound     = errors.New("orchestra: step not found")
	ErrWorkflowNotFound = errors.New("orchestra: workflow not found")
	ErrFunctionNotFound = errors.New("orchestra: function not found")
	ErrVersionNotFound  = errors.New("orchestra: workflow version not found")
	ErrTaskNotFound     = errors.New("orchestra: task not found")

	// Conflict errors.
	ErrDuplicateTask     = errors.New("orchestra: task already exists")
	ErrDuplicateWorkflow = errors.New("orchestra: workflow already registered")
	ErrDuplicateFunction = errors.New("orchestra: function already registered")

	// State errors.
	ErrRunTerminal     = errors.New("orchestra: run is terminal")
	ErrInvalidState    = errors.New("orchestra: invalid state transition")
	ErrRetryExhausted  = errors.New("orchestra: step retries exhausted")
	ErrLockNotAcquired = errors.New("orchestra: lock not acquired")

	// Definition errors.
	ErrInvalidGraph    = errors.New("orchestra: invalid graph definition")
	ErrNoBranchContext = errors.New("orchestra: no branch selection in context")

	// ErrPermanent marks a function failure that must not be retried.
	ErrPermanent = errors.New("orchestra: permanent failure")
)

// Error codes persisted on a failed run's error.
const (
	CodeVersionNotFound = "VERSION_NOT_FOUND"
	CodeStepFailed      = "STEP_FAILED"
	CodeWorkflowError   = "WORKFLOW_ERROR"
	CodeCancelled       = "CANCELLED"
	CodeInvalidGraph    = "INVALID_GRAPH"
)
