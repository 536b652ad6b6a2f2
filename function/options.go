package function

import (
	"encoding/json"
	"time"
)

// Options configures how steps invoking a function are scheduled and run.
type Options struct {
	// Version is the contract version. Zero means unversioned.
	Version int

	// Queue is the task queue that runs the function's steps.
	Queue string

	// Retries is how many attempts may follow a failed first attempt.
	Retries int

	// RetryDelay is the wait before a retry. Zero defers to the engine's
	// backoff strategy.
	RetryDelay time.Duration

	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration

	// InputSchema and OutputSchema are JSON Schemas. InputSchema is
	// enforced; both feed the contract hash.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// DefaultOptions returns Options with no retries and the default queue.
func DefaultOptions() Options {
	return Options{Queue: "default"}
}

// Option is a functional option for configuring a function definition.
type Option func(*Options)

// WithVersion sets the contract version.
func WithVersion(v int) Option {
	return func(o *Options) { o.Version = v }
}

// WithQueue sets the task queue.
func WithQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithRetries sets the retry budget and the delay between attempts.
func WithRetries(n int, delay time.Duration) Option {
	return func(o *Options) {
		o.Retries = n
		o.RetryDelay = delay
	}
}

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithInputSchema sets the input JSON Schema.
func WithInputSchema(schema string) Option {
	return func(o *Options) { o.InputSchema = json.RawMessage(schema) }
}

// WithOutputSchema sets the output JSON Schema.
func WithOutputSchema(schema string) Option {
	return func(o *Options) { o.OutputSchema = json.RawMessage(schema) }
}
