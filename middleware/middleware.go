// Package middleware provides composable middleware for task execution.
// Middleware wraps handler calls synchronously and can modify execution
// (recover from panics, log, add tracing, bound the run time, etc.).
package middleware

import (
	"context"

	"github.com/xraph/orchestra/graph"
	"github.com/xraph/orchestra/queue"
)

// Handler is the terminal function that handles a task.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the task being handled, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, t *queue.Task, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *queue.Task, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}

// graphNode returns the node and iteration a graph.node task executes.
func graphNode(t *queue.Task) (nodeID string, iteration int, ok bool) {
	if t.Kind != queue.KindGraphNode {
		return "", 0, false
	}
	return graph.ParseStepName(t.StepName)
}
