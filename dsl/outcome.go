package dsl

import (
	"encoding/json"
	"fmt"
)

// Outcome is the result of a checkpointed primitive: a value, or a
// suspension at the named step.
type Outcome[T any] struct {
	Value T

	suspended bool
	step      string
}

func ready[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

func suspendAt[T any](step string) Outcome[T] {
	return Outcome[T]{suspended: true, step: step}
}

// Suspended reports whether the pass must stop here.
func (o Outcome[T]) Suspended() bool { return o.suspended }

// Get returns the value and whether it is available.
func (o Outcome[T]) Get() (T, bool) { return o.Value, !o.suspended }

// Suspend converts a suspended Outcome into the Result a workflow
// returns.
func (o Outcome[T]) Suspend() Result {
	return Result{kind: resultSuspended, step: o.step}
}

type resultKind uint8

const (
	resultNone resultKind = iota
	resultCompleted
	resultSuspended
	resultCancelled
)

// Result is what a workflow body returns for one pass.
type Result struct {
	kind   resultKind
	output json.RawMessage
	step   string
}

// Complete returns a Result finishing the run with v as its output.
func Complete(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("dsl: encode workflow output: %w", err)
	}
	return Result{kind: resultCompleted, output: data}, nil
}

// IsCompleted reports whether the run finished.
func (r Result) IsCompleted() bool { return r.kind == resultCompleted || r.kind == resultNone }

// IsSuspended reports whether the pass stopped at a checkpoint.
func (r Result) IsSuspended() bool { return r.kind == resultSuspended }

// IsCancelled reports whether the workflow cancelled itself.
func (r Result) IsCancelled() bool { return r.kind == resultCancelled }

// Output is the run output of a completed Result. A zero Result
// completes with JSON null.
func (r Result) Output() json.RawMessage {
	if r.output == nil {
		return json.RawMessage("null")
	}
	return r.output
}

// Step names the checkpoint a suspended Result stopped at.
func (r Result) Step() string { return r.step }
