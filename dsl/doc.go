// Package dsl is the code-as-workflow authoring model. A workflow is a
// Go function that the engine re-runs from the top on every
// orchestration pass. Each Do, DoInline and Sleep call is a checkpoint
// keyed by its step name: a completed checkpoint returns its cached
// result, anything else suspends the pass.
//
// Suspension is an explicit value. Every primitive returns an Outcome,
// and a workflow that sees a suspended Outcome returns its Suspend()
// Result:
//
//	receipt, err := dsl.Do[Receipt](wf, "charge", "payments.charge", order)
//	if err != nil {
//		return dsl.Result{}, err
//	}
//	if receipt.Suspended() {
//		return receipt.Suspend(), nil
//	}
//	return dsl.Complete(receipt.Value)
//
// Workflows must call the same primitives with the same step names, in
// the same order, on every replay up to the point they reached before.
package dsl
