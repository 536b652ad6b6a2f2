// Package function is the invocation capability the engine calls steps
// through. Business functions are registered as typed Definitions; the
// Registry erases their types behind JSON and implements Invoker.
//
// A definition may carry a JSON Schema for its input. Input that fails
// the schema is rejected before the handler runs, and the failure is
// permanent: the step is not retried.
package function
