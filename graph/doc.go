// Package graph models workflows authored as data: a set of nodes, each
// invoking one function, wired together by successor edges.
//
// A node's Next and OnError fields are a tagged union of three shapes:
// a single successor, a parallel fan-out, or a branch table keyed by the
// label the executing function selects at runtime with SelectBranch.
// Node inputs are literals or references to another node's result,
// optionally narrowed by a dot-path.
//
// Definitions are content addressed: Hash returns a stable murmur3 hash
// of the canonical JSON form, which runs record so that a later deploy
// can tell whether the graph they started with is still the live one.
package graph
