package graph

import (
	"context"
	"sync"

	"github.com/xraph/orchestra"
)

type branchCtxKey struct{}

// BranchSelector records the branch a node's function chooses while it
// runs. The executor attaches one to the invocation context and persists
// the selection when the function succeeds.
type BranchSelector struct {
	mu  sync.Mutex
	key string
	set bool
}

// WithBranchSelector returns a context carrying a fresh BranchSelector.
func WithBranchSelector(ctx context.Context) (context.Context, *BranchSelector) {
	sel := &BranchSelector{}
	return context.WithValue(ctx, branchCtxKey{}, sel), sel
}

// SelectBranch declares which branch of the current node's Next should be
// followed. Calling it again replaces the previous choice. It fails with
// orchestra.ErrNoBranchContext outside a graph node invocation.
func SelectBranch(ctx context.Context, key string) error {
	sel, ok := ctx.Value(branchCtxKey{}).(*BranchSelector)
	if !ok {
		return orchestra.ErrNoBranchContext
	}
	sel.mu.Lock()
	sel.key, sel.set = key, true
	sel.mu.Unlock()
	return nil
}

// Selected returns the chosen branch key, if any.
func (b *BranchSelector) Selected() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key, b.set
}
