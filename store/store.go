// Package store defines the aggregate persistence interface. Each subsystem
// (workflow, version, queue) defines its own store interface and the
// composite Store composes them all. Backends: Memory, Postgres, Redis and
// MongoDB.
package store

import (
	"context"

	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/version"
	"github.com/xraph/orchestra/workflow"
)

// Store is the aggregate persistence interface.
// A single backend implements all of the subsystem stores.
type Store interface {
	workflow.Store
	version.Store
	queue.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
