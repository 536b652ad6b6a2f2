//go:build integration

package postgres_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/orchestra/store/postgres"
	"github.com/xraph/orchestra/store/storetest"
)

// setupTestStore creates a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("orchestra_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable", "pool_max_conns=32")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if pingErr := store.Ping(ctx); pingErr != nil {
		t.Fatalf("ping: %v", pingErr)
	}

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	// A second run must skip every applied file.
	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate again: %v", migErr)
	}

	return store
}

func TestPostgresStore(t *testing.T) {
	store := setupTestStore(t)

	storetest.Run(t, func(t *testing.T) storetest.Backend {
		t.Helper()
		_, err := store.Pool().Exec(context.Background(), `
			TRUNCATE orchestra_tasks, orchestra_workflow_versions, orchestra_steps, orchestra_runs`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}
