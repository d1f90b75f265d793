//go:build integration

// Package containers starts throwaway infrastructure for integration tests.
package containers

import (
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/backbone/common/database"
)

// NewPostgres starts PostgreSQL, applies migrations from dir in fsys and returns a
// connected DB. The container is terminated on test cleanup.
func NewPostgres(t *testing.T, fsys fs.FS, dir string) *database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("backbone_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	if fsys != nil {
		if err := database.Migrate(dsn, fsys, dir); err != nil {
			t.Fatalf("failed to run migrations: %v", err)
		}
	}

	db, err := database.OpenDSN(ctx, dsn, 5, 1)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(db.Close)

	return db
}
