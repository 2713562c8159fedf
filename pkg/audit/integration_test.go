//go:build integration

package audit

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestWriterWithRealPostgres exercises the schema, Append, and tenant-scoped
// Get against real PostgreSQL.
// Run with: go test -tags=integration -timeout 120s -run TestWriterWithRealPostgres ./pkg/audit/...
func TestWriterWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, Schema); err != nil {
		t.Fatalf("schema: %v", err)
	}

	w := &Writer{DB: pool}
	rec := sampleRecord()
	if err := w.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := w.Get(ctx, rec.RequestID, rec.TenantID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Reason != rec.Reason || got.Path != rec.Path {
		t.Fatalf("got=%+v", got)
	}

	if _, err := w.Get(ctx, rec.RequestID, "other-tenant"); err == nil {
		t.Fatal("cross-tenant read must fail")
	}
}
