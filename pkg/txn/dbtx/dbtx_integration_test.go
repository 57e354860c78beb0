package dbtx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cairnrepo/cairn/pkg/cache"
	"github.com/cairnrepo/cairn/pkg/changes"
	"github.com/cairnrepo/cairn/pkg/observability/logger"
	"github.com/cairnrepo/cairn/pkg/testutil"
	"github.com/cairnrepo/cairn/pkg/txn"
)

// TestSQLManager_Integration runs the SQL provider against a real PostgreSQL
// instance using testcontainers.
func TestSQLManager_Integration(t *testing.T) {
	testutil.SkipIfShort(t)

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("cairn"),
		postgres.WithUsername("cairn"),
		postgres.WithPassword("cairn"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	log, err := logger.NewZapLogger(logger.Config{Level: logger.InfoLevel, Format: logger.JSONFormat})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	cfg := DefaultConfig()
	cfg.URL = connStr
	m, err := NewSQLManager(cfg, log)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	defer m.Close()

	if _, err := m.DB().ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS nodes (
			path  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		t.Fatalf("failed to create test table: %v", err)
	}

	countNodes := func(t *testing.T, path string) int {
		t.Helper()
		var count int
		err := m.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes WHERE path = $1", path).Scan(&count)
		if err != nil {
			t.Fatalf("failed to count rows: %v", err)
		}
		return count
	}

	t.Run("PingAndHealthCheck", func(t *testing.T) {
		if err := m.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
		if err := m.HealthCheck(ctx); err != nil {
			t.Errorf("health check failed: %v", err)
		}
	})

	t.Run("CommitPersists", func(t *testing.T) {
		txCtx, _, err := m.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		dbTx, ok := Tx(txCtx)
		if !ok {
			t.Fatal("expected database transaction in context")
		}
		if _, err := dbTx.ExecContext(txCtx, "INSERT INTO nodes (path, value) VALUES ($1, $2)", "/committed", "v1"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := m.Commit(txCtx); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if got := countNodes(t, "/committed"); got != 1 {
			t.Errorf("expected 1 committed row, got %d", got)
		}
	})

	t.Run("RollbackDiscards", func(t *testing.T) {
		txCtx, _, err := m.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		dbTx, _ := Tx(txCtx)
		if _, err := dbTx.ExecContext(txCtx, "INSERT INTO nodes (path, value) VALUES ($1, $2)", "/discarded", "v1"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := m.Rollback(txCtx); err != nil {
			t.Fatalf("rollback failed: %v", err)
		}
		if got := countNodes(t, "/discarded"); got != 0 {
			t.Errorf("expected 0 rows after rollback, got %d", got)
		}
	})

	t.Run("CoordinatorLifecycle", func(t *testing.T) {
		c, err := txn.NewCoordinator(txn.DefaultConfig(), m, changes.RecordingMonitorFactory{}, log)
		if err != nil {
			t.Fatalf("failed to create coordinator: %v", err)
		}

		ws := cache.NewMemoryWorkspace("default")
		ws.Put("/saved", []byte("stale"))

		handle, err := c.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		dbTx, ok := Tx(handle.Context())
		if !ok {
			t.Fatal("expected database transaction in handle context")
		}
		if _, err := dbTx.ExecContext(handle.Context(), "INSERT INTO nodes (path, value) VALUES ($1, $2)", "/saved", "v1"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		monitor := handle.CreateMonitor()
		monitor.RecordChanged("default", "/saved")

		ran := false
		handle.UponCompletion(func() error { ran = true; return nil })

		if err := handle.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if !ran {
			t.Error("expected completion function after commit")
		}
		if got := countNodes(t, "/saved"); got != 1 {
			t.Errorf("expected 1 saved row, got %d", got)
		}

		recorded := monitor.(*changes.RecordingMonitor)
		if err := c.UpdateCache(handle, ws, recorded.ChangeSet("default")); err != nil {
			t.Fatalf("update cache failed: %v", err)
		}
		if _, ok := ws.Get("/saved"); ok {
			t.Error("expected stale cache entry evicted after commit")
		}
	})

	t.Run("MarkedRollbackSurfacesOnCommit", func(t *testing.T) {
		c, err := txn.NewCoordinator(txn.DefaultConfig(), m, nil, log)
		if err != nil {
			t.Fatalf("failed to create coordinator: %v", err)
		}

		handle, err := c.Begin(ctx)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		dbTx, _ := Tx(handle.Context())
		if _, err := dbTx.ExecContext(handle.Context(), "INSERT INTO nodes (path, value) VALUES ($1, $2)", "/doomed", "v1"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := m.SetRollbackOnly(handle.Context()); err != nil {
			t.Fatalf("mark failed: %v", err)
		}

		if err := handle.Commit(); !errors.Is(err, txn.ErrRolledBack) {
			t.Fatalf("expected ErrRolledBack, got %v", err)
		}
		if got := countNodes(t, "/doomed"); got != 0 {
			t.Errorf("expected doomed row discarded, got %d", got)
		}
	})
}
