package txn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cairnrepo/cairn/pkg/cache"
	"github.com/cairnrepo/cairn/pkg/changes"
	"github.com/cairnrepo/cairn/pkg/observability/logger"
	"github.com/cairnrepo/cairn/pkg/txn"
	"github.com/cairnrepo/cairn/pkg/txn/local"
)

func lifecycleLogger(t *testing.T) logger.Logger {
	t.Helper()
	log, err := logger.NewZapLogger(logger.Config{Level: logger.ErrorLevel, Format: logger.JSONFormat})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newLifecycleFixture(t *testing.T, cfg txn.Config) (*txn.Coordinator, *local.LocalManager) {
	t.Helper()
	log := lifecycleLogger(t)
	mgr, err := local.NewLocalManager(local.DefaultConfig(), log)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	c, err := txn.NewCoordinator(cfg, mgr, changes.RecordingMonitorFactory{}, log)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return c, mgr
}

func changeSetFor(workspace string, paths ...string) *changes.ChangeSet {
	cs := changes.NewChangeSet(workspace)
	for _, path := range paths {
		cs.Add(changes.NodeChanged, path)
	}
	return cs
}

func TestOwnedLifecycle(t *testing.T) {
	c, _ := newLifecycleFixture(t, txn.DefaultConfig())
	ctx := context.Background()

	if in, err := c.InTransaction(ctx); err != nil || in {
		t.Fatalf("expected no transaction initially, got in=%v err=%v", in, err)
	}

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if in, err := c.InTransaction(tx.Context()); err != nil || !in {
		t.Fatalf("expected live transaction on handle context, got in=%v err=%v", in, err)
	}
	id := c.CurrentTransactionID(tx.Context())
	if id == "" {
		t.Fatal("expected a transaction id while active")
	}

	ran := false
	if err := tx.UponCompletion(func() error { ran = true; return nil }); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if !ran {
		t.Error("expected completion function to run on commit")
	}
	if in, err := c.InTransaction(tx.Context()); err != nil || in {
		t.Errorf("expected no live transaction after commit, got in=%v err=%v", in, err)
	}
	if got := c.CurrentTransactionID(tx.Context()); got != "" {
		t.Errorf("expected empty id after commit, got %q", got)
	}
}

func TestOwnedRollbackSkipsCompletions(t *testing.T) {
	c, _ := newLifecycleFixture(t, txn.DefaultConfig())

	tx, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	ran := false
	tx.UponCompletion(func() error { ran = true; return nil })

	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if ran {
		t.Error("expected no completion function after rollback")
	}
}

func TestOwnedCommitUpdatesWorkspaceCache(t *testing.T) {
	c, _ := newLifecycleFixture(t, txn.DefaultConfig())

	ws := cache.NewMemoryWorkspace("default")
	ws.Put("/articles/1", []byte("v1"))
	ws.Put("/articles/2", []byte("v1"))

	tx, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	monitor := tx.CreateMonitor()
	monitor.RecordChanged("default", "/articles/1")

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	recorded, ok := monitor.(*changes.RecordingMonitor)
	if !ok {
		t.Fatalf("expected recording monitor, got %T", monitor)
	}
	if err := c.UpdateCache(tx, ws, recorded.ChangeSet("default")); err != nil {
		t.Fatalf("update cache failed: %v", err)
	}

	if _, ok := ws.Get("/articles/1"); ok {
		t.Error("expected changed entry evicted from the workspace cache")
	}
	if _, ok := ws.Get("/articles/2"); !ok {
		t.Error("expected untouched entry to remain cached")
	}
	if ws.Applied() != 1 {
		t.Errorf("expected exactly one applied change set, got %d", ws.Applied())
	}
}

func TestCommitFailureLeavesCacheUntouched(t *testing.T) {
	c, _ := newLifecycleFixture(t, txn.DefaultConfig())

	ws := cache.NewMemoryWorkspace("default")
	ws.Put("/articles/1", []byte("v1"))

	tx, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	// The session never forwards changes after a failed save, so the
	// cached entry stays valid.
	if _, ok := ws.Get("/articles/1"); !ok {
		t.Error("expected cache untouched after rollback")
	}
	if ws.Applied() != 0 {
		t.Errorf("expected no applied change sets, got %d", ws.Applied())
	}
}

func TestCompletionFailureDoesNotAffectCommitOutcome(t *testing.T) {
	c, mgr := newLifecycleFixture(t, txn.DefaultConfig())

	tx, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	tx.UponCompletion(func() error { return errors.New("listener broke") })

	err = tx.Commit()
	if !errors.Is(err, txn.ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
	status, statusErr := mgr.Status(tx.Context())
	if statusErr != nil {
		t.Fatalf("status failed: %v", statusErr)
	}
	if status != txn.StatusCommitted {
		t.Errorf("expected the physical commit to stand, got status %v", status)
	}
}

func TestAmbientLifecycle(t *testing.T) {
	c, mgr := newLifecycleFixture(t, txn.DefaultConfig())

	outerCtx, outer, err := mgr.Begin(context.Background())
	if err != nil {
		t.Fatalf("outer begin failed: %v", err)
	}

	inner, err := c.Begin(outerCtx)
	if err != nil {
		t.Fatalf("inner begin failed: %v", err)
	}
	if got := c.CurrentTransactionID(inner.Context()); got != outer.ID() {
		t.Fatalf("expected handle attached to outer transaction %q, got %q", outer.ID(), got)
	}

	ws := cache.NewMemoryWorkspace("default")
	ws.Put("/articles/1", []byte("v1"))

	ran := false
	inner.UponCompletion(func() error { ran = true; return nil })
	if err := inner.Commit(); err != nil {
		t.Fatalf("inner commit failed: %v", err)
	}
	if err := c.UpdateCache(inner, ws, changeSetFor("default", "/articles/1")); err != nil {
		t.Fatalf("update cache failed: %v", err)
	}

	if ran {
		t.Fatal("expected completion deferred past the inner commit")
	}
	if ws.Applied() != 0 {
		t.Fatalf("expected cache update deferred past the inner commit, got %d", ws.Applied())
	}
	if in, err := c.InTransaction(outerCtx); err != nil || !in {
		t.Fatalf("expected outer transaction still live, got in=%v err=%v", in, err)
	}

	if err := mgr.Commit(outerCtx); err != nil {
		t.Fatalf("outer commit failed: %v", err)
	}
	if !ran {
		t.Error("expected completion function after the outer commit")
	}
	if ws.Applied() != 1 {
		t.Errorf("expected cache notified after the outer commit, got %d", ws.Applied())
	}
	if _, ok := ws.Get("/articles/1"); ok {
		t.Error("expected changed entry evicted after the outer commit")
	}
}

func TestAmbientOuterRollbackDropsEverything(t *testing.T) {
	c, mgr := newLifecycleFixture(t, txn.DefaultConfig())

	outerCtx, _, err := mgr.Begin(context.Background())
	if err != nil {
		t.Fatalf("outer begin failed: %v", err)
	}
	inner, err := c.Begin(outerCtx)
	if err != nil {
		t.Fatalf("inner begin failed: %v", err)
	}

	ws := cache.NewMemoryWorkspace("default")
	ran := false
	inner.UponCompletion(func() error { ran = true; return nil })
	if err := inner.Commit(); err != nil {
		t.Fatalf("inner commit failed: %v", err)
	}
	if err := c.UpdateCache(inner, ws, changeSetFor("default", "/articles/1")); err != nil {
		t.Fatalf("update cache failed: %v", err)
	}

	if err := mgr.Rollback(outerCtx); err != nil {
		t.Fatalf("outer rollback failed: %v", err)
	}
	if ran {
		t.Error("expected no completion function after the outer rollback")
	}
	if ws.Applied() != 0 {
		t.Errorf("expected no cache notification after the outer rollback, got %d", ws.Applied())
	}
}

func TestAmbientHandleRollbackDoomsOuter(t *testing.T) {
	c, mgr := newLifecycleFixture(t, txn.DefaultConfig())

	outerCtx, _, err := mgr.Begin(context.Background())
	if err != nil {
		t.Fatalf("outer begin failed: %v", err)
	}
	inner, err := c.Begin(outerCtx)
	if err != nil {
		t.Fatalf("inner begin failed: %v", err)
	}

	ws := cache.NewMemoryWorkspace("default")
	ran := false
	inner.UponCompletion(func() error { ran = true; return nil })
	if err := c.UpdateCache(inner, ws, changeSetFor("default", "/articles/1")); err != nil {
		t.Fatalf("update cache failed: %v", err)
	}

	if err := inner.Rollback(); err != nil {
		t.Fatalf("inner rollback failed: %v", err)
	}
	if err := mgr.Commit(outerCtx); !errors.Is(err, txn.ErrRolledBack) {
		t.Fatalf("expected outer commit to fail with ErrRolledBack, got %v", err)
	}
	if ran {
		t.Error("expected no completion function after the doomed outer commit")
	}
	if ws.Applied() != 0 {
		t.Errorf("expected no cache notification after the doomed outer commit, got %d", ws.Applied())
	}
}

func TestLateRegistrationAfterOuterCommit(t *testing.T) {
	c, mgr := newLifecycleFixture(t, txn.DefaultConfig())

	outerCtx, _, err := mgr.Begin(context.Background())
	if err != nil {
		t.Fatalf("outer begin failed: %v", err)
	}
	inner, err := c.Begin(outerCtx)
	if err != nil {
		t.Fatalf("inner begin failed: %v", err)
	}

	if err := mgr.Commit(outerCtx); err != nil {
		t.Fatalf("outer commit failed: %v", err)
	}

	ran := 0
	if err := inner.UponCompletion(func() error { ran++; return nil }); err != nil {
		t.Fatalf("late registration failed: %v", err)
	}
	if ran != 1 {
		t.Errorf("expected late completion function to run immediately, got %d", ran)
	}

	ws := cache.NewMemoryWorkspace("default")
	if err := c.UpdateCache(inner, ws, changeSetFor("default", "/articles/1")); err != nil {
		t.Fatalf("late update cache failed: %v", err)
	}
	if ws.Applied() != 1 {
		t.Errorf("expected late cache update delivered after a commit, got %d", ws.Applied())
	}
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	c, _ := newLifecycleFixture(t, txn.DefaultConfig())

	tx, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	id := c.CurrentTransactionID(tx.Context())

	freeCtx, token, err := c.Suspend(tx.Context())
	if err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	if token == nil || token.ID() != id {
		t.Fatalf("expected suspended token for %q, got %v", id, token)
	}
	if in, err := c.InTransaction(freeCtx); err != nil || in {
		t.Fatalf("expected detached context, got in=%v err=%v", in, err)
	}

	// Unrelated work in its own transaction while the first is parked.
	side, err := c.Begin(freeCtx)
	if err != nil {
		t.Fatalf("side begin failed: %v", err)
	}
	if err := side.Commit(); err != nil {
		t.Fatalf("side commit failed: %v", err)
	}

	resumedCtx, err := c.Resume(freeCtx, token)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if got := c.CurrentTransactionID(resumedCtx); got != id {
		t.Errorf("expected resumed association %q, got %q", id, got)
	}
	if err := tx.Commit(); err != nil {
		t.Errorf("commit after resume failed: %v", err)
	}
}

func TestResumePreservesActiveTransaction(t *testing.T) {
	c, _ := newLifecycleFixture(t, txn.DefaultConfig())

	first, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("first begin failed: %v", err)
	}
	freeCtx, token, err := c.Suspend(first.Context())
	if err != nil {
		t.Fatalf("suspend failed: %v", err)
	}

	second, err := c.Begin(freeCtx)
	if err != nil {
		t.Fatalf("second begin failed: %v", err)
	}
	secondID := c.CurrentTransactionID(second.Context())

	sameCtx, err := c.Resume(second.Context(), token)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if got := c.CurrentTransactionID(sameCtx); got != secondID {
		t.Errorf("expected active transaction preserved, got %q instead of %q", got, secondID)
	}

	if err := second.Commit(); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	resumedCtx, err := c.Resume(freeCtx, token)
	if err != nil {
		t.Fatalf("resume after commit failed: %v", err)
	}
	if got := c.CurrentTransactionID(resumedCtx); got != token.ID() {
		t.Errorf("expected suspended transaction back, got %q", got)
	}
	if err := first.Commit(); err != nil {
		t.Errorf("first commit failed: %v", err)
	}
}

func TestExternallyMarkedRollbackSurfacesOnCommit(t *testing.T) {
	c, mgr := newLifecycleFixture(t, txn.DefaultConfig())

	tx, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	ran := false
	tx.UponCompletion(func() error { ran = true; return nil })

	// Another party dooms the transaction while the handle still holds it.
	if err := mgr.SetRollbackOnly(tx.Context()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := tx.Commit(); !errors.Is(err, txn.ErrRolledBack) {
		t.Fatalf("expected ErrRolledBack, got %v", err)
	}
	if ran {
		t.Error("expected no completion function after a forced rollback")
	}
}

func TestProviderTimeoutSurfacesOnCommit(t *testing.T) {
	log := lifecycleLogger(t)
	mgr, err := local.NewLocalManager(local.Config{Timeout: 10 * time.Millisecond}, log)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	c, err := txn.NewCoordinator(txn.DefaultConfig(), mgr, nil, log)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	tx, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	ran := false
	tx.UponCompletion(func() error { ran = true; return nil })

	time.Sleep(20 * time.Millisecond)

	if err := tx.Commit(); !errors.Is(err, txn.ErrRolledBack) {
		t.Fatalf("expected ErrRolledBack after provider timeout, got %v", err)
	}
	if ran {
		t.Error("expected no completion function after a timed out commit")
	}
}

func TestTracingLeavesLifecycleUnchanged(t *testing.T) {
	c, _ := newLifecycleFixture(t, txn.Config{Trace: true})

	ws := cache.NewMemoryWorkspace("default")
	ws.Put("/articles/1", []byte("v1"))

	tx, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	var order []string
	tx.UponCompletion(func() error { order = append(order, "A"); return nil })
	tx.UponCompletion(func() error { order = append(order, "B"); return nil })

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Errorf("expected callback order preserved under tracing, got %v", order)
	}
	if err := c.UpdateCache(tx, ws, changeSetFor("default", "/articles/1")); err != nil {
		t.Fatalf("update cache failed: %v", err)
	}
	if _, ok := ws.Get("/articles/1"); ok {
		t.Error("expected eviction unchanged under tracing")
	}
}
