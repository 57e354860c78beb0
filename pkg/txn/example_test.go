package txn_test

import (
	"context"
	"fmt"

	"github.com/cairnrepo/cairn/pkg/cache"
	"github.com/cairnrepo/cairn/pkg/changes"
	"github.com/cairnrepo/cairn/pkg/observability/logger"
	"github.com/cairnrepo/cairn/pkg/txn"
	"github.com/cairnrepo/cairn/pkg/txn/local"
)

func ExampleCoordinator() {
	log, _ := logger.NewZapLogger(logger.Config{Level: logger.ErrorLevel, Format: logger.JSONFormat})
	mgr, _ := local.NewLocalManager(local.DefaultConfig(), log)
	c, _ := txn.NewCoordinator(txn.DefaultConfig(), mgr, changes.RecordingMonitorFactory{}, log)

	ws := cache.NewMemoryWorkspace("default")
	ws.Put("/articles/1", []byte("stale"))

	// One unit of repository work: change a node, then make the change
	// visible to others.
	tx, _ := c.Begin(context.Background())
	monitor := tx.CreateMonitor()
	monitor.RecordChanged("default", "/articles/1")
	tx.UponCompletion(func() error {
		fmt.Println("search index refreshed")
		return nil
	})

	if err := tx.Commit(); err != nil {
		fmt.Println("commit failed:", err)
		return
	}
	recorded := monitor.(*changes.RecordingMonitor)
	c.UpdateCache(tx, ws, recorded.ChangeSet("default"))

	_, cached := ws.Get("/articles/1")
	fmt.Println("stale entry still cached:", cached)
	// Output:
	// search index refreshed
	// stale entry still cached: false
}

func ExampleCoordinator_ambientTransaction() {
	log, _ := logger.NewZapLogger(logger.Config{Level: logger.ErrorLevel, Format: logger.JSONFormat})
	mgr, _ := local.NewLocalManager(local.DefaultConfig(), log)
	c, _ := txn.NewCoordinator(txn.DefaultConfig(), mgr, nil, log)

	// Surrounding application code owns the transaction boundary.
	outerCtx, _, _ := mgr.Begin(context.Background())

	tx, _ := c.Begin(outerCtx)
	tx.UponCompletion(func() error {
		fmt.Println("fired after the outer commit")
		return nil
	})
	tx.Commit()
	fmt.Println("inner commit is a no-op")

	mgr.Commit(outerCtx)
	// Output:
	// inner commit is a no-op
	// fired after the outer commit
}
