package txn

import (
	"context"

	"github.com/cairnrepo/cairn/pkg/cache"
	"github.com/cairnrepo/cairn/pkg/changes"
	"github.com/cairnrepo/cairn/pkg/observability/logger"
)

// tracedTransaction wraps an owned handle with commit and rollback logging.
// It alters nothing else: results and errors pass through unmodified, and
// completion functions keep their order and count. The transaction id is
// captured before delegating a commit, because the association is gone by
// the time the provider returns.
type tracedTransaction struct {
	inner Transaction
	mgr   Manager
	log   logger.Logger
}

func (t *tracedTransaction) Context() context.Context {
	return t.inner.Context()
}

func (t *tracedTransaction) CreateMonitor() changes.Monitor {
	return t.inner.CreateMonitor()
}

func (t *tracedTransaction) UponCompletion(fn CompletionFunc) error {
	return t.inner.UponCompletion(fn)
}

func (t *tracedTransaction) Commit() error {
	id := currentID(t.mgr, t.inner.Context())
	if err := t.inner.Commit(); err != nil {
		return err
	}
	t.log.Debug("Committed transaction", "txn_id", id)
	return nil
}

func (t *tracedTransaction) Rollback() error {
	t.log.Debug("Rolling back transaction", "txn_id", currentID(t.mgr, t.inner.Context()))
	return t.inner.Rollback()
}

func (t *tracedTransaction) updateCache(ws cache.Workspace, cs *changes.ChangeSet) error {
	return t.inner.updateCache(ws, cs)
}
