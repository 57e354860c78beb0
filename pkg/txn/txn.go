// Package txn coordinates transaction boundaries for repository writes.
// Sessions use it to create a local transaction around one set of changes,
// while the coordinator transparently works out whether that means starting
// a new managed transaction or attaching to one already carried by the
// caller's context.
//
// The basic workflow: when transient changes are to be persisted, a
// transaction is begun through Coordinator.Begin. The resulting Transaction
// handle is used to obtain the monitor that captures changes, to register
// completion functions that run after a successful commit, and then to
// either commit or roll back. After a commit, the accumulated changes are
// forwarded to the workspace cache through Coordinator.UpdateCache.
//
// In the common case there is no surrounding transaction: Begin starts one,
// Commit completes it, and the workspace cache is updated immediately. When
// the caller's context already carries a transaction, started by surrounding
// application code, the handle attaches to it instead: Commit and Rollback
// leave the outer transaction alone, and completion functions and cache
// updates fire only once the outer transaction commits, through a
// synchronization observer registered with the provider. The coordinator
// never enlists as a commit participant; it only observes completion, which
// is what dictates when a session's changes become visible to others.
package txn

import (
	"context"
	"errors"
	"time"

	"github.com/cairnrepo/cairn/pkg/cache"
	"github.com/cairnrepo/cairn/pkg/changes"
	"github.com/cairnrepo/cairn/pkg/observability/logger"
	"github.com/cairnrepo/cairn/pkg/observability/metrics"
	"github.com/cairnrepo/cairn/pkg/observability/tracing"
)

// Config holds configuration for a Coordinator.
type Config struct {
	// Trace wraps owned transaction handles with commit and rollback
	// logging.
	Trace bool
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Trace: false,
	}
}

// Coordinator decides, for every unit of repository work, whether to start a
// new transaction or attach to an ambient one. It is bound to a single
// Manager, holds no per-call state, and is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	mgr      Manager
	monitors changes.MonitorFactory
	log      logger.Logger
}

// NewCoordinator creates a coordinator bound to the given transaction
// manager. A nil monitor factory disables change monitoring.
func NewCoordinator(cfg Config, mgr Manager, monitors changes.MonitorFactory, log logger.Logger) (*Coordinator, error) {
	if mgr == nil {
		return nil, errors.New("transaction manager is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if monitors == nil {
		monitors = changes.NopMonitorFactory{}
	}
	return &Coordinator{
		cfg:      cfg,
		mgr:      mgr,
		monitors: monitors,
		log:      log,
	}, nil
}

// Manager returns the transaction manager the coordinator is bound to.
func (c *Coordinator) Manager() Manager {
	return c.mgr
}

// InTransaction reports whether the context is associated with a live
// transaction. It fails when the provider cannot answer.
func (c *Coordinator) InTransaction(ctx context.Context) (bool, error) {
	status, err := c.mgr.Status(ctx)
	if err != nil {
		return false, err
	}
	return status == StatusActive || status == StatusMarkedRollback, nil
}

// CurrentTransactionID returns a diagnostic identifier for the transaction
// associated with the context, or an empty string when there is none. It
// never fails.
func (c *Coordinator) CurrentTransactionID(ctx context.Context) string {
	return currentID(c.mgr, ctx)
}

// Begin returns the transaction handle for one unit of work. When the
// context carries no transaction, a new one is started and the handle owns
// it. When the context already carries one, the handle attaches to it and
// defers its completion work to the outer transaction's lifecycle.
func (c *Coordinator) Begin(ctx context.Context) (Transaction, error) {
	if current := c.mgr.Current(ctx); current != nil {
		_, span := tracing.StartTransactionSpan(ctx, tracing.SpanOperationTxnBegin,
			tracing.WithTransactionID(current.ID()),
			tracing.WithTransactionMode(modeAmbient),
		)
		defer span.End()

		metrics.RecordTransactionStarted(modeAmbient)
		c.log.Debug("Attaching to ambient transaction", "txn_id", current.ID())
		tracing.RecordSuccess(span)
		return &ambientTransaction{
			ctx:      ctx,
			id:       current.ID(),
			mgr:      c.mgr,
			monitors: c.monitors,
			log:      c.log,
		}, nil
	}

	txCtx, tx, err := c.mgr.Begin(ctx)
	if err != nil {
		return nil, err
	}

	_, span := tracing.StartTransactionSpan(txCtx, tracing.SpanOperationTxnBegin,
		tracing.WithTransactionID(tx.ID()),
		tracing.WithTransactionMode(modeOwned),
	)
	defer span.End()

	metrics.RecordTransactionStarted(modeOwned)
	tracing.RecordSuccess(span)
	owned := &ownedTransaction{
		ctx:      txCtx,
		mgr:      c.mgr,
		monitors: c.monitors,
		log:      c.log,
		started:  time.Now(),
	}
	if c.cfg.Trace {
		return &tracedTransaction{inner: owned, mgr: c.mgr, log: c.log}, nil
	}
	return owned, nil
}

// UpdateCache forwards the changes made under a transaction to the workspace
// they were made in. Owned handles deliver immediately, since the caller
// invokes this after Commit returned. Ambient handles accumulate the update
// and deliver it only once the outer transaction commits; if the outer
// transaction rolls back, the workspace is never notified. An empty or nil
// change set is a no-op in every mode.
func (c *Coordinator) UpdateCache(tx Transaction, ws cache.Workspace, cs *changes.ChangeSet) error {
	if tx == nil {
		return txnError(ErrNotAssociated, "no transaction handle")
	}
	if ws == nil || cs.IsEmpty() {
		return nil
	}
	return tx.updateCache(ws, cs)
}

// Suspend detaches the transaction associated with the context so the caller
// can do unrelated work, returning a context free of the association and the
// suspended transaction. The transaction is nil when there was none.
func (c *Coordinator) Suspend(ctx context.Context) (context.Context, ManagedTx, error) {
	if c.mgr.Current(ctx) == nil {
		return ctx, nil, nil
	}

	_, span := tracing.StartTransactionSpan(ctx, tracing.SpanOperationTxnSuspend,
		tracing.WithTransactionID(currentID(c.mgr, ctx)),
	)
	defer span.End()

	freeCtx, tx, err := c.mgr.Suspend(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		return ctx, nil, err
	}
	tracing.RecordSuccess(span)
	return freeCtx, tx, nil
}

// Resume re-associates a transaction returned by Suspend. It does nothing
// when tx is nil, and it never replaces a transaction already associated
// with the context.
func (c *Coordinator) Resume(ctx context.Context, tx ManagedTx) (context.Context, error) {
	if tx == nil || c.mgr.Current(ctx) != nil {
		return ctx, nil
	}

	_, span := tracing.StartTransactionSpan(ctx, tracing.SpanOperationTxnResume,
		tracing.WithTransactionID(tx.ID()),
	)
	defer span.End()

	resumedCtx, err := c.mgr.Resume(ctx, tx)
	if err != nil {
		tracing.RecordError(span, err)
		return ctx, err
	}
	tracing.RecordSuccess(span)
	return resumedCtx, nil
}
