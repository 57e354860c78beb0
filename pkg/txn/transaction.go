package txn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cairnrepo/cairn/pkg/cache"
	"github.com/cairnrepo/cairn/pkg/changes"
	"github.com/cairnrepo/cairn/pkg/observability/logger"
	"github.com/cairnrepo/cairn/pkg/observability/metrics"
	"github.com/cairnrepo/cairn/pkg/observability/tracing"
)

// Transaction handle modes, used as metric and span labels.
const (
	modeOwned   = "owned"
	modeAmbient = "ambient"
)

// Transaction is the handle for one unit of repository work. It may wrap a
// transaction the coordinator started for this call, or attach to one the
// caller's context already carried. Either way the caller commits or rolls
// back the handle as normal when its work is done; the handle decides what
// that means for the underlying transaction.
type Transaction interface {
	// Context returns the context carrying the transaction association.
	// Use it for every operation performed inside the transaction.
	Context() context.Context

	// CreateMonitor returns a monitor that captures what changes during
	// this transaction.
	CreateMonitor() changes.Monitor

	// UponCompletion registers a function to run after the transaction
	// commits. Functions run in registration order. If the transaction
	// has already finished when UponCompletion is called, the function
	// runs immediately instead of being dropped; any error it returns is
	// classified as ErrCompletion.
	UponCompletion(fn CompletionFunc) error

	// Commit completes the transaction. When the handle owns its
	// transaction the commit is issued to the provider and registered
	// completion functions then run synchronously; an error classified
	// as ErrCompletion means the commit itself succeeded and only
	// completion functions failed. When the handle attached to an
	// ambient transaction, Commit leaves the outer transaction alone.
	Commit() error

	// Rollback abandons the transaction. No completion function runs and
	// no cache update is delivered. When the handle attached to an
	// ambient transaction, the outer transaction is marked rollback-only
	// rather than rolled back here.
	Rollback() error

	// updateCache delivers a committed change set at the moment
	// appropriate for the handle mode. The coordinator calls this from
	// UpdateCache after screening out empty change sets.
	updateCache(ws cache.Workspace, cs *changes.ChangeSet) error
}

// ownedTransaction wraps a transaction the coordinator started. Commit and
// Rollback complete it through the provider, and completion functions run
// synchronously once the commit returns. The handle is used by a single
// goroutine, so it does not lock.
type ownedTransaction struct {
	ctx      context.Context
	mgr      Manager
	monitors changes.MonitorFactory
	log      logger.Logger
	started  time.Time

	completions completionRegistry
	finished    bool
}

func (t *ownedTransaction) Context() context.Context {
	return t.ctx
}

func (t *ownedTransaction) CreateMonitor() changes.Monitor {
	return t.monitors.Create()
}

func (t *ownedTransaction) UponCompletion(fn CompletionFunc) error {
	if fn == nil {
		return nil
	}
	if t.finished || t.mgr.Current(t.ctx) == nil {
		return runCompletions([]CompletionFunc{fn})
	}
	t.completions.add(fn)
	return nil
}

func (t *ownedTransaction) Commit() error {
	if t.finished {
		return txnError(ErrNotAssociated, "transaction already completed")
	}

	_, span := tracing.StartTransactionSpan(t.ctx, tracing.SpanOperationTxnCommit,
		tracing.WithTransactionID(currentID(t.mgr, t.ctx)),
		tracing.WithTransactionMode(modeOwned),
		tracing.WithCompletionCount(t.completions.size()),
	)
	defer span.End()

	t.finished = true
	if err := t.mgr.Commit(t.ctx); err != nil {
		tracing.RecordError(span, err)
		metrics.RecordTransactionOutcome(modeOwned, commitOutcome(err), time.Since(t.started))
		return err
	}
	tracing.RecordSuccess(span)
	metrics.RecordTransactionOutcome(modeOwned, metrics.OutcomeCommitted, time.Since(t.started))

	return runCompletions(t.completions.drain())
}

func (t *ownedTransaction) Rollback() error {
	if t.finished {
		return txnError(ErrNotAssociated, "transaction already completed")
	}

	_, span := tracing.StartTransactionSpan(t.ctx, tracing.SpanOperationTxnRollback,
		tracing.WithTransactionID(currentID(t.mgr, t.ctx)),
		tracing.WithTransactionMode(modeOwned),
	)
	defer span.End()

	t.finished = true
	if err := t.mgr.Rollback(t.ctx); err != nil {
		tracing.RecordError(span, err)
		metrics.RecordTransactionOutcome(modeOwned, metrics.OutcomeError, time.Since(t.started))
		return err
	}
	tracing.RecordSuccess(span)
	metrics.RecordTransactionOutcome(modeOwned, metrics.OutcomeRolledBack, time.Since(t.started))
	return nil
}

func (t *ownedTransaction) updateCache(ws cache.Workspace, cs *changes.ChangeSet) error {
	// The caller delivers changes after Commit returned, so the commit is
	// already durable and the workspace is notified immediately.
	notifyWorkspace(ws, cs)
	return nil
}

// commitOutcome maps a commit error to its metric label.
func commitOutcome(err error) string {
	if errors.Is(err, ErrRolledBack) {
		return metrics.OutcomeRolledBack
	}
	return metrics.OutcomeError
}

// ambientTransaction attaches to a transaction the caller's context already
// carried. The physical commit belongs to whoever owns the outer boundary,
// so Commit is a no-op and Rollback only marks the outer transaction
// rollback-only. Completion functions and cache updates are deferred until
// the provider reports the outer transaction's completion, and are discarded
// unless it committed. The synchronization callback arrives on a provider
// goroutine, so the handle locks around its deferred state.
type ambientTransaction struct {
	ctx      context.Context
	id       string
	mgr      Manager
	monitors changes.MonitorFactory
	log      logger.Logger

	mu          sync.Mutex
	done        bool
	registered  bool
	completions completionRegistry
	updates     []workspaceUpdate
	finished    bool
	outcome     Status
}

// workspaceUpdate pairs a workspace with the change set to deliver to it
// once the outer transaction commits.
type workspaceUpdate struct {
	workspace cache.Workspace
	changes   *changes.ChangeSet
}

func (t *ambientTransaction) Context() context.Context {
	return t.ctx
}

func (t *ambientTransaction) CreateMonitor() changes.Monitor {
	return t.monitors.Create()
}

func (t *ambientTransaction) UponCompletion(fn CompletionFunc) error {
	if fn == nil {
		return nil
	}

	t.mu.Lock()
	if t.finished || t.mgr.Current(t.ctx) == nil {
		t.mu.Unlock()
		return runCompletions([]CompletionFunc{fn})
	}
	defer t.mu.Unlock()
	if err := t.ensureRegisteredLocked(); err != nil {
		return err
	}
	t.completions.add(fn)
	return nil
}

func (t *ambientTransaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return txnError(ErrNotAssociated, "transaction already completed")
	}
	t.done = true
	// The outer transaction is committed by whoever started it; deferred
	// work runs from the synchronization once that happens.
	return nil
}

func (t *ambientTransaction) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return txnError(ErrNotAssociated, "transaction already completed")
	}
	t.done = true
	t.mu.Unlock()

	err := t.mgr.SetRollbackOnly(t.ctx)
	if err != nil && !errors.Is(err, ErrNotAssociated) {
		return err
	}
	return nil
}

func (t *ambientTransaction) updateCache(ws cache.Workspace, cs *changes.ChangeSet) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		// The outer transaction completed before this delivery. Changes
		// are forwarded only if it committed.
		if t.outcome == StatusCommitted {
			notifyWorkspace(ws, cs)
		}
		return nil
	}
	if t.mgr.Current(t.ctx) == nil {
		// The outer transaction finished without this handle observing
		// it. Notify only when the provider reports a commit.
		if status, err := t.mgr.Status(t.ctx); err == nil && status == StatusCommitted {
			notifyWorkspace(ws, cs)
		}
		return nil
	}
	if err := t.ensureRegisteredLocked(); err != nil {
		return err
	}
	t.updates = append(t.updates, workspaceUpdate{workspace: ws, changes: cs})
	return nil
}

// ensureRegisteredLocked attaches the completion observer to the ambient
// transaction. Registration happens at most once per handle, on the first
// deferred completion function or cache update.
func (t *ambientTransaction) ensureRegisteredLocked() error {
	if t.registered {
		return nil
	}
	if err := t.mgr.RegisterSynchronization(t.ctx, &ambientSync{t: t}); err != nil {
		return err
	}
	t.registered = true
	return nil
}

func (t *ambientTransaction) afterCompletion(status Status) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.outcome = status
	fns := t.completions.drain()
	updates := t.updates
	t.updates = nil
	t.mu.Unlock()

	if status != StatusCommitted {
		metrics.RecordTransactionOutcome(modeAmbient, metrics.OutcomeRolledBack, 0)
		return
	}
	metrics.RecordTransactionOutcome(modeAmbient, metrics.OutcomeCommitted, 0)

	if err := runCompletions(fns); err != nil {
		t.log.Error("Completion functions failed after ambient commit",
			"txn_id", t.id,
			"error", err,
		)
	}
	for _, u := range updates {
		notifyWorkspace(u.workspace, u.changes)
	}
}

// ambientSync adapts an ambient handle to the provider's synchronization
// contract.
type ambientSync struct {
	t *ambientTransaction
}

func (s *ambientSync) BeforeCompletion() {}

func (s *ambientSync) AfterCompletion(status Status) {
	s.t.afterCompletion(status)
}

// notifyWorkspace delivers one change set to one workspace cache.
func notifyWorkspace(ws cache.Workspace, cs *changes.ChangeSet) {
	_, span := tracing.StartCacheSpan(context.Background(), tracing.SpanOperationCacheNotify,
		tracing.WithCacheWorkspace(ws.Name()),
		tracing.WithCacheChanges(cs.Size()),
	)
	defer span.End()

	ws.Changed(cs)
	metrics.RecordChangeSetNotified(ws.Name())
	tracing.RecordSuccess(span)
}

// currentID returns the identifier of the transaction associated with the
// context, or an empty string. It never fails.
func currentID(mgr Manager, ctx context.Context) string {
	if tx := mgr.Current(ctx); tx != nil {
		return tx.ID()
	}
	return ""
}
