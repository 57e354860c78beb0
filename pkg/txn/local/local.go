// Package local provides an in-process transaction manager. It implements
// the txn.Manager contract without any external coordinator: transactions
// are plain records associated with a context, completed by whoever started
// them, with optional idle timeouts that surface as a rollback on commit.
// It backs repositories that run without a surrounding transaction system,
// and it is the reference provider for exercising ambient-transaction
// behavior in tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cairnrepo/cairn/pkg/observability/logger"
	"github.com/cairnrepo/cairn/pkg/txn"
)

func localError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Config holds configuration for the local transaction manager.
type Config struct {
	// Timeout marks transactions rollback-only once they have been open
	// this long. Zero disables timeouts.
	Timeout time.Duration
}

// DefaultConfig returns the default local manager configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 0,
	}
}

type txKey struct{}

// localTx is one in-process transaction.
type localTx struct {
	id       string
	deadline time.Time

	mu       sync.Mutex
	status   txn.Status
	timedOut bool
	syncs    []txn.Synchronization
}

// ID returns the transaction identifier.
func (t *localTx) ID() string {
	return t.id
}

func (t *localTx) terminalLocked() bool {
	return t.status == txn.StatusCommitted || t.status == txn.StatusRolledBack
}

// finish moves the transaction to a terminal status and hands back the
// synchronizations to notify. Notification happens outside the lock so
// observers can call back into the manager.
func (t *localTx) finish(status txn.Status) []txn.Synchronization {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminalLocked() {
		return nil
	}
	t.status = status
	syncs := t.syncs
	t.syncs = nil
	return syncs
}

// LocalManager tracks in-process transactions. It is safe for concurrent
// use; independent transactions on different contexts do not serialize each
// other.
type LocalManager struct {
	cfg Config
	log logger.Logger

	mu     sync.Mutex
	active map[string]*localTx
}

// NewLocalManager creates an in-process transaction manager.
func NewLocalManager(cfg Config, log logger.Logger) (*LocalManager, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &LocalManager{
		cfg:    cfg,
		log:    log,
		active: make(map[string]*localTx),
	}, nil
}

// Current returns the live transaction carried by the context, or nil.
func (m *LocalManager) Current(ctx context.Context) txn.ManagedTx {
	tx := txFromContext(ctx)
	if tx == nil {
		return nil
	}
	m.expire(tx)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.terminalLocked() {
		return nil
	}
	return tx
}

// Begin starts a new transaction and returns a context carrying it.
func (m *LocalManager) Begin(ctx context.Context) (context.Context, txn.ManagedTx, error) {
	if current := m.Current(ctx); current != nil {
		return ctx, nil, localError(txn.ErrNestedUnsupported, "context already carries transaction "+current.ID())
	}

	tx := &localTx{
		id:     uuid.NewString(),
		status: txn.StatusActive,
	}
	if m.cfg.Timeout > 0 {
		tx.deadline = time.Now().Add(m.cfg.Timeout)
	}

	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()

	return withTx(ctx, tx), tx, nil
}

// Commit completes the transaction carried by the context. A transaction
// marked rollback-only, including one that timed out, is rolled back instead
// and the call fails with ErrRolledBack.
func (m *LocalManager) Commit(ctx context.Context) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return localError(txn.ErrNotAssociated, "no transaction in context")
	}
	m.expire(tx)

	tx.mu.Lock()
	if tx.terminalLocked() {
		tx.mu.Unlock()
		return localError(txn.ErrNotAssociated, "transaction already completed")
	}
	if tx.status == txn.StatusMarkedRollback {
		timedOut := tx.timedOut
		tx.mu.Unlock()
		m.finish(tx, txn.StatusRolledBack)
		if timedOut {
			return localError(txn.ErrRolledBack, "transaction timed out")
		}
		return localError(txn.ErrRolledBack, "transaction was marked rollback-only")
	}
	syncs := append([]txn.Synchronization(nil), tx.syncs...)
	tx.mu.Unlock()

	for _, s := range syncs {
		s.BeforeCompletion()
	}
	m.finish(tx, txn.StatusCommitted)
	return nil
}

// Rollback rolls back the transaction carried by the context.
func (m *LocalManager) Rollback(ctx context.Context) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return localError(txn.ErrNotAssociated, "no transaction in context")
	}

	tx.mu.Lock()
	terminal := tx.terminalLocked()
	tx.mu.Unlock()
	if terminal {
		return localError(txn.ErrNotAssociated, "transaction already completed")
	}

	m.finish(tx, txn.StatusRolledBack)
	return nil
}

// SetRollbackOnly marks the carried transaction so it can only roll back.
func (m *LocalManager) SetRollbackOnly(ctx context.Context) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return localError(txn.ErrNotAssociated, "no transaction in context")
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.terminalLocked() {
		return localError(txn.ErrNotAssociated, "transaction already completed")
	}
	tx.status = txn.StatusMarkedRollback
	return nil
}

// Status reports the state of the transaction carried by the context,
// including terminal states after it finished.
func (m *LocalManager) Status(ctx context.Context) (txn.Status, error) {
	tx := txFromContext(ctx)
	if tx == nil {
		return txn.StatusNoTransaction, nil
	}
	m.expire(tx)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status, nil
}

// Suspend detaches the carried transaction, returning a context without the
// association together with the detached transaction.
func (m *LocalManager) Suspend(ctx context.Context) (context.Context, txn.ManagedTx, error) {
	tx := txFromContext(ctx)
	if tx == nil {
		return ctx, nil, nil
	}

	tx.mu.Lock()
	terminal := tx.terminalLocked()
	tx.mu.Unlock()
	if terminal {
		return ctx, nil, nil
	}

	return clearTx(ctx), tx, nil
}

// Resume re-associates a transaction previously returned by Suspend.
func (m *LocalManager) Resume(ctx context.Context, managed txn.ManagedTx) (context.Context, error) {
	tx, ok := managed.(*localTx)
	if !ok || tx == nil {
		return ctx, localError(txn.ErrResumeInvalid, "transaction was not started by this manager")
	}

	m.mu.Lock()
	_, known := m.active[tx.id]
	m.mu.Unlock()
	if !known {
		return ctx, localError(txn.ErrResumeInvalid, "transaction is unknown or already completed")
	}

	tx.mu.Lock()
	terminal := tx.terminalLocked()
	tx.mu.Unlock()
	if terminal {
		return ctx, localError(txn.ErrResumeInvalid, "transaction is unknown or already completed")
	}

	return withTx(ctx, tx), nil
}

// RegisterSynchronization attaches a completion observer to the carried
// transaction.
func (m *LocalManager) RegisterSynchronization(ctx context.Context, sync txn.Synchronization) error {
	if sync == nil {
		return nil
	}
	tx := txFromContext(ctx)
	if tx == nil {
		return localError(txn.ErrNotAssociated, "no transaction in context")
	}
	m.expire(tx)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.terminalLocked() {
		return localError(txn.ErrNotAssociated, "transaction already completed")
	}
	if tx.status == txn.StatusMarkedRollback {
		return localError(txn.ErrRolledBack, "transaction was marked rollback-only")
	}
	tx.syncs = append(tx.syncs, sync)
	return nil
}

// expire marks a transaction rollback-only once its deadline passes. The
// actual rollback happens on the next commit attempt.
func (m *LocalManager) expire(tx *localTx) {
	tx.mu.Lock()
	if tx.deadline.IsZero() || tx.status != txn.StatusActive || time.Now().Before(tx.deadline) {
		tx.mu.Unlock()
		return
	}
	tx.status = txn.StatusMarkedRollback
	tx.timedOut = true
	tx.mu.Unlock()

	m.log.Warn("Transaction timed out", "txn_id", tx.id)
}

// finish completes a transaction, drops it from the active table and
// notifies its synchronizations.
func (m *LocalManager) finish(tx *localTx, status txn.Status) {
	syncs := tx.finish(status)

	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()

	for _, s := range syncs {
		s.AfterCompletion(status)
	}
}

func withTx(ctx context.Context, tx *localTx) context.Context {
	ctx = context.WithValue(ctx, txKey{}, tx)
	return context.WithValue(ctx, "txn_id", tx.id)
}

// clearTx shadows the transaction association so the returned context
// carries none.
func clearTx(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, txKey{}, (*localTx)(nil))
	return context.WithValue(ctx, "txn_id", "")
}

func txFromContext(ctx context.Context) *localTx {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(txKey{}).(*localTx)
	return tx
}
