// Package dbtx provides a database/sql-backed transaction manager. Every
// Begin opens one database transaction; repository code retrieves the live
// *sql.Tx from the context with Tx and runs its statements inside the
// coordinated transaction. Commit outcomes map onto the txn error taxonomy,
// so callers see the same errors whether the provider is in-process or a
// real database.
package dbtx

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cairnrepo/cairn/pkg/observability/logger"
	"github.com/cairnrepo/cairn/pkg/txn"
)

func dbtxError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Config holds database connection configuration for the SQL transaction
// manager.
type Config struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns the default SQL manager configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          "postgres",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

type txKey struct{}

// sqlTx is one database transaction tracked by the manager.
type sqlTx struct {
	id string
	tx *sql.Tx

	mu     sync.Mutex
	status txn.Status
	syncs  []txn.Synchronization
}

// ID returns the transaction identifier.
func (t *sqlTx) ID() string {
	return t.id
}

func (t *sqlTx) terminalLocked() bool {
	return t.status == txn.StatusCommitted || t.status == txn.StatusRolledBack
}

// finish moves the transaction to a terminal status and hands back the
// synchronizations to notify. Notification happens outside the lock so
// observers can call back into the manager.
func (t *sqlTx) finish(status txn.Status) []txn.Synchronization {
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

// SQLManager implements txn.Manager on top of database/sql with connection
// pooling. It is safe for concurrent use; independent transactions on
// different contexts do not serialize each other.
type SQLManager struct {
	cfg Config
	db  *sql.DB
	log logger.Logger

	mu     sync.Mutex
	active map[string]*sqlTx
}

// NewSQLManager opens a pooled database connection and returns a SQL-backed
// transaction manager.
func NewSQLManager(cfg Config, log logger.Logger) (*SQLManager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Transaction store connected",
		"driver", cfg.Driver,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
	)

	return newSQLManagerWithDB(db, cfg, log)
}

// newSQLManagerWithDB wires a manager around an existing database handle.
func newSQLManagerWithDB(db *sql.DB, cfg Config, log logger.Logger) (*SQLManager, error) {
	return &SQLManager{
		cfg:    cfg,
		db:     db,
		log:    log,
		active: make(map[string]*sqlTx),
	}, nil
}

// DB returns the underlying *sql.DB for direct access when needed.
func (m *SQLManager) DB() *sql.DB {
	return m.db
}

// Ping verifies the database connection is alive.
func (m *SQLManager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// HealthCheck verifies the database connection is healthy with a timeout.
func (m *SQLManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := m.db.PingContext(ctx); err != nil {
		m.log.Error("Transaction store health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the database connection.
func (m *SQLManager) Close() error {
	m.log.Info("closing transaction store")
	if err := m.db.Close(); err != nil {
		m.log.Error("failed to close transaction store", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// Current returns the live transaction carried by the context, or nil.
func (m *SQLManager) Current(ctx context.Context) txn.ManagedTx {
	tx := txFromContext(ctx)
	if tx == nil {
		return nil
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.terminalLocked() {
		return nil
	}
	return tx
}

// Begin opens a new database transaction and returns a context carrying it.
func (m *SQLManager) Begin(ctx context.Context) (context.Context, txn.ManagedTx, error) {
	if current := m.Current(ctx); current != nil {
		return ctx, nil, dbtxError(txn.ErrNestedUnsupported, "context already carries transaction "+current.ID())
	}

	dbTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, nil, fmt.Errorf("%w: begin transaction: %w", txn.ErrProvider, err)
	}

	tx := &sqlTx{
		id:     uuid.NewString(),
		tx:     dbTx,
		status: txn.StatusActive,
	}

	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()

	return withTx(ctx, tx), tx, nil
}

// Commit commits the database transaction carried by the context. A
// transaction marked rollback-only is rolled back instead and the call fails
// with ErrRolledBack. A commit the database refuses is reported through the
// txn error taxonomy with the driver error preserved in the chain.
func (m *SQLManager) Commit(ctx context.Context) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return dbtxError(txn.ErrNotAssociated, "no transaction in context")
	}

	tx.mu.Lock()
	if tx.terminalLocked() {
		tx.mu.Unlock()
		return dbtxError(txn.ErrNotAssociated, "transaction already completed")
	}
	if tx.status == txn.StatusMarkedRollback {
		tx.mu.Unlock()
		if err := tx.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			m.log.Warn("Rollback of doomed transaction failed", "txn_id", tx.id, "error", err)
		}
		m.finish(tx, txn.StatusRolledBack)
		return dbtxError(txn.ErrRolledBack, "transaction was marked rollback-only")
	}
	syncs := append([]txn.Synchronization(nil), tx.syncs...)
	tx.mu.Unlock()

	for _, s := range syncs {
		s.BeforeCompletion()
	}

	if err := tx.tx.Commit(); err != nil {
		m.finish(tx, txn.StatusRolledBack)
		return commitFailure(err)
	}
	m.finish(tx, txn.StatusCommitted)
	return nil
}

// commitFailure classifies a driver commit error. A dead connection or a
// canceled context is a provider failure; anything else means the database
// aborted and rolled back the transaction.
func commitFailure(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return dbtxError(txn.ErrNotAssociated, "transaction already completed")
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: commit transaction: %w", txn.ErrProvider, err)
	}
	return fmt.Errorf("%w: %w", txn.ErrRolledBack, err)
}

// Rollback rolls back the database transaction carried by the context.
func (m *SQLManager) Rollback(ctx context.Context) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return dbtxError(txn.ErrNotAssociated, "no transaction in context")
	}

	tx.mu.Lock()
	terminal := tx.terminalLocked()
	tx.mu.Unlock()
	if terminal {
		return dbtxError(txn.ErrNotAssociated, "transaction already completed")
	}

	err := tx.tx.Rollback()
	m.finish(tx, txn.StatusRolledBack)
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: rollback transaction: %w", txn.ErrProvider, err)
	}
	return nil
}

// SetRollbackOnly marks the carried transaction so it can only roll back.
func (m *SQLManager) SetRollbackOnly(ctx context.Context) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return dbtxError(txn.ErrNotAssociated, "no transaction in context")
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.terminalLocked() {
		return dbtxError(txn.ErrNotAssociated, "transaction already completed")
	}
	tx.status = txn.StatusMarkedRollback
	return nil
}

// Status reports the state of the transaction carried by the context,
// including terminal states after it finished.
func (m *SQLManager) Status(ctx context.Context) (txn.Status, error) {
	tx := txFromContext(ctx)
	if tx == nil {
		return txn.StatusNoTransaction, nil
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status, nil
}

// Suspend detaches the carried transaction, returning a context without the
// association together with the detached transaction. The database
// transaction itself stays open.
func (m *SQLManager) Suspend(ctx context.Context) (context.Context, txn.ManagedTx, error) {
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
func (m *SQLManager) Resume(ctx context.Context, managed txn.ManagedTx) (context.Context, error) {
	tx, ok := managed.(*sqlTx)
	if !ok || tx == nil {
		return ctx, dbtxError(txn.ErrResumeInvalid, "transaction was not started by this manager")
	}

	m.mu.Lock()
	_, known := m.active[tx.id]
	m.mu.Unlock()
	if !known {
		return ctx, dbtxError(txn.ErrResumeInvalid, "transaction is unknown or already completed")
	}

	tx.mu.Lock()
	terminal := tx.terminalLocked()
	tx.mu.Unlock()
	if terminal {
		return ctx, dbtxError(txn.ErrResumeInvalid, "transaction is unknown or already completed")
	}

	return withTx(ctx, tx), nil
}

// RegisterSynchronization attaches a completion observer to the carried
// transaction.
func (m *SQLManager) RegisterSynchronization(ctx context.Context, sync txn.Synchronization) error {
	if sync == nil {
		return nil
	}
	tx := txFromContext(ctx)
	if tx == nil {
		return dbtxError(txn.ErrNotAssociated, "no transaction in context")
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.terminalLocked() {
		return dbtxError(txn.ErrNotAssociated, "transaction already completed")
	}
	if tx.status == txn.StatusMarkedRollback {
		return dbtxError(txn.ErrRolledBack, "transaction was marked rollback-only")
	}
	tx.syncs = append(tx.syncs, sync)
	return nil
}

// finish completes a transaction, drops it from the active table and
// notifies its synchronizations.
func (m *SQLManager) finish(tx *sqlTx, status txn.Status) {
	syncs := tx.finish(status)

	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()

	for _, s := range syncs {
		s.AfterCompletion(status)
	}
}

// Tx extracts the live database transaction from the context, if present.
// Repository code uses it to run statements inside the coordinated
// transaction.
func Tx(ctx context.Context) (*sql.Tx, bool) {
	tx := txFromContext(ctx)
	if tx == nil {
		return nil, false
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.terminalLocked() {
		return nil, false
	}
	return tx.tx, true
}

func withTx(ctx context.Context, tx *sqlTx) context.Context {
	ctx = context.WithValue(ctx, txKey{}, tx)
	return context.WithValue(ctx, "txn_id", tx.id)
}

// clearTx shadows the transaction association so the returned context
// carries none.
func clearTx(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, txKey{}, (*sqlTx)(nil))
	return context.WithValue(ctx, "txn_id", "")
}

func txFromContext(ctx context.Context) *sqlTx {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(txKey{}).(*sqlTx)
	return tx
}
