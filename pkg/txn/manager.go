package txn

import "context"

// Status is the lifecycle state of a transaction as reported by a Manager.
type Status int

// Transaction lifecycle states.
const (
	// StatusNoTransaction means the context carries no transaction.
	StatusNoTransaction Status = iota
	// StatusActive means the transaction is live and accepting work.
	StatusActive
	// StatusMarkedRollback means the transaction can only roll back.
	StatusMarkedRollback
	// StatusCommitted means the transaction committed.
	StatusCommitted
	// StatusRolledBack means the transaction rolled back.
	StatusRolledBack
	// StatusUnknown means the provider could not determine the state.
	StatusUnknown
)

// String returns the label used for the status in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusNoTransaction:
		return "no_transaction"
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked_rollback"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// ManagedTx identifies a transaction tracked by a Manager. Callers treat it
// as an opaque token; its only use outside the coordinator is re-associating
// a suspended transaction through Resume.
type ManagedTx interface {
	// ID returns a diagnostic identifier for the transaction.
	ID() string
}

// Synchronization observes the completion of a managed transaction without
// being a commit participant. BeforeCompletion runs before the provider
// starts completing the transaction. AfterCompletion runs once the outcome
// is final, with the terminal status.
type Synchronization interface {
	BeforeCompletion()
	AfterCompletion(status Status)
}

// Manager is the transaction provider contract. A transaction is associated
// with a context.Context rather than a thread: Begin, Suspend and Resume
// return derived contexts carrying the association, and every other method
// operates on the transaction its context carries. At most one transaction
// is associated with a context at a time.
type Manager interface {
	// Current returns the active transaction associated with the context,
	// or nil when there is none or it has already finished.
	Current(ctx context.Context) ManagedTx

	// Begin starts a new transaction and returns a context carrying the
	// association. It fails with ErrNestedUnsupported when the context
	// already carries an active transaction, or with ErrProvider when the
	// provider cannot start one.
	Begin(ctx context.Context) (context.Context, ManagedTx, error)

	// Commit completes the transaction associated with the context. It
	// fails with ErrNotAssociated when there is none, ErrRolledBack when
	// the transaction was marked rollback-only and has been rolled back
	// instead, ErrHeuristicMixed or ErrHeuristicRollback on inconsistent
	// distributed outcomes, ErrPermission, or ErrProvider.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction associated with the context.
	// It fails with ErrNotAssociated, ErrPermission, or ErrProvider.
	Rollback(ctx context.Context) error

	// SetRollbackOnly marks the associated transaction so the only
	// possible outcome is rollback. It fails with ErrNotAssociated or
	// ErrProvider.
	SetRollbackOnly(ctx context.Context) error

	// Status reports the state of the transaction associated with the
	// context, including terminal states after it finished. It fails
	// with ErrProvider.
	Status(ctx context.Context) (Status, error)

	// Suspend detaches the associated transaction, returning a context
	// free of the association together with the detached transaction.
	// When no transaction is associated it returns the context unchanged
	// and a nil transaction.
	Suspend(ctx context.Context) (context.Context, ManagedTx, error)

	// Resume re-associates a previously suspended transaction and returns
	// the carrying context. It fails with ErrResumeInvalid when the
	// transaction is unknown to the provider or already finished.
	Resume(ctx context.Context, tx ManagedTx) (context.Context, error)

	// RegisterSynchronization attaches a completion observer to the
	// associated transaction. It fails with ErrNotAssociated when there
	// is none, ErrRolledBack when the transaction is already marked
	// rollback-only, or ErrProvider.
	RegisterSynchronization(ctx context.Context, sync Synchronization) error
}
