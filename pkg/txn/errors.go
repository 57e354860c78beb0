package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAssociated classifies operations that require an associated transaction when there is none.
	ErrNotAssociated = errors.New("txn not associated")
	// ErrNestedUnsupported classifies attempts to begin a transaction inside one the provider cannot nest.
	ErrNestedUnsupported = errors.New("txn nested transactions unsupported")
	// ErrRolledBack classifies transactions that were rolled back instead of committed, including commits of rollback-only transactions.
	ErrRolledBack = errors.New("txn rolled back")
	// ErrHeuristicMixed classifies distributed outcomes where parts committed and parts rolled back.
	ErrHeuristicMixed = errors.New("txn heuristic mixed outcome")
	// ErrHeuristicRollback classifies distributed outcomes where a heuristic decision rolled the transaction back.
	ErrHeuristicRollback = errors.New("txn heuristic rollback")
	// ErrPermission classifies callers not allowed to complete the transaction.
	ErrPermission = errors.New("txn permission denied")
	// ErrProvider classifies unexpected transaction provider failures.
	ErrProvider = errors.New("txn provider failure")
	// ErrCompletion classifies completion function failures after a successful commit.
	ErrCompletion = errors.New("txn completion failure")
	// ErrResumeInvalid classifies resume attempts with a transaction unknown to the provider or already finished.
	ErrResumeInvalid = errors.New("txn resume invalid")
)

func txnError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
