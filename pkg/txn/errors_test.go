package txn

import (
	"errors"
	"testing"
)

func TestTxnErrorWrapsKind(t *testing.T) {
	err := txnError(ErrProvider, "manager unreachable")
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if err.Error() != "txn provider failure: manager unreachable" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestTxnErrorEmptyMessage(t *testing.T) {
	if err := txnError(ErrNotAssociated, ""); err != ErrNotAssociated {
		t.Errorf("expected bare kind for empty message, got %v", err)
	}
}

func TestErrorKindsAreDistinct(t *testing.T) {
	kinds := []error{
		ErrNotAssociated,
		ErrNestedUnsupported,
		ErrRolledBack,
		ErrHeuristicMixed,
		ErrHeuristicRollback,
		ErrPermission,
		ErrProvider,
		ErrCompletion,
		ErrResumeInvalid,
	}
	for i, kind := range kinds {
		for j, other := range kinds {
			if i != j && errors.Is(kind, other) {
				t.Errorf("%v must not match %v", kind, other)
			}
		}
	}
}
