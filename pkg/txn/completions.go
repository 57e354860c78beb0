package txn

import (
	"errors"
	"fmt"

	"github.com/cairnrepo/cairn/pkg/observability/metrics"
)

// CompletionFunc is a unit of work registered on a transaction handle. It
// runs exactly once after the transaction commits.
type CompletionFunc func() error

// completionRegistry holds completion functions in registration order. Most
// transactions register at most one function, so a single function is stored
// inline and the slice is only allocated on the second registration.
type completionRegistry struct {
	first CompletionFunc
	more  []CompletionFunc
}

func (r *completionRegistry) add(fn CompletionFunc) {
	if r.first == nil && r.more == nil {
		r.first = fn
		return
	}
	if r.more == nil {
		r.more = []CompletionFunc{r.first}
		r.first = nil
	}
	r.more = append(r.more, fn)
}

func (r *completionRegistry) size() int {
	if r.first != nil {
		return 1
	}
	return len(r.more)
}

// drain removes and returns the registered functions in registration order.
func (r *completionRegistry) drain() []CompletionFunc {
	if r.first != nil {
		fns := []CompletionFunc{r.first}
		r.first = nil
		return fns
	}
	fns := r.more
	r.more = nil
	return fns
}

// runCompletions invokes every function in order. A failing function does
// not stop the ones after it; all failures are aggregated into a single
// error classified as ErrCompletion, so callers can tell completion failures
// apart from commit failures.
func runCompletions(fns []CompletionFunc) error {
	var errs []error
	for _, fn := range fns {
		err := fn()
		metrics.RecordCompletionFunction(err != nil)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCompletion, errors.Join(errs...))
}
