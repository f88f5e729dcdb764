package book

import (
	"fmt"
	"sync/atomic"
)

var checkInvariants atomic.Bool

// SetInvariantChecks turns the per-call tracker invariant checks on or off.
// They are off until enabled, by book.check_invariants or a test's TestMain.
func SetInvariantChecks(enabled bool) {
	checkInvariants.Store(enabled)
}

// InvariantChecksEnabled reports whether per-call checks are on.
func InvariantChecksEnabled() bool {
	return checkInvariants.Load()
}

// InvariantError describes a broken tracker invariant. It is used as a panic
// value: a tracker that violated an invariant has emitted output that cannot
// be trusted and its book must be rebuilt.
type InvariantError struct {
	Op  string
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("book: %s: invariant violated: %s", e.Op, e.Msg)
}

func violated(op, format string, args ...any) {
	panic(&InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)})
}
