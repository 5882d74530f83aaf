// Package errs enumerates the error kinds of spec.md section 7. The
// cooperative-retry kinds (Abort, NotSureIfVertexExists, NeedsRebalance,
// TooManyReaders, RebalanceNotNecessary) never escape the package that
// produces them in normal operation; they are exported so the shared
// retry driver (internal/retry) and tests can recognize them with
// errors.Is.
package errs

import "errors"

var (
	// Abort is returned by an optimistic reader that observed a
	// concurrent modification. The caller retries.
	Abort = errors.New("teseo: optimistic read aborted")

	// NotSureIfVertexExists is returned by a writer that cannot prove
	// the source vertex exists in the segment it holds. The caller
	// retries with a wider search (typically re-resolving through the
	// index and walking backwards).
	NotSureIfVertexExists = errors.New("teseo: cannot confirm source vertex existence")

	// NeedsRebalance is returned when a writer finds no space in its
	// segment. The caller schedules an async rebalance and retries.
	NeedsRebalance = errors.New("teseo: segment needs rebalance")

	// RebalanceNotNecessary is returned to a crawler whose window was
	// absorbed by another, earlier crawler. It never surfaces beyond
	// the rebalancer.
	RebalanceNotNecessary = errors.New("teseo: rebalance window already claimed")

	// TooManyReaders indicates latch saturation; the caller backs off
	// and retries.
	TooManyReaders = errors.New("teseo: too many concurrent readers")

	// ScanInterrupted is returned when a scan callback asks to stop
	// early; it is not a failure.
	ScanInterrupted = errors.New("teseo: scan interrupted by callback")

	// InternalError wraps an invariant violation. It is not recoverable
	// and terminates the current transaction.
	InternalError = errors.New("teseo: internal invariant violation")
)

// Logical is the user-visible error family (vertex/edge duplicate or
// absent, mutation on a read-only transaction, out-of-range logical ID).
type Logical struct {
	Msg string
}

func (e *Logical) Error() string { return "teseo: " + e.Msg }

// NewLogical constructs a Logical error with the given message.
func NewLogical(msg string) error { return &Logical{Msg: msg} }

// IsRetryable reports whether err is one of the cooperative-restart
// kinds that internal/retry.Loop knows how to drive.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, Abort),
		errors.Is(err, NotSureIfVertexExists),
		errors.Is(err, NeedsRebalance),
		errors.Is(err, TooManyReaders):
		return true
	default:
		return false
	}
}
