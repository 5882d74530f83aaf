// Package retry implements the single outer driver loop that spec.md
// section 9 calls for: "coroutine-less retry loops for Abort /
// NotSureIfVertexExists / NeedsRebalance" modeled as a StepOutcome
// returned up to a driver, rather than as exceptions.
package retry

import (
	"errors"
	"math/rand"
	"time"

	"github.com/teseo-db/teseo/internal/errs"
)

// MaxAttempts bounds the number of cooperative restarts before a caller
// gives up and surfaces errs.InternalError. It is generous because every
// retryable condition is expected to resolve within a handful of
// attempts under normal contention.
const MaxAttempts = 64

// Step is the unit of work the driver repeats. It returns a value on
// success, or an error which may be one of the retryable kinds in
// internal/errs, in which case the driver backs off and calls step
// again, or any other error, which the driver returns immediately.
type Step[T any] func(attempt int) (T, error)

// RebalanceRequester is invoked exactly once, the first time a step
// reports errs.NeedsRebalance, so the caller can schedule the async
// rebalance described in spec.md section 4.3. It is optional.
type RebalanceRequester func()

// Loop drives step until it returns a non-retryable result. onRebalance
// may be nil.
func Loop[T any](step Step[T], onRebalance RebalanceRequester) (T, error) {
	var zero T
	requestedRebalance := false
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		v, err := step(attempt)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, errs.NeedsRebalance) {
			if onRebalance != nil && !requestedRebalance {
				onRebalance()
				requestedRebalance = true
			}
			backoff(attempt)
			continue
		}
		if errs.IsRetryable(err) {
			backoff(attempt)
			continue
		}
		return zero, err
	}
	return zero, errs.InternalError
}

// backoff sleeps a short, jittered, exponentially-growing duration
// capped at 2ms so that a storm of retrying goroutines doesn't
// livelock the segment they're contending on.
func backoff(attempt int) {
	if attempt == 0 {
		return
	}
	n := attempt
	if n > 6 {
		n = 6
	}
	base := time.Duration(1<<uint(n)) * time.Microsecond
	jitter := time.Duration(rand.Intn(200)) * time.Microsecond
	d := base + jitter
	if d > 2*time.Millisecond {
		d = 2 * time.Millisecond
	}
	time.Sleep(d)
}
