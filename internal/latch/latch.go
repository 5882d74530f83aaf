// Package latch implements the multi-role segment latch of spec.md
// section 4.1: a fair latch coordinating readers, a single writer, a
// single rebalancer and optimistic readers, backed by an explicit FIFO
// wait queue (never an ad-hoc sleep).
//
// The state word packs reader count, writer/rebalancer/wait/invalid
// flags and a monotone version counter into a single atomic uint64 for
// the lock-free fast paths (reader_enter/reader_exit when uncontended,
// optimistic_enter/optimistic_validate). Acquisitions that must block
// fall back to an intrusive FIFO of parked goroutines guarded by a
// plain mutex -- the "xlock" role of spec.md is played by that mutex
// plus the CAS loop on the word, rather than a distinct bit, which is
// the idiomatic Go rendering of the same short-duration critical
// section.
package latch

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teseo-db/teseo/internal/errs"
	"github.com/teseo-db/teseo/internal/metrics"
)

const (
	readerBits  = 8
	readerMax   = (1 << readerBits) - 1
	readerShift = 0
	writerBit   = uint64(1) << 8
	rebalBit    = uint64(1) << 9
	waitBit     = uint64(1) << 10
	invalidBit  = uint64(1) << 11
	versionShift = 16
)

func readerCount(w uint64) uint64 { return (w >> readerShift) & readerMax }

// Kind identifies the role a waiter in the FIFO queue is blocked for.
type Kind int

const (
	kindReader Kind = iota
	kindWriter
	kindRebalancer
)

type waiter struct {
	kind Kind
	ch   chan struct{}
}

// Latch is the per-segment multi-role latch.
type Latch struct {
	word uint64 // atomic

	qmu   sync.Mutex
	queue []waiter

	// rebalRequested is set by a writer that observed segment pressure
	// (spec.md 4.3 "rebalance-request heuristic"); rebalancer_enter is
	// only reachable while this is set.
	rebalRequested uint32

	// waits, if set via SetMetrics, counts queueing acquisitions by role.
	// nil leaves it a no-op, which every test constructing a Latch
	// directly relies on.
	waits *prometheus.CounterVec
}

// SetMetrics wires m's LatchWaits counter into this latch's queueing
// path. Must be called before the latch is exposed to concurrent
// callers; it is not itself synchronized against ReaderEnter/WriterEnter.
func (l *Latch) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		l.waits = m.LatchWaits
	}
}

// New constructs a latch in the FREE state with version 1.
func New() *Latch {
	l := &Latch{}
	atomic.StoreUint64(&l.word, uint64(1)<<versionShift)
	return l
}

func (l *Latch) load() uint64        { return atomic.LoadUint64(&l.word) }
func (l *Latch) version(w uint64) uint64 { return w >> versionShift }

// Version returns the current version without acquiring anything.
func (l *Latch) Version() uint64 { return l.version(l.load()) }

// Invalidate marks the segment as dissolved (post split/merge). Every
// optimistic reader still holding an old version will fail validation.
func (l *Latch) Invalidate() {
	for {
		w := l.load()
		nw := w | invalidBit
		if atomic.CompareAndSwapUint64(&l.word, w, nw) {
			return
		}
	}
}

// IsInvalid reports whether the segment has been dissolved.
func (l *Latch) IsInvalid() bool { return l.load()&invalidBit != 0 }

// RequestRebalance sets the rebalance-requested flag so that a crawler
// is later permitted to call RebalancerEnter on this segment.
func (l *Latch) RequestRebalance() { atomic.StoreUint32(&l.rebalRequested, 1) }

// RebalanceRequested reports whether RequestRebalance was called and not
// yet consumed by a successful RebalancerEnter.
func (l *Latch) RebalanceRequested() bool { return atomic.LoadUint32(&l.rebalRequested) == 1 }

// ReaderEnter acquires the latch in read mode. If fair is true and the
// wait flag is set, the caller enqueues behind any pending writer even
// if the reader count would otherwise allow entry immediately, to avoid
// starving a writer under sustained read pressure.
func (l *Latch) ReaderEnter(fair bool) error {
	for {
		w := l.load()
		waitSet := w&waitBit != 0
		if (!fair || !waitSet) && w&(writerBit|rebalBit) == 0 {
			rc := readerCount(w)
			if rc >= readerMax {
				return errs.TooManyReaders
			}
			nw := w + 1
			if atomic.CompareAndSwapUint64(&l.word, w, nw) {
				return nil
			}
			continue
		}
		// Must queue.
		if l.enqueueAndWait(kindReader) {
			return nil
		}
		// Woken spuriously or raced; retry from scratch.
	}
}

// ReaderExit releases a read-mode hold acquired via ReaderEnter.
func (l *Latch) ReaderExit() {
	for {
		w := l.load()
		rc := readerCount(w)
		if rc == 0 {
			panic("latch: ReaderExit with zero reader count")
		}
		nw := w - 1
		if atomic.CompareAndSwapUint64(&l.word, w, nw) {
			if readerCount(nw) == 0 && nw&waitBit != 0 {
				l.wakeNextGroup()
			}
			return
		}
	}
}

// WriterEnter acquires the latch in write mode, blocking until no
// writer, rebalancer or reader holds it.
func (l *Latch) WriterEnter() {
	for {
		w := l.load()
		if w&(writerBit|rebalBit) == 0 && readerCount(w) == 0 {
			nw := w | writerBit
			if atomic.CompareAndSwapUint64(&l.word, w, nw) {
				return
			}
			continue
		}
		if l.enqueueAndWait(kindWriter) {
			return
		}
	}
}

// WriterExit releases a write-mode hold, bumps the version and wakes
// the next eligible group.
func (l *Latch) WriterExit() {
	for {
		w := l.load()
		if w&writerBit == 0 {
			panic("latch: WriterExit without writer flag set")
		}
		ver := l.version(w) + 1
		nw := (ver << versionShift) | (w & (readerMax | writerBit | rebalBit | waitBit | invalidBit))
		nw &^= writerBit
		if atomic.CompareAndSwapUint64(&l.word, w, nw) {
			if nw&waitBit != 0 {
				l.wakeNextGroup()
			}
			return
		}
	}
}

// RebalancerEnter acquires the latch in REBAL mode, blocking until no
// writer, rebalancer or reader holds it. It is only valid when
// RebalanceRequested() is true; it does not check that flag itself, and
// detecting a rival crawler is left to the crawler layer.
func (l *Latch) RebalancerEnter() {
	for {
		w := l.load()
		if w&(writerBit|rebalBit) == 0 && readerCount(w) == 0 {
			nw := w | rebalBit
			if atomic.CompareAndSwapUint64(&l.word, w, nw) {
				return
			}
			continue
		}
		if l.enqueueAndWait(kindRebalancer) {
			return
		}
	}
}

// RebalancerExit releases REBAL mode, bumps the version, clears the
// rebalance-requested flag and wakes the next eligible group. If
// invalidated is true the segment is marked dissolved as part of the
// same transition (spec.md 4.1: FREE|READ|WRITE -> REBAL -> FREE|invalid).
func (l *Latch) RebalancerExit(invalidated bool) {
	atomic.StoreUint32(&l.rebalRequested, 0)
	for {
		w := l.load()
		if w&rebalBit == 0 {
			panic("latch: RebalancerExit without rebalancer flag set")
		}
		ver := l.version(w) + 1
		nw := (ver << versionShift) | (w & (readerMax | writerBit | rebalBit | waitBit | invalidBit))
		nw &^= rebalBit
		if invalidated {
			nw |= invalidBit
		}
		if atomic.CompareAndSwapUint64(&l.word, w, nw) {
			if nw&waitBit != 0 {
				l.wakeNextGroup()
			}
			return
		}
	}
}

// OptimisticEnter returns the current version, performing no state
// change. The caller must later call OptimisticValidate(v) before
// trusting anything it read under that version.
func (l *Latch) OptimisticEnter() (uint64, error) {
	w := l.load()
	if w&invalidBit != 0 {
		return 0, errs.Abort
	}
	return l.version(w), nil
}

// OptimisticValidate fails with errs.Abort iff the version has moved on
// or the segment was invalidated since v was captured.
func (l *Latch) OptimisticValidate(v uint64) error {
	w := l.load()
	if w&invalidBit != 0 || l.version(w) != v {
		return errs.Abort
	}
	return nil
}

// enqueueAndWait parks the calling goroutine in the FIFO wait queue and
// blocks until woken. It returns true once the caller has been granted
// the role it queued for (the waker is responsible for performing the
// state transition before waking, under qmu, so by the time Wait
// returns the flag/counter is already set on behalf of the caller).
//
// The fast-path check that sent the caller here (in ReaderEnter/
// WriterEnter/RebalancerEnter) reads the word without qmu, while a
// releaser (ReaderExit/WriterExit/RebalancerExit) mutates the word and
// decides whether to wake without qmu either: a releaser can run its
// whole exit -- observe the wait bit still clear, and so skip
// wakeNextGroup entirely -- strictly before this caller gets as far as
// appending itself to the queue and setting the wait bit. That leaves a
// parked waiter nobody will ever wake. Guard against it: once this
// caller is the sole (first) entry in the queue, re-check under qmu
// whether its role is now actually grantable and, if so, grant it to
// itself instead of parking, since a release that already happened
// found no one queued to wake. Any waiter behind a non-empty queue is
// covered by the waiter ahead of it performing the same check.
func (l *Latch) enqueueAndWait(kind Kind) bool {
	ch := make(chan struct{})
	l.qmu.Lock()
	wasEmpty := len(l.queue) == 0
	l.queue = append(l.queue, waiter{kind: kind, ch: ch})
	l.setWaitBit()
	if wasEmpty && l.tryGrantLocked(kind) {
		l.queue = l.queue[1:]
		if len(l.queue) == 0 {
			l.clearWaitBitLocked()
		}
		l.qmu.Unlock()
		if l.waits != nil {
			l.waits.WithLabelValues(roleName(kind)).Inc()
		}
		return true
	}
	l.qmu.Unlock()
	if l.waits != nil {
		l.waits.WithLabelValues(roleName(kind)).Inc()
	}
	<-ch
	return true
}

// tryGrantLocked attempts the same grant the fast path already failed
// to make, for the given role. Safe to call while holding qmu: it only
// performs atomic CAS attempts against the word, never blocks.
func (l *Latch) tryGrantLocked(kind Kind) bool {
	switch kind {
	case kindWriter:
		return l.tryGrantWriter()
	case kindRebalancer:
		return l.tryGrantRebalancer()
	default:
		return l.tryGrantReaders(1)
	}
}

func roleName(k Kind) string {
	switch k {
	case kindReader:
		return "reader"
	case kindWriter:
		return "writer"
	case kindRebalancer:
		return "rebalancer"
	default:
		return "unknown"
	}
}

func (l *Latch) setWaitBit() {
	for {
		w := l.load()
		if w&waitBit != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&l.word, w, w|waitBit) {
			return
		}
	}
}

// wakeNextGroup implements the queue policy of spec.md 4.1: a wakeup
// drains either one writer/rebalancer, or a maximal run of physical
// readers -- never both in the same wake.
func (l *Latch) wakeNextGroup() {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	if len(l.queue) == 0 {
		l.clearWaitBitLocked()
		return
	}
	head := l.queue[0]
	switch head.kind {
	case kindWriter:
		if !l.tryGrantWriter() {
			return
		}
		l.queue = l.queue[1:]
		close(head.ch)
	case kindRebalancer:
		if !l.tryGrantRebalancer() {
			return
		}
		l.queue = l.queue[1:]
		close(head.ch)
	case kindReader:
		n := 0
		for n < len(l.queue) && l.queue[n].kind == kindReader {
			n++
		}
		if !l.tryGrantReaders(n) {
			return
		}
		for i := 0; i < n; i++ {
			close(l.queue[i].ch)
		}
		l.queue = l.queue[n:]
	}
	if len(l.queue) == 0 {
		l.clearWaitBitLocked()
	}
}

func (l *Latch) clearWaitBitLocked() {
	for {
		w := l.load()
		if w&waitBit == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&l.word, w, w&^waitBit) {
			return
		}
	}
}

func (l *Latch) tryGrantWriter() bool {
	for {
		w := l.load()
		if w&(writerBit|rebalBit) != 0 || readerCount(w) != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&l.word, w, w|writerBit) {
			return true
		}
	}
}

func (l *Latch) tryGrantRebalancer() bool {
	for {
		w := l.load()
		if w&(writerBit|rebalBit) != 0 || readerCount(w) != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&l.word, w, w|rebalBit) {
			return true
		}
	}
}

func (l *Latch) tryGrantReaders(n int) bool {
	for {
		w := l.load()
		if w&(writerBit|rebalBit) != 0 {
			return false
		}
		rc := readerCount(w)
		if rc+uint64(n) > readerMax {
			return false
		}
		nw := w + uint64(n)
		if atomic.CompareAndSwapUint64(&l.word, w, nw) {
			return true
		}
	}
}
