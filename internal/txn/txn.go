// Package txn defines the minimal transaction-identity and
// timestamp-assignment contract that spec.md section 1 lists as an
// external collaborator ("transaction-ID bookkeeping... remain external
// collaborators"). segment.TxnRef is the interface the storage layer
// consumes; Txn here is the concrete, minimal implementation that lets
// the rest of the engine run end-to-end without a full-blown external
// transaction manager.
package txn

import (
	"sync"
	"sync/atomic"
)

// Txn is a minimal transaction identity: an ID assigned at start, and a
// commit timestamp assigned (once) at commit. It satisfies
// segment.TxnRef.
type Txn struct {
	id       uint64
	readTS   uint64 // immutable after Begin
	commitTS uint64 // atomic; 0 means not yet committed
	aborted  uint32 // atomic
}

// ID returns the transaction's identity, stable for its lifetime.
func (t *Txn) ID() uint64 { return t.id }

// ReadTS returns the read timestamp captured when this transaction
// began: the commit-timestamp high-water mark at Begin time, and the
// upper bound of what this transaction's own reads may see from other
// committed transactions.
func (t *Txn) ReadTS() uint64 { return t.readTS }

// CommitTS returns the transaction's commit timestamp and whether it
// has committed. A transaction that has aborted never reports
// committed.
func (t *Txn) CommitTS() (uint64, bool) {
	ts := atomic.LoadUint64(&t.commitTS)
	return ts, ts != 0
}

// MarkAborted records that this transaction rolled back; version chains
// holding a reference to it will never see it as committed.
func (t *Txn) MarkAborted() { atomic.StoreUint32(&t.aborted, 1) }

// Aborted reports whether MarkAborted was called.
func (t *Txn) Aborted() bool { return atomic.LoadUint32(&t.aborted) == 1 }

// commit assigns ts as this transaction's commit timestamp. Called
// exactly once, by the owning Registry at commit time.
func (t *Txn) commit(ts uint64) { atomic.StoreUint64(&t.commitTS, ts) }

// Registry assigns monotonically increasing transaction IDs and commit
// timestamps, and tracks the oldest still-active read timestamp the
// merger and rebalancer prune against (spec.md section 4.9's
// high-water mark).
type Registry struct {
	nextID    uint64 // atomic
	nextTS    uint64 // atomic
	state     activeSet
}

type activeSet struct {
	mu     sync.Mutex
	active map[uint64]uint64 // txn id -> read ts
}

func NewRegistry() *Registry {
	r := &Registry{nextTS: 1}
	r.state.active = make(map[uint64]uint64)
	return r
}

// Begin starts a new transaction and records its read timestamp (the
// current commit-timestamp high-water mark) as the oldest version it
// must continue to see.
func (r *Registry) Begin() *Txn {
	id := atomic.AddUint64(&r.nextID, 1)
	readTS := atomic.LoadUint64(&r.nextTS)
	t := &Txn{id: id, readTS: readTS}
	r.state.mu.Lock()
	r.state.active[id] = readTS
	r.state.mu.Unlock()
	return t
}

// Commit assigns t the next commit timestamp and removes it from the
// active set.
func (r *Registry) Commit(t *Txn) uint64 {
	ts := atomic.AddUint64(&r.nextTS, 1)
	t.commit(ts)
	r.state.mu.Lock()
	delete(r.state.active, t.id)
	r.state.mu.Unlock()
	return ts
}

// Rollback marks t aborted and removes it from the active set without
// assigning it a commit timestamp.
func (r *Registry) Rollback(t *Txn) {
	t.MarkAborted()
	r.state.mu.Lock()
	delete(r.state.active, t.id)
	r.state.mu.Unlock()
}

// HighWaterMark returns the oldest read timestamp among active
// transactions, or the current commit-timestamp counter if none are
// active -- the value the merger and spread operator prune undo chains
// against (spec.md sections 4.8/4.9).
func (r *Registry) HighWaterMark() uint64 {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	min := atomic.LoadUint64(&r.nextTS)
	for _, ts := range r.state.active {
		if ts < min {
			min = ts
		}
	}
	return min
}
