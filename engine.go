// Package teseo implements a transactional in-memory graph storage
// engine: an MVCC-versioned fat tree of segments (package segment)
// indexed by a fat-tree index (internal/index), rebalanced by a crawler
// and spread operator (internal/rebalance), pruned and vertex-table-fed
// by a background merger (internal/merger), with on-demand auxiliary
// degree views (internal/aux) bridging point storage to array-indexed
// analytical scans.
//
// This is the root external surface of spec.md section 6: engine
// lifecycle, thread registration, and the Transaction/Iterator API. It
// owns no storage logic directly -- every method delegates to the
// internal packages above, following the same "thin embedding API over
// an internal engine" shape as the teacher's own WAL type.
package teseo

import (
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teseo-db/teseo/internal/aux"
	"github.com/teseo-db/teseo/internal/epoch"
	"github.com/teseo-db/teseo/internal/index"
	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/internal/merger"
	"github.com/teseo-db/teseo/internal/metrics"
	"github.com/teseo-db/teseo/internal/rebalance"
	"github.com/teseo-db/teseo/internal/txn"
	"github.com/teseo-db/teseo/internal/txnpool"
	"github.com/teseo-db/teseo/internal/vtable"
	"github.com/teseo-db/teseo/segment"
)

// Teseo is the engine: one fat-tree index, one vertex table, one
// transaction registry, one merger service, all sized by the options
// passed to New.
type Teseo struct {
	closed uint32 // atomic

	// numVertices/numEdges are the committed GraphProperty totals
	// (spec.md section 3: "a transaction also stores its local edge-/
	// vertex-count deltas separately from the storage to provide O(1)
	// totals without scanning"). Transaction folds its own deltas into
	// these at commit.
	numVertices int64 // atomic
	numEdges    int64 // atomic

	// lastCommittedTxnID is the commit timestamp of the most recently
	// committed read-write transaction, used as the aux-view cache key
	// of spec.md section 4.10 ("keyed by the committing transaction ID
	// of the latest visible state").
	lastCommittedTxnID uint64 // atomic

	segmentsPerLeaf    int
	segmentBudgetWords int
	auxDegreeThreshold int
	auxBuildWorkers    int
	txnPoolCapacity    int
	vtableReplicas     int
	mergerConfig       merger.Config

	logger log.Logger
	reg    prometheus.Registerer

	idx     *index.Index
	vt      *vtable.Replicated
	epochs  *epoch.Registry
	txnReg  *txn.Registry
	pools   *txnpool.GlobalList
	metrics *metrics.Metrics
	merger  *merger.Service

	auxMu    sync.Mutex
	auxCache map[uint64]*aux.Static // keyed by the committing txn id that produced it
}

// New creates the engine, seeds a single-leaf fat tree covering the
// whole key space, and starts the merger service, per spec.md section
// 6's "Teseo::new() creates the engine and starts the merger service."
func New(opts ...teseoOpt) (*Teseo, error) {
	t := &Teseo{}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}

	t.metrics = metrics.New(t.reg)
	t.epochs = epoch.NewRegistry()
	t.txnReg = txn.NewRegistry()
	t.pools = txnpool.NewGlobalList()
	t.vt = vtable.NewReplicated(t.vtableReplicas, 1024)
	t.auxCache = make(map[uint64]*aux.Static)

	root := segment.NewLeaf(key.Min, t.segmentsPerLeaf, t.segmentBudgetWords)
	root.SetMetrics(t.metrics)
	t.idx = index.New(root)

	t.merger = merger.New(t.idx, t.vt, t.txnReg.HighWaterMark, t.mergerConfig, t.logger, t.metrics)
	t.merger.Start()

	return t, nil
}

// Close stops the merger service. It is not an error to call Close more
// than once.
func (t *Teseo) Close() error {
	if !atomic.CompareAndSwapUint32(&t.closed, 0, 1) {
		return nil
	}
	t.merger.Stop()
	return nil
}

// ThreadHandle binds the calling OS thread to a thread context, per
// spec.md section 6's "register_thread()/unregister_thread() bind the
// calling OS thread to a thread context." The Design Notes call for an
// explicit handle rather than implicit thread-local storage, so callers
// thread this value through instead of Teseo looking it up by goroutine.
type ThreadHandle struct {
	engine *Teseo
	guard  *epoch.Guard
	pool   *txnpool.Pool
}

// RegisterThread binds the calling thread context to the engine,
// allocating it a transaction memory pool (reused from the engine's
// global list when occupancy elsewhere has dropped low enough, per
// spec.md section 4.12).
func (t *Teseo) RegisterThread() *ThreadHandle {
	return &ThreadHandle{
		engine: t,
		guard:  t.epochs.Register(),
		pool:   t.pools.Acquire(t.txnPoolCapacity),
	}
}

// UnregisterThread releases the thread context's epoch guard. Any
// transactions it started continue to be valid for other threads to
// commit/rollback/free, per spec.md section 4.12 ("a pool belongs to a
// thread context but any thread may free a transaction").
func (h *ThreadHandle) UnregisterThread() {
	h.engine.epochs.Unregister(h.guard)
}

// StartTransaction begins a new transaction bound to this thread
// context's memory pool, per spec.md section 6. It pins the thread's
// epoch guard for the duration of the transaction (spec.md section 5:
// every access to a leaf, segment or vertex-table bucket happens between
// Pin and Unpin), assuming -- as spec.md's thread-context model implies
// -- that a thread context runs one transaction at a time.
func (h *ThreadHandle) StartTransaction(readOnly bool) (*Transaction, error) {
	slot, ok := h.pool.Alloc()
	if !ok {
		return nil, ErrInternal
	}
	h.guard.Pin()
	return newTransaction(h, slot, readOnly), nil
}

// runRebalance drives one Acquire/Execute cycle of the crawler and
// spread operator (internal/rebalance) for the segment identified by
// leaf/segID. It is the async-rebalance collaborator retry.Loop's
// RebalanceRequester hook calls into; a losing tie-break or a window
// already claimed by another crawler (errs.RebalanceNotNecessary) is
// routine and silently ignored, since the writer that requested it
// simply retries against whatever segment now covers its key.
func (t *Teseo) runRebalance(leaf *segment.Leaf, segID int) {
	if leaf == nil {
		return
	}
	plan, err := rebalance.Acquire(t.idx, leaf, segID, t.segmentBudgetWords)
	if err != nil {
		return
	}
	view := segment.ReadView{ReadTS: t.txnReg.HighWaterMark()}
	rebalance.Execute(plan, view, t.txnReg.HighWaterMark(), t.idx)
	// A split may have chained fresh leaves off plan.FirstLeaf (spec.md
	// section 4.8's "allocate new leaves... the first one reusing the
	// existing leaf"); those are born without a metrics sink, so wire
	// them in here rather than threading metrics through Execute itself.
	for l := plan.FirstLeaf; l != nil; l = l.Next() {
		l.SetMetrics(t.metrics)
	}
	t.metrics.Rebalances.Inc()
	switch plan.Mode {
	case rebalance.ModeSplit:
		t.metrics.RebalanceSplits.Inc()
	case rebalance.ModeMerge:
		t.metrics.RebalanceMerges.Inc()
	}
}

// requestRebalanceFor resolves k's current segment and kicks off an
// async rebalance cycle for it, per spec.md section 4.3 ("a writer that
// finds no space schedules an async rebalance and retries"). It is the
// RebalanceRequester callback every Transaction write path hands to
// internal/retry.Loop.
func (t *Teseo) requestRebalanceFor(k key.Key) {
	leaf, segID := t.resolveSegment(k)
	go t.runRebalance(leaf, segID)
}

// resolveSegment resolves k to the (leaf, segment) that currently owns
// it, per spec.md sections 4.5/4.6: a vertex-key lookup first consults
// the vertex table (a cache, never a source of truth), falling back to,
// and always re-validating against, the fat-tree index and the owning
// leaf's fence keys. A structural change racing the lookup is resolved
// by retrying against the index rather than surfacing an error, mirroring
// the retry-via-index loop spec.md section 4.4 describes for readers.
func (t *Teseo) resolveSegment(k key.Key) (*segment.Leaf, int) {
	if k.IsVertex() {
		if ptr, ok := t.vt.Get(k.Source); ok && vtable.ValidateAgainst(ptr, k) {
			return ptr.Leaf, ptr.SegmentID
		}
	}
	var last index.Entry
	for attempt := 0; attempt < 10000; attempt++ {
		e, ok := t.idx.Find(k)
		if !ok {
			continue
		}
		last = e
		if e.Leaf.CheckFenceKeys(e.SegmentID, k) {
			return e.Leaf, e.SegmentID
		}
	}
	return last.Leaf, last.SegmentID
}

// invalidateAuxCache drops every cached static aux view, called after
// every committed read-write transaction since a commit changes the
// graph the next read-only transaction's view must reflect (spec.md
// section 4.10's cache key is "the committing transaction ID of the
// latest visible state").
func (t *Teseo) invalidateAuxCache() {
	t.auxMu.Lock()
	t.auxCache = make(map[uint64]*aux.Static)
	t.auxMu.Unlock()
}
