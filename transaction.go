package teseo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/teseo-db/teseo/internal/aux"
	"github.com/teseo-db/teseo/internal/errs"
	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/internal/retry"
	"github.com/teseo-db/teseo/internal/txn"
	"github.com/teseo-db/teseo/internal/txnpool"
	"github.com/teseo-db/teseo/segment"
)

// writeRecord is one entry in a Transaction's undo log: enough to ask
// the owning segment to reverse its most recent change to key, in the
// reverse order the writes were made, per spec.md section 4.2's
// "aborting... walks the undo chain newest-to-oldest".
type writeRecord struct {
	leaf  *segment.Leaf
	segID int
	key   key.Key
}

// Transaction is the public read or read-write handle of spec.md
// section 6. It owns its own GraphProperty deltas (local vertex/edge
// count adjustments folded into the engine's totals at commit) and, on
// first use, an auxiliary degree view -- a read-only transaction gets an
// immutable Static view (cached engine-wide), a read-write transaction
// builds its own Dynamic view so its uncommitted writes can keep it live
// (spec.md section 4.10).
type Transaction struct {
	handle   *ThreadHandle
	ref      *txn.Txn
	poolSlot *txnpool.Txn
	readOnly bool

	done uint32 // atomic; 1 once Commit or Rollback has run

	deltaVertices int64 // atomic
	deltaEdges    int64 // atomic

	writes []writeRecord

	auxMu       sync.Mutex
	staticView  *aux.Static
	dynamicView *aux.Dynamic
	degreeReads int
}

// newTransaction wraps a freshly begun internal/txn.Txn and a pool slot
// into the public Transaction handle. Called only from
// ThreadHandle.StartTransaction.
func newTransaction(h *ThreadHandle, slot *txnpool.Txn, readOnly bool) *Transaction {
	ref := h.engine.txnReg.Begin()
	slot.Payload = ref
	return &Transaction{handle: h, ref: ref, poolSlot: slot, readOnly: readOnly}
}

// view returns this transaction's MVCC visibility window.
func (t *Transaction) view() segment.ReadView {
	return segment.ReadView{TxnID: t.ref.ID(), ReadTS: t.ref.ReadTS()}
}

func (t *Transaction) checkWritable() error {
	if atomic.LoadUint32(&t.done) != 0 {
		return ErrClosed
	}
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *Transaction) recordWrite(leaf *segment.Leaf, segID int, k key.Key) {
	t.writes = append(t.writes, writeRecord{leaf: leaf, segID: segID, key: k})
}

// InsertVertex adds a vertex with the given external ID, per spec.md
// section 6's insert_vertex(id).
func (t *Transaction) InsertVertex(id uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	internalID := key.ExternalToInternal(id)
	if t.hasVertexInternal(internalID) {
		return ErrVertexAlreadyExists
	}
	eng := t.handle.engine
	k := key.VertexKey(internalID)
	_, err := retry.Loop(func(attempt int) (struct{}, error) {
		leaf, segID := eng.resolveSegment(k)
		seg := leaf.Segment(segID)
		e := seg.Update(segment.Update{Op: segment.OpInsertVertex, Key: k}, true, t.ref)
		if e == nil {
			t.recordWrite(leaf, segID, k)
		}
		return struct{}{}, e
	}, func() { eng.requestRebalanceFor(k) })
	if err != nil {
		return err
	}
	atomic.AddInt64(&t.deltaVertices, 1)
	if t.dynamicView != nil {
		t.dynamicView.InsertVertex(internalID, 0)
	}
	return nil
}

// RemoveVertex deletes a vertex and cascades removal of every outgoing
// edge it owns, per spec.md section 6's remove_vertex(id).
func (t *Transaction) RemoveVertex(id uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	internalID := key.ExternalToInternal(id)
	if !t.hasVertexInternal(internalID) {
		return ErrVertexDoesNotExist
	}
	eng := t.handle.engine
	k := key.VertexKey(internalID)
	removed, err := retry.Loop(func(attempt int) ([]key.Key, error) {
		leaf, segID := eng.resolveSegment(k)
		seg := leaf.Segment(segID)
		rem, e := seg.RemoveVertex(internalID, t.ref, t.view())
		if e == nil {
			t.recordWrite(leaf, segID, k)
			for _, rk := range rem {
				t.recordWrite(leaf, segID, rk)
			}
		}
		return rem, e
	}, func() { eng.requestRebalanceFor(k) })
	if err != nil {
		return err
	}
	eng.vt.Remove(internalID)
	atomic.AddInt64(&t.deltaVertices, -1)
	atomic.AddInt64(&t.deltaEdges, -int64(len(removed)))
	if t.dynamicView != nil {
		t.dynamicView.RemoveVertex(internalID)
	}
	return nil
}

// InsertEdge adds the directed edge src->dst with the given weight, per
// spec.md section 6's insert_edge(src, dst, weight). When directed is
// false this is the supplemented undirected form of section 10: the
// mirrored dst->src edge is inserted right after src->dst. If the
// mirrored insert fails (e.g. dst missing), src->dst stays installed and
// the error is returned; rolling back the transaction removes both.
func (t *Transaction) InsertEdge(src, dst uint64, weight int64, directed bool) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	internalSrc := key.ExternalToInternal(src)
	internalDst := key.ExternalToInternal(dst)
	if err := t.insertEdgeOneWay(internalSrc, internalDst, weight); err != nil {
		return err
	}
	if !directed {
		if err := t.insertEdgeOneWay(internalDst, internalSrc, weight); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) insertEdgeOneWay(internalSrc, internalDst uint64, weight int64) error {
	if t.hasEdgeInternal(internalSrc, internalDst) {
		return ErrEdgeAlreadyExists
	}
	eng := t.handle.engine
	k := key.EdgeKey(internalSrc, internalDst)
	hasSourceVertex := false
	_, err := retry.Loop(func(attempt int) (struct{}, error) {
		leaf, segID := eng.resolveSegment(k)
		seg := leaf.Segment(segID)
		e := seg.Update(segment.Update{Op: segment.OpInsertEdge, Key: k, Weight: weight}, hasSourceVertex, t.ref)
		if e == errs.NotSureIfVertexExists {
			if t.hasVertexInternal(internalSrc) {
				hasSourceVertex = true
				return struct{}{}, errs.Abort
			}
			return struct{}{}, ErrVertexDoesNotExist
		}
		if e == nil {
			t.recordWrite(leaf, segID, k)
		}
		return struct{}{}, e
	}, func() { eng.requestRebalanceFor(k) })
	if err != nil {
		return err
	}
	atomic.AddInt64(&t.deltaEdges, 1)
	if t.dynamicView != nil {
		t.dynamicView.ChangeDegree(internalSrc, 1)
	}
	return nil
}

// RemoveEdge deletes the directed edge src->dst, per spec.md section 6's
// remove_edge(src, dst). When directed is false the mirrored dst->src
// edge is removed as part of the same logical operation (spec.md section
// 10).
func (t *Transaction) RemoveEdge(src, dst uint64, directed bool) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	internalSrc := key.ExternalToInternal(src)
	internalDst := key.ExternalToInternal(dst)
	if err := t.removeEdgeOneWay(internalSrc, internalDst); err != nil {
		return err
	}
	if !directed {
		if err := t.removeEdgeOneWay(internalDst, internalSrc); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) removeEdgeOneWay(internalSrc, internalDst uint64) error {
	if !t.hasEdgeInternal(internalSrc, internalDst) {
		return ErrEdgeDoesNotExist
	}
	eng := t.handle.engine
	k := key.EdgeKey(internalSrc, internalDst)
	_, err := retry.Loop(func(attempt int) (struct{}, error) {
		leaf, segID := eng.resolveSegment(k)
		seg := leaf.Segment(segID)
		e := seg.Update(segment.Update{Op: segment.OpRemoveEdge, Key: k}, false, t.ref)
		if e == nil {
			t.recordWrite(leaf, segID, k)
		}
		return struct{}{}, e
	}, func() { eng.requestRebalanceFor(k) })
	if err != nil {
		return err
	}
	atomic.AddInt64(&t.deltaEdges, -1)
	if t.dynamicView != nil {
		t.dynamicView.ChangeDegree(internalSrc, -1)
	}
	return nil
}

func (t *Transaction) hasVertexInternal(internalID uint64) bool {
	k := key.VertexKey(internalID)
	leaf, segID := t.handle.engine.resolveSegment(k)
	return leaf.Segment(segID).HasItemOptimistic(k, t.view())
}

func (t *Transaction) hasEdgeInternal(internalSrc, internalDst uint64) bool {
	k := key.EdgeKey(internalSrc, internalDst)
	leaf, segID := t.handle.engine.resolveSegment(k)
	_, ok := leaf.Segment(segID).GetWeightOptimistic(k, t.view())
	return ok
}

// HasVertex reports whether id exists, per spec.md section 6's
// has_vertex(id).
func (t *Transaction) HasVertex(id uint64) bool {
	return t.hasVertexInternal(key.ExternalToInternal(id))
}

// HasEdge reports whether the directed edge src->dst exists, per
// spec.md section 6's has_edge(src, dst).
func (t *Transaction) HasEdge(src, dst uint64) bool {
	return t.hasEdgeInternal(key.ExternalToInternal(src), key.ExternalToInternal(dst))
}

// GetWeight returns the weight of the directed edge src->dst, per
// spec.md section 6's get_weight(src, dst).
func (t *Transaction) GetWeight(src, dst uint64) (int64, error) {
	k := key.EdgeKey(key.ExternalToInternal(src), key.ExternalToInternal(dst))
	leaf, segID := t.handle.engine.resolveSegment(k)
	w, ok := leaf.Segment(segID).GetWeightOptimistic(k, t.view())
	if !ok {
		return 0, ErrEdgeDoesNotExist
	}
	return w, nil
}

// ensureAux builds this transaction's aux view on first use: a
// read-only transaction reuses (or builds and caches) a Static view
// keyed by the latest commit the engine has observed; a read-write
// transaction always builds its own Dynamic view since any globally
// cached snapshot would not reflect its own uncommitted writes (spec.md
// section 4.10).
func (t *Transaction) ensureAux() {
	t.auxMu.Lock()
	defer t.auxMu.Unlock()
	if t.staticView != nil || t.dynamicView != nil {
		return
	}
	eng := t.handle.engine

	if t.readOnly {
		asOf := atomic.LoadUint64(&eng.lastCommittedTxnID)
		eng.auxMu.Lock()
		if v, ok := eng.auxCache[asOf]; ok {
			eng.auxMu.Unlock()
			t.staticView = v
			return
		}
		eng.auxMu.Unlock()

		start := time.Now()
		vector := aux.Build(eng.idx, t.view(), eng.auxBuildWorkers)
		eng.metrics.AuxBuildDuration.Observe(time.Since(start).Seconds())
		v := aux.BuildStatic(vector)
		eng.auxMu.Lock()
		eng.auxCache[asOf] = v
		eng.auxMu.Unlock()
		eng.metrics.AuxBuilds.Inc()
		t.staticView = v
		return
	}

	start := time.Now()
	vector := aux.Build(eng.idx, t.view(), eng.auxBuildWorkers)
	eng.metrics.AuxBuildDuration.Observe(time.Since(start).Seconds())
	t.dynamicView = aux.NewDynamic(vector)
	eng.metrics.AuxBuilds.Inc()
}

// Degree returns the degree of a vertex, per spec.md section 6's
// degree(id, logical). When logical is true, id is a logical_id (a
// position in the aux view's degree_vector) and the degree is read
// straight from the view; when false, id is an external vertex ID, and
// the runtime follows the threshold rule of spec.md section 4.10: the
// first aux_degree_threshold such queries per transaction are answered
// by a direct scan, after which an aux view is built (and reused for
// every later query by this transaction).
func (t *Transaction) Degree(id uint64, logical bool) (int, error) {
	if logical {
		t.ensureAux()
		return t.auxDegreeByLogical(int(id))
	}

	internalID := key.ExternalToInternal(id)
	if !t.hasVertexInternal(internalID) {
		return 0, ErrVertexDoesNotExist
	}

	t.auxMu.Lock()
	useDirect := t.staticView == nil && t.dynamicView == nil && t.degreeReads < t.handle.engine.auxDegreeThreshold
	if useDirect {
		t.degreeReads++
	}
	t.auxMu.Unlock()

	if useDirect {
		n, _ := aux.DegreeDirect(t.handle.engine.idx, t.view(), internalID)
		return n, nil
	}

	t.ensureAux()
	return t.auxDegreeByVertex(internalID)
}

func (t *Transaction) auxDegreeByVertex(internalID uint64) (int, error) {
	if t.staticView != nil {
		d, ok := t.staticView.Degree(internalID)
		if !ok {
			return 0, nil
		}
		return d, nil
	}
	if t.dynamicView != nil {
		d, err := t.dynamicView.Degree(internalID)
		if err != nil {
			return 0, nil
		}
		return d, nil
	}
	return 0, ErrInternal
}

func (t *Transaction) auxDegreeByLogical(logicalID int) (int, error) {
	if t.staticView != nil {
		e, ok := t.staticView.ByLogicalID(logicalID)
		if !ok {
			return 0, ErrInvalidLogicalID
		}
		return e.Degree, nil
	}
	if t.dynamicView != nil {
		item, err := t.dynamicView.ByRank(logicalID)
		if err != nil {
			return 0, ErrInvalidLogicalID
		}
		return item.Degree, nil
	}
	return 0, ErrInternal
}

// LogicalID returns vertexInternalID's position in the aux view's
// degree_vector, forcing the view to be built if it has not been
// already, per spec.md section 6's logical_id(id). As documented in
// DESIGN.md, this and VertexID operate in the same internal (E2I-
// shifted) vertex ID space that vertex records themselves use, not the
// external IDs insert_vertex/has_vertex take.
func (t *Transaction) LogicalID(vertexInternalID uint64) (int, error) {
	t.ensureAux()
	if t.staticView != nil {
		if l, ok := t.staticView.LogicalID(vertexInternalID); ok {
			return l, nil
		}
		return 0, ErrVertexDoesNotExist
	}
	if t.dynamicView != nil {
		l, err := t.dynamicView.Rank(vertexInternalID)
		if err != nil {
			return 0, ErrVertexDoesNotExist
		}
		return l, nil
	}
	return 0, ErrInternal
}

// VertexID returns the (internal, E2I-shifted) vertex ID at the given
// logical_id, forcing the aux view to be built if needed, per spec.md
// section 6's vertex_id(logical_id).
func (t *Transaction) VertexID(logicalID int) (uint64, error) {
	t.ensureAux()
	if t.staticView != nil {
		e, ok := t.staticView.ByLogicalID(logicalID)
		if !ok {
			return 0, ErrInvalidLogicalID
		}
		return e.VertexID, nil
	}
	if t.dynamicView != nil {
		item, err := t.dynamicView.ByRank(logicalID)
		if err != nil {
			return 0, ErrInvalidLogicalID
		}
		return item.VertexID, nil
	}
	return 0, ErrInternal
}

// resolveVertexArg translates a caller-supplied vertex reference into an
// internal vertex ID: an external vertex ID when logical is false, or a
// logical_id resolved through the aux view when true. Used by
// Iterator.Edges.
func (t *Transaction) resolveVertexArg(id uint64, logical bool) (uint64, error) {
	if !logical {
		return key.ExternalToInternal(id), nil
	}
	t.ensureAux()
	if t.staticView != nil {
		e, ok := t.staticView.ByLogicalID(int(id))
		if !ok {
			return 0, ErrInvalidLogicalID
		}
		return e.VertexID, nil
	}
	if t.dynamicView != nil {
		item, err := t.dynamicView.ByRank(int(id))
		if err != nil {
			return 0, ErrInvalidLogicalID
		}
		return item.VertexID, nil
	}
	return 0, ErrInternal
}

// NumVertices returns the current number of live vertices, folding this
// transaction's own uncommitted deltas into the engine's committed
// total, per spec.md section 6's num_vertices().
func (t *Transaction) NumVertices() uint64 {
	eng := t.handle.engine
	base := atomic.LoadInt64(&eng.numVertices)
	return uint64(base + atomic.LoadInt64(&t.deltaVertices))
}

// NumEdges returns the current number of live directed edges, folding
// this transaction's own uncommitted deltas into the engine's committed
// total, per spec.md section 6's num_edges().
func (t *Transaction) NumEdges() uint64 {
	eng := t.handle.engine
	base := atomic.LoadInt64(&eng.numEdges)
	return uint64(base + atomic.LoadInt64(&t.deltaEdges))
}

// Iterator returns a cursor for scanning this transaction's visible
// edges, per spec.md section 6's iterator().
func (t *Transaction) Iterator() *Iterator {
	return &Iterator{txn: t}
}

func (t *Transaction) release() {
	t.handle.guard.Unpin()
	t.handle.pool.Free(t.poolSlot)
}

// Commit finalizes a read-write transaction's writes (assigning them a
// commit timestamp) or simply releases a read-only transaction's read
// timestamp, per spec.md section 6's commit(). Every committed
// read-write transaction invalidates the engine's cached static aux
// views, since a commit changes the graph a later read-only
// transaction's view must reflect.
func (t *Transaction) Commit() error {
	if !atomic.CompareAndSwapUint32(&t.done, 0, 1) {
		return ErrClosed
	}
	eng := t.handle.engine
	if t.readOnly {
		eng.txnReg.Rollback(t.ref)
		t.release()
		return nil
	}
	ts := eng.txnReg.Commit(t.ref)
	atomic.AddInt64(&eng.numVertices, atomic.LoadInt64(&t.deltaVertices))
	atomic.AddInt64(&eng.numEdges, atomic.LoadInt64(&t.deltaEdges))
	atomic.StoreUint64(&eng.lastCommittedTxnID, ts)
	eng.invalidateAuxCache()
	t.release()
	return nil
}

// Rollback reverses every write this transaction made, newest first, and
// marks it aborted, per spec.md section 6's rollback() and section 4.2's
// undo-chain semantics. Always succeeds.
func (t *Transaction) Rollback() error {
	if !atomic.CompareAndSwapUint32(&t.done, 0, 1) {
		return ErrClosed
	}
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		w.leaf.Segment(w.segID).Rollback(w.key)
	}
	t.handle.engine.txnReg.Rollback(t.ref)
	t.release()
	return nil
}

// Iterator is a cursor over one vertex's outgoing edges, per spec.md
// section 6's iterator().edges(...).
type Iterator struct {
	txn *Transaction
}

// Edges walks src's outgoing edges in destination order, calling cb with
// each (external destination ID, weight) until cb returns false or the
// edge list is exhausted. logical selects whether src is an external
// vertex ID (false) or a logical_id resolved through the transaction's
// aux view (true), matching Degree's id/logical convention.
func (it *Iterator) Edges(src uint64, logical bool, cb func(destination uint64, weight int64) bool) error {
	t := it.txn
	internalSrc, err := t.resolveVertexArg(src, logical)
	if err != nil {
		return err
	}

	eng := t.handle.engine
	view := t.view()
	from := key.EdgeKey(internalSrc, 1)
	to := key.EdgeKey(internalSrc+1, 0)

	k := from
	for {
		leaf, segID := eng.resolveSegment(k)
		seg := leaf.Segment(segID)
		stop := false
		seg.Scan(view, k, func(s, d uint64, w int64) bool {
			if s != internalSrc {
				// Keys are ordered, so once the scan has moved past
				// internalSrc's own records there is nothing left in
				// range for this segment; stop rather than scanning to
				// the segment's end first.
				return false
			}
			if !cb(key.InternalToExternal(d), w) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			break
		}
		high, hasHigh := leaf.HighFenceFor(segID)
		if !hasHigh || !high.Less(to) {
			break
		}
		k = high
	}
	return nil
}
