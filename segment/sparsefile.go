package segment

import (
	"sort"

	"github.com/teseo-db/teseo/internal/errs"
	"github.com/teseo-db/teseo/internal/key"
)

// SparseFile is the segment-local element container of spec.md section
// 4.2. The spec describes two back-to-back regions (LHS growing right,
// RHS growing left) so a writer can append near its insertion point
// without rewriting the whole segment -- a physical-layout optimization
// for a hand-packed machine-word buffer. Go gives no portable
// equivalent, so this is collapsed into one logically sorted run with a
// binary-search insertion point; the "low half grows from vertices near
// KEY_MIN, high half from vertices near KEY_MAX" intent is preserved by
// inserting in place rather than always appending at the tail (see
// DESIGN.md).
type SparseFile struct {
	budgetWords int
	entries     []record // sorted ascending by Key
	usedWords   int
}

// NewSparse constructs an empty sparse file with the given qword budget
// (spec.md's memstore_segment_size, default 256).
func NewSparse(budgetWords int) *SparseFile {
	return &SparseFile{budgetWords: budgetWords}
}

func (f *SparseFile) find(k key.Key) (idx int, found bool) {
	idx = sort.Search(len(f.entries), func(i int) bool {
		return !f.entries[i].Key.Less(k)
	})
	found = idx < len(f.entries) && f.entries[idx].Key == k
	return
}

// UsedWords implements File.
func (f *SparseFile) UsedWords() int { return f.usedWords }

// Len implements File.
func (f *SparseFile) Len() int { return len(f.entries) }

// Update implements File. hasSourceVertex tells the file whether the
// caller has already proven the edge's source vertex exists (possibly
// in a preceding segment); when false and no local vertex record for
// the source exists yet, the file cannot locally prove existence and
// returns errs.NotSureIfVertexExists so the caller can widen its
// search, per spec.md section 4.2.
func (f *SparseFile) Update(u Update, hasSourceVertex bool, writer TxnRef) error {
	if f.usedWords+wordsPerUndo+wordsPerEdge > f.budgetWords {
		return errs.NeedsRebalance
	}
	switch u.Op {
	case OpInsertVertex:
		return f.upsert(u.Key, record{Key: u.Key, IsVertex: true, Vertex: VertexRecord{VertexID: u.Key.Source, IsFirstInSegment: true}}, Insert, writer)
	case OpRemoveVertex:
		return f.remove(u.Key, Remove, writer)
	case OpInsertEdge:
		if !hasSourceVertex && !f.hasVertexRecordFor(u.Key.Source) {
			return errs.NotSureIfVertexExists
		}
		rec := record{Key: u.Key, IsVertex: false, Edge: EdgeRecord{Destination: u.Key.Destination, Weight: u.Weight}}
		if err := f.upsert(u.Key, rec, Insert, writer); err != nil {
			return err
		}
		f.bumpOutDegree(u.Key.Source, 1)
		return nil
	case OpRemoveEdge:
		if err := f.remove(u.Key, Remove, writer); err != nil {
			return err
		}
		f.bumpOutDegree(u.Key.Source, -1)
		return nil
	}
	return errs.InternalError
}

func (f *SparseFile) hasVertexRecordFor(internalID uint64) bool {
	_, found := f.find(key.VertexKey(internalID))
	return found
}

func (f *SparseFile) bumpOutDegree(internalID uint64, delta int) {
	if idx, found := f.find(key.VertexKey(internalID)); found {
		f.entries[idx].Vertex.OutEdgeCount += delta
	}
}

func (f *SparseFile) upsert(k key.Key, rec record, kind Kind, writer TxnRef) error {
	idx, found := f.find(k)
	if found {
		prev := f.entries[idx]
		undo := &Undo{Kind: kind, Writer: writer, Payload: prev, Next: f.entries[idx].Undo}
		rec.Undo = undo
		f.usedWords += wordsPerUndo
		f.entries[idx] = rec
		return nil
	}
	undo := &Undo{Kind: kind, Writer: writer, Payload: nil}
	rec.Undo = undo
	f.entries = append(f.entries, record{})
	copy(f.entries[idx+1:], f.entries[idx:])
	f.entries[idx] = rec
	f.usedWords += rec.words()
	return nil
}

func (f *SparseFile) remove(k key.Key, kind Kind, writer TxnRef) error {
	idx, found := f.find(k)
	if !found {
		return errs.NewLogical("key does not exist")
	}
	prev := f.entries[idx]
	undo := &Undo{Kind: kind, Writer: writer, Payload: prev, Next: prev.Undo}
	f.entries[idx].Undo = undo
	f.usedWords += wordsPerUndo
	return nil
}

// Rollback implements File: reverse the record's most recent change by
// restoring the payload captured in its own undo head and relinking the
// chain. Always succeeds.
func (f *SparseFile) Rollback(k key.Key) {
	idx, found := f.find(k)
	if !found {
		return
	}
	undo := f.entries[idx].Undo
	if undo == nil || undo.Payload == nil {
		// This was the record's first version: the rollback removes it
		// entirely.
		f.usedWords -= f.entries[idx].words()
		f.entries = append(f.entries[:idx], f.entries[idx+1:]...)
		return
	}
	prev := undo.Payload.(record)
	f.usedWords -= wordsPerUndo
	f.entries[idx] = prev
}

// RemoveVertexCascade implements File: mark the vertex tombstone and
// cascade-remove every outgoing edge owned by this segment. spec.md's
// two-phase lock (lock vertex, remove edges, unlock) is provided by the
// caller holding the segment's writer latch across the whole call.
func (f *SparseFile) RemoveVertexCascade(internalID uint64, writer TxnRef, view ReadView) ([]key.Key, error) {
	var removed []key.Key
	if err := f.remove(key.VertexKey(internalID), Remove, writer); err != nil {
		return nil, err
	}
	lo := key.EdgeKey(internalID, 1)
	hi := key.EdgeKey(internalID+1, 0)
	idx, _ := f.find(lo)
	for idx < len(f.entries) && f.entries[idx].Key.Less(hi) {
		e := f.entries[idx]
		if !e.IsVertex && view.Sees(f.liveWriter(e)) {
			if err := f.remove(e.Key, Remove, writer); err == nil {
				removed = append(removed, e.Key)
			}
		}
		idx++
	}
	return removed, nil
}

func (f *SparseFile) liveWriter(r record) TxnRef {
	if r.Undo != nil {
		return r.Undo.Writer
	}
	return nil
}

// visible walks r's undo chain (including r itself as the newest
// version) to find the version visible to view, returning (record,
// isLive). isLive is false if the visible version is a Remove.
func visible(r record, view ReadView) (record, bool) {
	for r.Undo != nil && !view.Sees(r.Undo.Writer) {
		// The head's writer is invisible: step back to the version that
		// existed before its change (nil when it created the record).
		if r.Undo.Payload == nil {
			return record{}, false
		}
		r = r.Undo.Payload.(record)
	}
	return r, r.Undo == nil || r.Undo.Kind == Insert
}

// HasItemOptimistic implements File.
func (f *SparseFile) HasItemOptimistic(k key.Key, view ReadView) bool {
	idx, found := f.find(k)
	if !found {
		return false
	}
	_, live := visible(f.entries[idx], view)
	return live
}

// GetWeightOptimistic implements File.
func (f *SparseFile) GetWeightOptimistic(k key.Key, view ReadView) (int64, bool) {
	idx, found := f.find(k)
	if !found {
		return 0, false
	}
	r, live := visible(f.entries[idx], view)
	if !live || r.IsVertex {
		return 0, false
	}
	return r.Edge.Weight, true
}

// GetDegree implements File: sum live out-edges for internalID within
// this segment only (a vertex's edge list may continue into later
// segments -- the caller aggregates across segments).
func (f *SparseFile) GetDegree(internalID uint64, view ReadView) int {
	lo := key.VertexKey(internalID)
	hi := key.EdgeKey(internalID+1, 0)
	idx, _ := f.find(lo)
	n := 0
	for idx < len(f.entries) && f.entries[idx].Key.Less(hi) {
		e := f.entries[idx]
		if !e.IsVertex {
			if _, live := visible(e, view); live {
				n++
			}
		}
		idx++
	}
	return n
}

// Scan implements File: emit (source, destination, weight) for every
// live edge at or after start, in key order, until cb returns false.
func (f *SparseFile) Scan(view ReadView, start key.Key, cb func(src, dst uint64, weight int64) bool) {
	idx, _ := f.find(start)
	for ; idx < len(f.entries); idx++ {
		e := f.entries[idx]
		if e.IsVertex {
			continue
		}
		r, live := visible(e, view)
		if !live {
			continue
		}
		if !cb(e.Key.Source, r.Edge.Destination, r.Edge.Weight) {
			return
		}
	}
}

// AuxPartial implements File: for every live vertex in [from, to) emit
// (vertex_id, degree-in-this-segment). A dummy vertex continuing a
// preceding segment's edge list is emitted with isFirst=false so the
// aux builder can merge it into the preceding PartialResult's entry for
// the same vertex_id (spec.md section 4.10).
func (f *SparseFile) AuxPartial(view ReadView, from, to key.Key, emit func(vertexInternal uint64, degree int, isFirst bool)) {
	idx, _ := f.find(from)
	for idx < len(f.entries) && f.entries[idx].Key.Less(to) {
		e := f.entries[idx]
		if !e.IsVertex {
			idx++
			continue
		}
		r, live := visible(e, view)
		if !live {
			idx++
			continue
		}
		deg := f.GetDegree(r.Vertex.VertexID, view)
		emit(r.Vertex.VertexID, deg, r.Vertex.IsFirstInSegment)
		idx++
	}
}

// Prune implements File: walk the file removing undo records whose
// writer's commit_ts is below the high-water mark, discarding
// inserted-then-removed pairs entirely.
func (f *SparseFile) Prune(highWaterMark uint64) int {
	reclaimed := 0
	kept := f.entries[:0]
	for _, e := range f.entries {
		// e.Undo.Kind describes the operation that produced e's current
		// field values (remove() leaves Key/Vertex/Edge at their
		// pre-removal content and only swings Undo to a Remove node, per
		// upsert/remove above). If that most recent operation is a
		// remove and it is visible to every present and future reader
		// (committed, below the high-water mark), the whole record --
		// not just its older history -- can go: spec.md section 4.8's
		// "chain terminates in a remove visible to everyone -> drop
		// record". This must be checked before the trim loop below,
		// which would otherwise walk straight past this node (it only
		// looks at commit visibility, not Kind) and silently resurrect
		// the record as live once its Undo went nil.
		if e.Undo != nil && e.Undo.Kind == Remove {
			if ts, committed := e.Undo.Writer.CommitTS(); committed && ts < highWaterMark {
				reclaimed += e.words()
				continue
			}
		}
		u := e.Undo
		for u != nil {
			ts, committed := u.Writer.CommitTS()
			if !committed || ts >= highWaterMark {
				break
			}
			reclaimed += wordsPerUndo
			u = u.Next
		}
		e.Undo = u
		if u == nil && e.IsVertex && e.Vertex.OutEdgeCount == 0 && !e.Vertex.IsFirstInSegment {
			reclaimed += e.words()
			continue // dummy vertex with zero edges: drop
		}
		kept = append(kept, e)
	}
	f.entries = kept
	f.usedWords -= reclaimed
	if f.usedWords < 0 {
		f.usedWords = 0
	}
	return reclaimed
}

// Load implements File: append this segment's live contents, in key
// order, into the scratchpad.
func (f *SparseFile) Load(view ReadView, into *Scratchpad) {
	for _, e := range f.entries {
		r, live := visible(e, view)
		if !live {
			continue
		}
		into.records = append(into.records, r)
	}
}
