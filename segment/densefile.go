package segment

import (
	"sort"

	"github.com/teseo-db/teseo/internal/errs"
	"github.com/teseo-db/teseo/internal/key"
)

// DenseFile is the alternative per-segment representation used once
// version churn makes the sparse file's linear scans thrash (spec.md
// section 4.2). Point access is O(1) via a hash index; ordered
// operations (Scan, Load, AuxPartial) rebuild a sorted key cache lazily
// and only when the map has changed since the cache was last built.
type DenseFile struct {
	budgetWords int
	byKey       map[key.Key]*record
	usedWords   int

	sortedDirty bool
	sortedKeys  []key.Key
}

// NewDense constructs an empty dense file with the given qword budget.
func NewDense(budgetWords int) *DenseFile {
	return &DenseFile{budgetWords: budgetWords, byKey: make(map[key.Key]*record)}
}

// NewDenseFrom converts a SparseFile's live contents (observed under the
// writer latch, per spec.md 4.2's "Transition sparse -> dense is done
// under the writer latch by copying elements") into a DenseFile.
func NewDenseFrom(sf *SparseFile) *DenseFile {
	df := NewDense(sf.budgetWords)
	for _, e := range sf.entries {
		cp := e
		df.byKey[e.Key] = &cp
	}
	df.usedWords = sf.usedWords
	df.sortedDirty = true
	return df
}

// ToSparse converts back (rebalancer-only, per spec.md 4.2).
func (f *DenseFile) ToSparse() *SparseFile {
	sf := NewSparse(f.budgetWords)
	keys := f.sortedKeySlice()
	sf.entries = make([]record, 0, len(keys))
	for _, k := range keys {
		sf.entries = append(sf.entries, *f.byKey[k])
	}
	sf.usedWords = f.usedWords
	return sf
}

func (f *DenseFile) sortedKeySlice() []key.Key {
	if !f.sortedDirty && f.sortedKeys != nil {
		return f.sortedKeys
	}
	keys := make([]key.Key, 0, len(f.byKey))
	for k := range f.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	f.sortedKeys = keys
	f.sortedDirty = false
	return keys
}

// UsedWords implements File.
func (f *DenseFile) UsedWords() int { return f.usedWords }

// Len implements File.
func (f *DenseFile) Len() int { return len(f.byKey) }

// Update implements File.
func (f *DenseFile) Update(u Update, hasSourceVertex bool, writer TxnRef) error {
	if f.usedWords+wordsPerUndo+wordsPerEdge > f.budgetWords {
		return errs.NeedsRebalance
	}
	switch u.Op {
	case OpInsertVertex:
		return f.upsert(u.Key, record{Key: u.Key, IsVertex: true, Vertex: VertexRecord{VertexID: u.Key.Source, IsFirstInSegment: true}}, Insert, writer)
	case OpRemoveVertex:
		return f.remove(u.Key, writer)
	case OpInsertEdge:
		if !hasSourceVertex {
			if _, ok := f.byKey[key.VertexKey(u.Key.Source)]; !ok {
				return errs.NotSureIfVertexExists
			}
		}
		if err := f.upsert(u.Key, record{Key: u.Key, Edge: EdgeRecord{Destination: u.Key.Destination, Weight: u.Weight}}, Insert, writer); err != nil {
			return err
		}
		if v, ok := f.byKey[key.VertexKey(u.Key.Source)]; ok {
			v.Vertex.OutEdgeCount++
		}
		return nil
	case OpRemoveEdge:
		if err := f.remove(u.Key, writer); err != nil {
			return err
		}
		if v, ok := f.byKey[key.VertexKey(u.Key.Source)]; ok {
			v.Vertex.OutEdgeCount--
		}
		return nil
	}
	return errs.InternalError
}

func (f *DenseFile) upsert(k key.Key, rec record, kind Kind, writer TxnRef) error {
	if existing, ok := f.byKey[k]; ok {
		prev := *existing
		rec.Undo = &Undo{Kind: kind, Writer: writer, Payload: prev, Next: existing.Undo}
		*existing = rec
		f.usedWords += wordsPerUndo
		return nil
	}
	rec.Undo = &Undo{Kind: kind, Writer: writer}
	cp := rec
	f.byKey[k] = &cp
	f.usedWords += rec.words()
	f.sortedDirty = true
	return nil
}

func (f *DenseFile) remove(k key.Key, writer TxnRef) error {
	existing, ok := f.byKey[k]
	if !ok {
		return errs.NewLogical("key does not exist")
	}
	prev := *existing
	existing.Undo = &Undo{Kind: Remove, Writer: writer, Payload: prev, Next: prev.Undo}
	f.usedWords += wordsPerUndo
	return nil
}

// Rollback implements File.
func (f *DenseFile) Rollback(k key.Key) {
	existing, ok := f.byKey[k]
	if !ok {
		return
	}
	undo := existing.Undo
	if undo == nil || undo.Payload == nil {
		f.usedWords -= existing.words()
		delete(f.byKey, k)
		f.sortedDirty = true
		return
	}
	prev := undo.Payload.(record)
	f.usedWords -= wordsPerUndo
	*existing = prev
}

// RemoveVertexCascade implements File.
func (f *DenseFile) RemoveVertexCascade(internalID uint64, writer TxnRef, view ReadView) ([]key.Key, error) {
	var removed []key.Key
	if err := f.remove(key.VertexKey(internalID), writer); err != nil {
		return nil, err
	}
	for _, k := range f.sortedKeySlice() {
		if k.Source != internalID || k.Destination == 0 {
			continue
		}
		e := f.byKey[k]
		if e == nil {
			continue
		}
		if _, live := visible(*e, view); live {
			if err := f.remove(k, writer); err == nil {
				removed = append(removed, k)
			}
		}
	}
	return removed, nil
}

// HasItemOptimistic implements File.
func (f *DenseFile) HasItemOptimistic(k key.Key, view ReadView) bool {
	e, ok := f.byKey[k]
	if !ok {
		return false
	}
	_, live := visible(*e, view)
	return live
}

// GetWeightOptimistic implements File.
func (f *DenseFile) GetWeightOptimistic(k key.Key, view ReadView) (int64, bool) {
	e, ok := f.byKey[k]
	if !ok {
		return 0, false
	}
	r, live := visible(*e, view)
	if !live || r.IsVertex {
		return 0, false
	}
	return r.Edge.Weight, true
}

// GetDegree implements File.
func (f *DenseFile) GetDegree(internalID uint64, view ReadView) int {
	n := 0
	for k, e := range f.byKey {
		if k.Source != internalID || k.Destination == 0 {
			continue
		}
		if _, live := visible(*e, view); live {
			n++
		}
	}
	return n
}

// Scan implements File.
func (f *DenseFile) Scan(view ReadView, start key.Key, cb func(src, dst uint64, weight int64) bool) {
	for _, k := range f.sortedKeySlice() {
		if k.Less(start) {
			continue
		}
		e := f.byKey[k]
		if e.IsVertex {
			continue
		}
		r, live := visible(*e, view)
		if !live {
			continue
		}
		if !cb(k.Source, r.Edge.Destination, r.Edge.Weight) {
			return
		}
	}
}

// AuxPartial implements File.
func (f *DenseFile) AuxPartial(view ReadView, from, to key.Key, emit func(vertexInternal uint64, degree int, isFirst bool)) {
	for _, k := range f.sortedKeySlice() {
		if k.Less(from) || !k.Less(to) {
			continue
		}
		e := f.byKey[k]
		if !e.IsVertex {
			continue
		}
		r, live := visible(*e, view)
		if !live {
			continue
		}
		emit(r.Vertex.VertexID, f.GetDegree(r.Vertex.VertexID, view), r.Vertex.IsFirstInSegment)
	}
}

// Prune implements File.
func (f *DenseFile) Prune(highWaterMark uint64) int {
	reclaimed := 0
	for k, e := range f.byKey {
		// As in SparseFile.Prune: e.Undo.Kind describes the operation
		// that produced e's current field values, and remove() leaves
		// those fields at their pre-removal content. Check whether the
		// most recent operation is a remove visible to everyone before
		// the generic trim loop below, which only looks at commit
		// visibility and would otherwise walk straight past this node
		// and silently resurrect the record as live once its Undo hit
		// nil.
		if e.Undo != nil && e.Undo.Kind == Remove {
			if ts, committed := e.Undo.Writer.CommitTS(); committed && ts < highWaterMark {
				reclaimed += e.words()
				delete(f.byKey, k)
				f.sortedDirty = true
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
			delete(f.byKey, k)
			f.sortedDirty = true
			continue
		}
	}
	f.usedWords -= reclaimed
	if f.usedWords < 0 {
		f.usedWords = 0
	}
	return reclaimed
}

// Load implements File.
func (f *DenseFile) Load(view ReadView, into *Scratchpad) {
	for _, k := range f.sortedKeySlice() {
		e := f.byKey[k]
		r, live := visible(*e, view)
		if !live {
			continue
		}
		into.records = append(into.records, r)
	}
}
