// Package segment implements the versioned, per-segment element
// container of spec.md section 4.2 (sparse and dense files) and the
// segment/leaf wrappers of sections 4.3 and 4.4. This is the direct
// descendant of the teacher's segment package, which read fixed-size
// framed records out of a WAL file; here the same "ordered records with
// an on-the-side index" shape stores vertices and edges instead of log
// frames, and every record additionally carries an MVCC undo chain.
package segment

import (
	"github.com/teseo-db/teseo/internal/key"
)

// TxnRef is the slice of the (externally owned) transaction object that
// a version chain needs: its identity, and its commit timestamp once
// committed. Transaction ID assignment and the global transaction list
// are explicitly out of scope (spec.md section 1); this interface is the
// contract this package consumes from them.
type TxnRef interface {
	ID() uint64
	CommitTS() (ts uint64, committed bool)
}

// ReadView is the visibility window of a reading transaction: it sees
// every version whose writer committed at or before ReadTS, plus any
// version written by itself (TxnID) regardless of commit status.
type ReadView struct {
	TxnID  uint64
	ReadTS uint64
}

// Sees reports whether a version written by w is visible to this view.
func (v ReadView) Sees(w TxnRef) bool {
	if w == nil {
		return true
	}
	if w.ID() == v.TxnID {
		return true
	}
	ts, ok := w.CommitTS()
	return ok && ts <= v.ReadTS
}

// Op identifies the kind of mutation an Update describes.
type Op int

const (
	OpInsertVertex Op = iota
	OpRemoveVertex
	OpInsertEdge
	OpRemoveEdge
)

// Update is the writer-supplied description of a single mutation to one
// key. Weight is only meaningful for OpInsertEdge.
type Update struct {
	Op     Op
	Key    key.Key
	Weight int64
}

// Kind distinguishes an Insert from a Remove in an undo record, per
// spec.md section 3.
type Kind int

const (
	Insert Kind = iota
	Remove
)

// Undo is a version/undo record: spec.md's "{ kind, transaction_ref,
// payload (previous value), next_in_chain }", newest-first.
type Undo struct {
	Kind    Kind
	Writer  TxnRef
	Payload any // previous *VertexRecord / *EdgeRecord / nil
	Next    *Undo
}

// VertexRecord is spec.md's vertex record.
type VertexRecord struct {
	VertexID        uint64 // internal (E2I-shifted) ID
	IsFirstInSegment bool
	OutEdgeCount     int
}

// EdgeRecord is spec.md's edge record.
type EdgeRecord struct {
	Destination uint64 // internal ID
	Weight      int64
}

// File is the polymorphic sparse/dense element container a Segment
// wraps (spec.md section 4.2: "the public operations are identical").
type File interface {
	Update(u Update, hasSourceVertex bool, writer TxnRef) error
	Rollback(k key.Key)
	RemoveVertexCascade(internalID uint64, writer TxnRef, view ReadView) (removedEdges []key.Key, err error)
	HasItemOptimistic(k key.Key, view ReadView) bool
	GetWeightOptimistic(k key.Key, view ReadView) (weight int64, ok bool)
	GetDegree(internalID uint64, view ReadView) int
	Scan(view ReadView, start key.Key, cb func(src, dst uint64, weight int64) bool)
	AuxPartial(view ReadView, from, to key.Key, emit func(vertexInternal uint64, degree int, isFirst bool))
	Prune(highWaterMark uint64) (reclaimedWords int)
	UsedWords() int
	Load(view ReadView, into *Scratchpad)
	Len() int
}

// record is the unit stored by both sparse and dense files, and the
// unit a Scratchpad carries between Load and Save during a rebalance.
type record struct {
	Key      key.Key
	IsVertex bool
	Vertex   VertexRecord
	Edge     EdgeRecord
	Undo     *Undo
}

func (r record) words() int {
	base := wordsPerEdge
	if r.IsVertex {
		base = wordsPerVertex
	}
	for u := r.Undo; u != nil; u = u.Next {
		base += wordsPerUndo
	}
	return base
}

// Scratchpad is the in-order buffer the spread operator (internal
// rebalance package) loads a window of segments into, prunes in place,
// and writes back out. It is exported at the segment package level
// because Segment.Load/Segment.Save operate on it directly.
type Scratchpad struct {
	records []record
}

// Len reports how many live records the scratchpad holds.
func (s *Scratchpad) Len() int { return len(s.records) }

// Words reports the total qword budget the scratchpad's records
// currently occupy.
func (s *Scratchpad) Words() int {
	n := 0
	for _, r := range s.records {
		n += r.words()
	}
	return n
}

// KeyAt returns the key of the i-th record, for callers (the rebalance
// package) that need to decide fence-key cut points without reaching
// into the unexported record type.
func (s *Scratchpad) KeyAt(i int) key.Key { return s.records[i].Key }

// WordsAt returns the qword cost of the i-th record.
func (s *Scratchpad) WordsAt(i int) int { return s.records[i].words() }

// IsVertexAt reports whether the i-th record is a vertex record.
func (s *Scratchpad) IsVertexAt(i int) bool { return s.records[i].IsVertex }

// Slice returns a new Scratchpad sharing the underlying records in
// [lo, hi). It is used by the spread operator to cut a loaded window
// into per-destination-segment shares.
func (s *Scratchpad) Slice(lo, hi int) *Scratchpad {
	return &Scratchpad{records: s.records[lo:hi]}
}

// Append concatenates other's records onto s, preserving order -- used
// when a merge follows a leaf's next-leaf pointer after draining the
// current one (spec.md section 4.8, phase 1).
func (s *Scratchpad) Append(other *Scratchpad) {
	s.records = append(s.records, other.records...)
}

// wordsPerVertex / wordsPerEdge / wordsPerUndo model the qword
// accounting of spec.md section 4.2 ("Maintains space_required in
// qwords"). They are accounting constants, not a real memory layout --
// Go gives no portable way to reproduce the teacher's hand-packed
// machine-word buffer, and section 9's Design Notes calls for
// generalizing the "how" rather than reproducing unsafe layout tricks.
const (
	wordsPerVertex = 2
	wordsPerEdge   = 2
	wordsPerUndo   = 3
)
