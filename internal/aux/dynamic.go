package aux

import (
	"sync/atomic"

	"github.com/teseo-db/teseo/internal/aux/counting"
	"github.com/teseo-db/teseo/internal/errs"
)

// Dynamic is the mutable aux view of spec.md section 4.10: a counting
// B+-tree (internal/aux/counting) guarded by a single optimistic
// version counter, permitting concurrent InsertVertex/RemoveVertex/
// ChangeDegree while readers observe a consistent snapshot and retry on
// errs.Abort.
type Dynamic struct {
	tree    *counting.Tree
	version uint64 // atomic; bumped on every mutation
}

// NewDynamic builds a dynamic view seeded from a completed degree_vector.
func NewDynamic(vector []Entry) *Dynamic {
	t := counting.New()
	for _, e := range vector {
		t.InsertVertex(e.VertexID, e.Degree)
	}
	return &Dynamic{tree: t}
}

// BeginRead returns the current version; the caller passes it back to
// EndRead after using any value read from the view.
func (d *Dynamic) BeginRead() uint64 { return atomic.LoadUint64(&d.version) }

// EndRead reports errs.Abort if a mutation occurred since v was
// captured, in which case the caller must retry its read.
func (d *Dynamic) EndRead(v uint64) error {
	if atomic.LoadUint64(&d.version) != v {
		return errs.Abort
	}
	return nil
}

func (d *Dynamic) bump() { atomic.AddUint64(&d.version, 1) }

// InsertVertex adds vertexID with the given initial degree.
func (d *Dynamic) InsertVertex(vertexID uint64, degree int) bool {
	ok := d.tree.InsertVertex(vertexID, degree)
	if ok {
		d.bump()
	}
	return ok
}

// RemoveVertex deletes vertexID from the view.
func (d *Dynamic) RemoveVertex(vertexID uint64) bool {
	ok := d.tree.RemoveVertex(vertexID)
	if ok {
		d.bump()
	}
	return ok
}

// ChangeDegree applies diff to vertexID's stored degree.
func (d *Dynamic) ChangeDegree(vertexID uint64, diff int) (int, bool) {
	newDeg, ok := d.tree.ChangeDegree(vertexID, diff)
	if ok {
		d.bump()
	}
	return newDeg, ok
}

// Degree reads vertexID's current degree under an optimistic
// read/validate pair.
func (d *Dynamic) Degree(vertexID uint64) (int, error) {
	for {
		v := d.BeginRead()
		item, _, ok := d.tree.GetByVertexID(vertexID)
		if err := d.EndRead(v); err != nil {
			continue
		}
		if !ok {
			return 0, errs.NewLogical("vertex not present in aux view")
		}
		return item.Degree, nil
	}
}

// ByRank reads the k-th vertex (ascending vertex-id order) under an
// optimistic read/validate pair.
func (d *Dynamic) ByRank(k int) (counting.Item, error) {
	for {
		v := d.BeginRead()
		item, ok := d.tree.GetByRank(k)
		if err := d.EndRead(v); err != nil {
			continue
		}
		if !ok {
			return counting.Item{}, errs.NewLogical("rank out of range")
		}
		return item, nil
	}
}

// Rank reads vertexID's position (0-based, ascending vertex-id order)
// under an optimistic read/validate pair -- the dynamic view's analogue
// of a static view's logical_id, used by Transaction.LogicalID when a
// read-write transaction's own aux view is a Dynamic rather than a
// Static.
func (d *Dynamic) Rank(vertexID uint64) (int, error) {
	for {
		v := d.BeginRead()
		_, rank, ok := d.tree.GetByVertexID(vertexID)
		if err := d.EndRead(v); err != nil {
			continue
		}
		if !ok {
			return 0, errs.NewLogical("vertex not present in aux view")
		}
		return rank, nil
	}
}

// Len reports the number of vertices tracked.
func (d *Dynamic) Len() int { return d.tree.Len() }
