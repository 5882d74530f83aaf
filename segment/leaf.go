package segment

import (
	"sync"
	"sync/atomic"

	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/internal/metrics"
)

// DefaultSegmentsPerLeaf is spec.md's memstore_num_segments_per_leaf
// (must be a power of two; default 512, tunable at build).
const DefaultSegmentsPerLeaf = 512

// DefaultSegmentSizeWords is spec.md's memstore_segment_size (default
// 256 qwords).
const DefaultSegmentSizeWords = 256

// Leaf is a fixed array of Segments plus a leaf-wide latch serializing
// structural changes, and the leaf's high fence key (spec.md section
// 4.4). Leaves are reference-counted because direct pointers in the
// vertex table and cursor state may outlive the index entry after a
// split/merge.
type Leaf struct {
	refCount int32 // atomic

	structMu sync.Mutex // leaf-wide latch serialising split/merge
	segments []*Segment

	highFence    key.Key
	hasHighFence bool

	// next points at the following leaf in key order, used by the
	// spread operator's merge mode to drain a second leaf after the
	// first (spec.md section 4.8, phase 1).
	next *Leaf

	// metrics, if wired via SetMetrics, is propagated to every segment
	// currently installed and to every segment installed afterwards via
	// ReplaceSegments/ReplaceSegmentAt, so a leaf created mid-rebalance
	// (spec.md section 4.8's split path) still reports once its owning
	// engine wires it in.
	metrics *metrics.Metrics
}

// SetMetrics wires m into this leaf's current segments and remembers it
// for any segment installed later via ReplaceSegments/ReplaceSegmentAt.
func (l *Leaf) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
	for _, s := range l.segments {
		if s != nil {
			s.SetMetrics(m)
		}
	}
}

// NewLeaf constructs a leaf with n empty segments, the first one's low
// fence key set to lowFence.
func NewLeaf(lowFence key.Key, n, segmentBudgetWords int) *Leaf {
	l := &Leaf{refCount: 1, segments: make([]*Segment, n)}
	l.segments[0] = New(lowFence, segmentBudgetWords)
	for i := 1; i < n; i++ {
		// Empty trailing segments share the same low fence key as the
		// first until the spread operator interleaves growth room; an
		// empty segment with low==high is unindexed per spec.md section
		// 8 ("a segment with low_fence_key == high_fence_key is empty
		// and unindexed").
		l.segments[i] = New(lowFence, segmentBudgetWords)
	}
	return l
}

// IncrRefCount / DecrRefCount implement the ref-count balance invariant
// of spec.md section 8.
func (l *Leaf) IncrRefCount() { atomic.AddInt32(&l.refCount, 1) }

// DecrRefCount returns the resulting count; callers schedule reclamation
// through epoch.Registry.Reclaim once it reaches zero.
func (l *Leaf) DecrRefCount() int32 { return atomic.AddInt32(&l.refCount, -1) }

func (l *Leaf) RefCount() int32 { return atomic.LoadInt32(&l.refCount) }

// NumSegments reports the fixed segment array size.
func (l *Leaf) NumSegments() int { return len(l.segments) }

// Segment returns the segment at the given index.
func (l *Leaf) Segment(id int) *Segment { return l.segments[id] }

// LowFence is the leaf's low fence key (segments[0].LowFence()).
func (l *Leaf) LowFence() key.Key { return l.segments[0].LowFence() }

// HighFence returns the leaf's high fence key, if set. An unset high
// fence means the leaf is currently the rightmost in the tree (closes
// at KEY_MAX).
func (l *Leaf) HighFence() (key.Key, bool) { return l.highFence, l.hasHighFence }

// SetHighFence is used only by the spread operator while restoring the
// fence-key chain after a split/merge.
func (l *Leaf) SetHighFence(k key.Key) {
	l.highFence = k
	l.hasHighFence = true
}

// SetNext installs the next-leaf pointer used by cross-leaf merges.
func (l *Leaf) SetNext(n *Leaf) { l.next = n }
func (l *Leaf) Next() *Leaf      { return l.next }

// HighFenceFor returns the high fence key that bounds segment id:
// either the next segment's low fence key within this leaf, or the
// leaf's own high fence key if id is the last segment (spec.md
// invariant 1).
func (l *Leaf) HighFenceFor(id int) (key.Key, bool) {
	if id+1 < len(l.segments) {
		return l.segments[id+1].LowFence(), true
	}
	return l.highFence, l.hasHighFence
}

// CheckFenceKeys verifies that segments[segmentID].low_fence_key <= key
// < hfkey(segmentID), per spec.md section 4.4. On violation the caller
// retries via the index.
func (l *Leaf) CheckFenceKeys(segmentID int, k key.Key) bool {
	if segmentID < 0 || segmentID >= len(l.segments) {
		return false
	}
	seg := l.segments[segmentID]
	high, has := l.HighFenceFor(segmentID)
	return k.InRange(seg.LowFence(), high, has)
}

// Lock/Unlock acquire/release the leaf-wide latch used to serialize
// structural changes (splits/merges) across the whole leaf.
func (l *Leaf) Lock()   { l.structMu.Lock() }
func (l *Leaf) Unlock() { l.structMu.Unlock() }

// ReplaceSegments installs a new segment array, used by the spread
// operator once it has decided the output segment count for this leaf.
func (l *Leaf) ReplaceSegments(segs []*Segment) {
	l.segments = segs
	if l.metrics != nil {
		for _, s := range segs {
			if s != nil {
				s.SetMetrics(l.metrics)
			}
		}
	}
}

// ReplaceSegmentAt installs s at index id within the current segment
// array, used while the spread operator is populating a freshly
// allocated leaf one output segment at a time.
func (l *Leaf) ReplaceSegmentAt(id int, s *Segment) {
	l.segments[id] = s
	if l.metrics != nil && s != nil {
		s.SetMetrics(l.metrics)
	}
}
