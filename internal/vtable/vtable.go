// Package vtable implements the vertex table of spec.md section 4.6: a
// hash cache from external vertex ID to the direct pointer of the
// segment most likely to hold that vertex's record, maintained as a
// performance hint rather than a source of truth -- every lookup that
// misses, or that the owning segment's fence keys reject, falls back to
// the fat-tree index (internal/index).
package vtable

import (
	"sync"
	"sync/atomic"

	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/segment"
)

// DirectPointer is the cached hint: which leaf and segment last held
// this vertex, plus a Generation tag recorded by whoever installed it
// (the merger stores the segment's latch version). Generation is not
// compared on lookup; a hint left stale by a split/merge is detected by
// ValidateAgainst's fence-key check instead.
type DirectPointer struct {
	Leaf       *segment.Leaf
	SegmentID  int
	Generation uint64
}

const loadFactorThreshold = 0.6 // spec.md's alpha

type slot struct {
	used   bool
	vertex uint64 // internal (E2I-shifted) ID; empty slots are marked by used == false, so no ID value is reserved
	ptr    DirectPointer
}

// Table is one NUMA-local replica of the vertex table: a plain
// open-addressing hash table with linear probing, resized under an
// exclusive lock once the load factor crosses loadFactorThreshold.
// spec.md calls for NUMA replication as a scalability target; this type
// is the single-replica unit, and Replicated below fans writes out to
// however many of these the caller wants to keep per-node.
type Table struct {
	mu    sync.RWMutex
	slots []slot
	count int
}

// New constructs an empty table with the given initial capacity
// (rounded up internally as needed).
func New(initialCapacity int) *Table {
	if initialCapacity < 8 {
		initialCapacity = 8
	}
	return &Table{slots: make([]slot, initialCapacity)}
}

func hashOf(v uint64) uint64 {
	// murmur3's 64-bit finalizer (fmix64): a cheap, well-distributed mix
	// for the small dense integer keys (E2I-shifted internal IDs) this
	// table stores.
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	v *= 0xc4ceb9fe1a85ec53
	v ^= v >> 33
	return v
}

func (t *Table) indexFor(v uint64, cap int) int {
	return int(hashOf(v) % uint64(cap))
}

// Get returns the cached direct pointer for the given internal vertex
// ID, if present. A miss is expected and routine: the caller falls back
// to the index (spec.md section 4.6).
func (t *Table) Get(internalID uint64) (DirectPointer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.find(internalID)
}

func (t *Table) find(internalID uint64) (DirectPointer, bool) {
	if len(t.slots) == 0 {
		return DirectPointer{}, false
	}
	n := len(t.slots)
	i := t.indexFor(internalID, n)
	for probes := 0; probes < n; probes++ {
		s := &t.slots[i]
		if !s.used {
			return DirectPointer{}, false
		}
		if s.vertex == internalID {
			return s.ptr, true
		}
		i = (i + 1) % n
	}
	return DirectPointer{}, false
}

// Upsert installs or refreshes the cached pointer for internalID.
func (t *Table) Upsert(internalID uint64, ptr DirectPointer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeGrowLocked()
	t.insertLocked(internalID, ptr)
}

func (t *Table) insertLocked(internalID uint64, ptr DirectPointer) {
	n := len(t.slots)
	i := t.indexFor(internalID, n)
	for {
		s := &t.slots[i]
		if !s.used {
			s.used = true
			s.vertex = internalID
			s.ptr = ptr
			t.count++
			return
		}
		if s.vertex == internalID {
			s.ptr = ptr
			return
		}
		i = (i + 1) % n
	}
}

// Remove evicts the cached pointer for internalID, called once a vertex
// is fully removed from the graph so a stale pointer cannot be reused.
func (t *Table) Remove(internalID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.slots)
	if n == 0 {
		return
	}
	i := t.indexFor(internalID, n)
	for probes := 0; probes < n; probes++ {
		s := &t.slots[i]
		if !s.used {
			return
		}
		if s.vertex == internalID {
			t.deleteAndRehashLocked(i)
			t.count--
			return
		}
		i = (i + 1) % n
	}
}

// deleteAndRehashLocked implements linear-probing deletion by
// backward-shifting the following probe cluster, avoiding tombstones.
func (t *Table) deleteAndRehashLocked(hole int) {
	n := len(t.slots)
	t.slots[hole] = slot{}
	i := (hole + 1) % n
	for t.slots[i].used {
		s := t.slots[i]
		ideal := t.indexFor(s.vertex, n)
		// If s's ideal slot is not strictly between hole+1 and i
		// (cyclically), it can move back into hole.
		if cyclicBetween(hole, ideal, i) {
			i = (i + 1) % n
			continue
		}
		t.slots[hole] = s
		t.slots[i] = slot{}
		hole = i
		i = (i + 1) % n
	}
}

func cyclicBetween(a, b, c int) bool {
	if a <= c {
		return a < b && b <= c
	}
	return b > a || b <= c
}

func (t *Table) maybeGrowLocked() {
	if len(t.slots) == 0 {
		t.slots = make([]slot, 8)
		return
	}
	if float64(t.count+1)/float64(len(t.slots)) < loadFactorThreshold {
		return
	}
	old := t.slots
	t.slots = make([]slot, len(old)*2)
	t.count = 0
	for _, s := range old {
		if s.used {
			t.insertLocked(s.vertex, s.ptr)
		}
	}
}

// Len reports the number of cached entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Replicated is a set of per-node Table replicas kept eventually
// consistent: writes (Upsert/Remove) fan out to every replica under the
// merger's sole-writer discipline (spec.md section 4.11: "the merger is
// the only writer to the vertex table besides removals"); reads go to
// the replica for the calling goroutine's node, chosen round-robin here
// since Go exposes no portable NUMA-node-of-caller primitive.
type Replicated struct {
	replicas []*Table
	next     uint64 // atomic, round-robin read distribution
}

// NewReplicated builds n replicas, each with the given initial
// per-replica capacity.
func NewReplicated(n, initialCapacity int) *Replicated {
	if n < 1 {
		n = 1
	}
	r := &Replicated{replicas: make([]*Table, n)}
	for i := range r.replicas {
		r.replicas[i] = New(initialCapacity)
	}
	return r
}

func (r *Replicated) pick() *Table {
	i := atomic.AddUint64(&r.next, 1) % uint64(len(r.replicas))
	return r.replicas[i]
}

// Get reads from one replica (round-robin); callers treat a miss as
// routine and fall back to the index.
func (r *Replicated) Get(internalID uint64) (DirectPointer, bool) {
	return r.pick().Get(internalID)
}

// Upsert and Remove fan out to every replica so all nodes stay current.
func (r *Replicated) Upsert(internalID uint64, ptr DirectPointer) {
	for _, t := range r.replicas {
		t.Upsert(internalID, ptr)
	}
}

func (r *Replicated) Remove(internalID uint64) {
	for _, t := range r.replicas {
		t.Remove(internalID)
	}
}

// ValidateAgainst checks that k actually falls within the leaf/segment
// the cached pointer names, per the owning leaf's current fence keys;
// a false result means the hint is stale and the caller must consult
// the index instead (spec.md section 4.6's freshness contract).
func ValidateAgainst(ptr DirectPointer, k key.Key) bool {
	if ptr.Leaf == nil {
		return false
	}
	return ptr.Leaf.CheckFenceKeys(ptr.SegmentID, k)
}
