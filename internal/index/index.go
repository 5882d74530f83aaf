// Package index implements the fat-tree index of spec.md section 4.5: a
// single ordered structure mapping every live low fence key to the leaf
// and segment that owns it. spec.md allows collapsing the two-level
// trie-plus-leaves design down to "a correct ordered map will do", so
// this wraps github.com/benbjohnson/immutable's SortedMap the same way
// the teacher's wal.go wraps it for its segment table: each mutation
// builds a new immutable root rather than mutating in place, so readers
// holding an older root never observe a torn index.
package index

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/segment"
)

// Entry is what the index maps a low fence key to: the owning leaf and
// the segment id within it (spec.md section 4.5's "(leaf, segment_id)").
type Entry struct {
	Leaf      *segment.Leaf
	SegmentID int
}

type comparer struct{}

func (comparer) Compare(a, b key.Key) int { return a.Compare(b) }

// Index is the fat-tree index: concurrency-safe via copy-on-write roots
// published through an atomic.Value, exactly as the teacher's WAL
// publishes its stateTxn snapshots.
type Index struct {
	mu   sync.Mutex // serializes structural mutation (insert/remove), same role as the teacher's writeMu
	root atomic.Value
}

// New builds an index seeded with a single entry at key.Min, covering
// the whole key space with one leaf (the state of a freshly opened
// Teseo instance).
func New(root0 *segment.Leaf) *Index {
	idx := &Index{}
	m := immutable.NewSortedMap[key.Key, Entry](comparer{})
	m = m.Set(key.Min, Entry{Leaf: root0, SegmentID: 0})
	idx.root.Store(m)
	return idx
}

func (ix *Index) snapshot() *immutable.SortedMap[key.Key, Entry] {
	return ix.root.Load().(*immutable.SortedMap[key.Key, Entry])
}

// Find returns the entry whose low fence key is the greatest key <= k
// (spec.md section 4.5's "find(key) -> (leaf, segment_id)"). A reader
// holds no latch across this call; it revalidates against the leaf's
// own fence keys afterwards (spec.md section 4.4's retry loop).
func (ix *Index) Find(k key.Key) (Entry, bool) {
	m := ix.snapshot()

	// Seek positions the cursor immediately before the smallest indexed
	// key >= k. If that key is an exact match, it is the floor entry.
	it := m.Iterator()
	it.Seek(k)
	if gk, e, ok := it.Next(); ok && gk.Compare(k) == 0 {
		return e, true
	}

	// Otherwise the floor entry, if any, is the first key < k met when
	// walking backwards from that seek position (or from the last key,
	// if every indexed key is < k). Prev returns the key at the current
	// position before stepping back, so the seek position itself is
	// skipped by the comparison.
	it.Seek(k)
	if it.Done() {
		it.Last()
	}
	for !it.Done() {
		gk, e, ok := it.Prev()
		if ok && gk.Compare(k) < 0 {
			return e, true
		}
	}
	return Entry{}, false
}

// Insert installs a new fence-key -> (leaf, segment) mapping, used by
// the spread operator after a split introduces a new leaf or segment
// boundary.
func (ix *Index) Insert(low key.Key, e Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	m := ix.snapshot()
	ix.root.Store(m.Set(low, e))
}

// Remove deletes a fence-key mapping, used when a merge retires a
// segment or leaf boundary.
func (ix *Index) Remove(low key.Key) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	m := ix.snapshot()
	ix.root.Store(m.Delete(low))
}

// Len reports the number of indexed fence keys, for tests and metrics.
func (ix *Index) Len() int { return ix.snapshot().Len() }

// Snapshot is an immutable point-in-time view over the index, handed to
// long scans (the aux builder's range partitioner) so they see a
// consistent set of (leaf, segment) boundaries even if concurrent
// splits/merges continue underneath.
type Snapshot struct {
	m *immutable.SortedMap[key.Key, Entry]
}

// Snapshot captures the current root.
func (ix *Index) Snapshot() Snapshot { return Snapshot{m: ix.snapshot()} }

// Range calls fn for every (lowFence, entry) pair in ascending key
// order, stopping early if fn returns false.
func (s Snapshot) Range(fn func(low key.Key, e Entry) bool) {
	it := s.m.Iterator()
	for {
		k, e, ok := it.Next()
		if !ok {
			break
		}
		if !fn(k, e) {
			return
		}
	}
}
