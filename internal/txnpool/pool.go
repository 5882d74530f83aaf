// Package txnpool implements the transaction memory pool of spec.md
// section 4.12: a fixed-capacity slab carrying one transaction object
// plus a small embedded undo buffer per slot, with free slots tracked
// as an array-backed stack. A pool belongs to a thread context but any
// thread may free a transaction, since a transaction's lifetime is not
// bound to the thread that started it.
//
// Grounded in the teacher's own fixed-capacity, reused-buffer idiom
// (wal.go's segment rotation reuses a bounded set of open file handles
// rather than allocating unboundedly); here the same "bounded slab,
// explicit free list" shape is applied to transaction objects instead
// of segment files.
package txnpool

import "sync"

// DefaultCapacity is spec.md's default slot count.
const DefaultCapacity = 1024

// FreeReuseThreshold is spec.md's ffreuse (~0.25): pools whose occupancy
// drops below this fraction are returned to a global list for reuse by
// other thread contexts.
const FreeReuseThreshold = 0.25

// UndoBufferWords is the size of each slot's embedded undo scratch
// buffer, used by a transaction to stage small undo payloads without a
// separate heap allocation.
const UndoBufferWords = 32

// Txn is the pooled transaction object. Payload carries whatever the
// external transaction-bookkeeping collaborator (internal/txn, consumed
// not designed per spec.md section 1) needs to stash here; the pool
// itself only manages the slot's lifecycle.
type Txn struct {
	slot       int
	UndoBuffer [UndoBufferWords]uint64
	Payload    any
}

// Slot returns the index of the slab slot this transaction occupies,
// stable for the transaction's lifetime.
func (t *Txn) Slot() int { return t.slot }

// Pool is one fixed-capacity slab of Txn objects.
type Pool struct {
	mu       sync.Mutex
	slab     []Txn
	free     []int // stack of free slot indices
	inUse    int
	capacity int

	global *GlobalList
}

// New constructs a pool with the given capacity (spec.md default 1024),
// all slots initially free.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool{slab: make([]Txn, capacity), capacity: capacity}
	p.free = make([]int, capacity)
	for i := range p.free {
		p.free[i] = capacity - 1 - i
	}
	for i := range p.slab {
		p.slab[i].slot = i
	}
	return p
}

// Alloc pops a free slot and returns its Txn, or (nil, false) if the
// pool is exhausted.
func (p *Pool) Alloc() (*Txn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse++
	t := &p.slab[idx]
	t.Payload = nil
	return t, true
}

// Free returns t's slot to the pool. Any thread may call Free, not only
// the thread that allocated t (spec.md section 4.12).
func (p *Pool) Free(t *Txn) {
	p.mu.Lock()
	p.free = append(p.free, t.slot)
	p.inUse--
	occupancy := float64(p.inUse) / float64(p.capacity)
	shouldReturn := occupancy < FreeReuseThreshold && p.global != nil
	p.mu.Unlock()

	if shouldReturn {
		p.global.Return(p)
	}
}

// Occupancy reports the current in-use fraction, for tests and metrics.
func (p *Pool) Occupancy() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.inUse) / float64(p.capacity)
}

// GlobalList is the engine-wide list of pools available for reuse by a
// new thread context, populated whenever a pool's occupancy drops below
// FreeReuseThreshold (spec.md section 4.12).
type GlobalList struct {
	mu    sync.Mutex
	avail []*Pool
}

// NewGlobalList constructs an empty reuse list.
func NewGlobalList() *GlobalList { return &GlobalList{} }

// Return offers p back to the list for reuse.
func (g *GlobalList) Return(p *Pool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.avail = append(g.avail, p)
}

// Acquire takes a pool from the list if one is available, otherwise
// constructs a fresh one of the given capacity and registers it with
// this list so future low-occupancy returns have somewhere to go.
func (g *GlobalList) Acquire(capacity int) *Pool {
	g.mu.Lock()
	if n := len(g.avail); n > 0 {
		p := g.avail[n-1]
		g.avail = g.avail[:n-1]
		g.mu.Unlock()
		return p
	}
	g.mu.Unlock()
	p := New(capacity)
	p.global = g
	return p
}
