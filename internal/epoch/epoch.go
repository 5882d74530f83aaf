// Package epoch implements the thread-registration and epoch-based
// reclamation contract that spec.md treats as an external collaborator
// ("the garbage collector (epoch-based reclamation) -- its contract is
// consumed, not designed here"). This is the minimal concrete form of
// that contract: a thread registers a Guard, pins it for the duration of
// any access to shared structures (leaves, index nodes, vertex-table
// buckets), and Reclaim defers a cleanup closure until no currently
// registered Guard is pinned at an epoch at or before the one captured
// when Reclaim was called.
package epoch

import (
	"sync"
	"sync/atomic"
)

// Guard is a per-thread handle into the registry. It must not be shared
// across goroutines.
type Guard struct {
	reg     *Registry
	epoch   uint64
	pinned  bool
	mu      sync.Mutex
	id      int
}

// Pin marks the guard as actively observing the current global epoch.
// Every access to a leaf, segment or vertex-table bucket obtained
// through the fat-tree index or vertex table must happen between Pin
// and Unpin.
func (g *Guard) Pin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epoch = atomic.LoadUint64(&g.reg.global)
	g.pinned = true
	g.reg.setEpoch(g.id, g.epoch, true)
}

// Unpin releases the guard. It is always safe to call even if Pin was
// never called.
func (g *Guard) Unpin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pinned {
		return
	}
	g.pinned = false
	g.reg.setEpoch(g.id, 0, false)
}

// Registry tracks the global epoch counter and the set of registered
// guards, so that Reclaim can determine when it's safe to run a deferred
// cleanup -- i.e. once every guard that was pinned at an older epoch has
// either advanced or unpinned.
type Registry struct {
	mu      sync.Mutex
	global  uint64
	guards  map[int]guardState
	nextID  int
	pending []pendingReclaim
}

type guardState struct {
	epoch  uint64
	pinned bool
}

type pendingReclaim struct {
	atEpoch uint64
	fn      func()
}

// NewRegistry constructs an empty registry with the global epoch at 1
// (0 is reserved to mean "never pinned").
func NewRegistry() *Registry {
	return &Registry{global: 1, guards: make(map[int]guardState)}
}

// Register creates a new Guard bound to this registry.
func (r *Registry) Register() *Guard {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.guards[id] = guardState{}
	r.mu.Unlock()
	return &Guard{reg: r, id: id}
}

// Unregister removes a guard entirely, e.g. on thread shutdown.
func (r *Registry) Unregister(g *Guard) {
	g.Unpin()
	r.mu.Lock()
	delete(r.guards, g.id)
	r.mu.Unlock()
	r.tryDrain()
}

func (r *Registry) setEpoch(id int, epoch uint64, pinned bool) {
	r.mu.Lock()
	r.guards[id] = guardState{epoch: epoch, pinned: pinned}
	r.mu.Unlock()
	if !pinned {
		r.tryDrain()
	}
}

// Advance bumps the global epoch. Callers that unlink a structure from a
// shared index (a leaf removed by the spread operator, a segment
// dissolved by a rebalance) should call Advance once they've made the
// unlink visible, then Reclaim to schedule the actual free.
func (r *Registry) Advance() uint64 {
	return atomic.AddUint64(&r.global, 1)
}

// Reclaim defers fn until no guard is pinned at an epoch at or before
// the current global epoch. In practice this means: every guard pinned
// at that time must unpin, or re-pin after a later Advance. Pending
// reclamations are re-checked on every Reclaim call and whenever a
// guard unpins or unregisters; nothing else drives them.
func (r *Registry) Reclaim(fn func()) {
	r.mu.Lock()
	at := r.global
	r.pending = append(r.pending, pendingReclaim{atEpoch: at, fn: fn})
	r.mu.Unlock()
	r.tryDrain()
}

// tryDrain runs every pending reclamation whose epoch has been passed by
// all currently pinned guards.
func (r *Registry) tryDrain() {
	r.mu.Lock()
	minPinned := ^uint64(0)
	any := false
	for _, gs := range r.guards {
		if gs.pinned {
			any = true
			if gs.epoch < minPinned {
				minPinned = gs.epoch
			}
		}
	}
	var runnable []func()
	remaining := r.pending[:0:0]
	for _, p := range r.pending {
		if !any || p.atEpoch < minPinned {
			runnable = append(runnable, p.fn)
		} else {
			remaining = append(remaining, p)
		}
	}
	r.pending = remaining
	r.mu.Unlock()

	for _, fn := range runnable {
		fn()
	}
}
