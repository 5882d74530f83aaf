package txnpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocReturnsDistinctSlots(t *testing.T) {
	p := New(4)
	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		txn, ok := p.Alloc()
		require.True(t, ok)
		require.False(t, seen[txn.Slot()])
		seen[txn.Slot()] = true
	}
	_, ok := p.Alloc()
	require.False(t, ok, "pool of capacity 4 must be exhausted after 4 allocs")
}

func TestFreeReturnsSlotForReuse(t *testing.T) {
	p := New(1)
	a, ok := p.Alloc()
	require.True(t, ok)
	require.Equal(t, 1.0, p.Occupancy())

	p.Free(a)
	require.Zero(t, p.Occupancy())

	b, ok := p.Alloc()
	require.True(t, ok)
	require.Equal(t, a.Slot(), b.Slot())
}

func TestAllocClearsPayload(t *testing.T) {
	p := New(1)
	a, _ := p.Alloc()
	a.Payload = "stale"
	p.Free(a)

	b, _ := p.Alloc()
	require.Nil(t, b.Payload)
}

func TestDefaultCapacityUsedWhenNonPositive(t *testing.T) {
	p := New(0)
	require.Equal(t, DefaultCapacity, p.capacity)
}

func TestLowOccupancyReturnsPoolToGlobalList(t *testing.T) {
	g := NewGlobalList()
	p := g.Acquire(4)

	txns := make([]*Txn, 0, 4)
	for i := 0; i < 4; i++ {
		txn, ok := p.Alloc()
		require.True(t, ok)
		txns = append(txns, txn)
	}
	require.Equal(t, 1.0, p.Occupancy())

	// Dropping below FreeReuseThreshold (0.25) occupancy triggers a
	// return to the global list.
	for _, txn := range txns {
		p.Free(txn)
	}

	reacquired := g.Acquire(4)
	require.Same(t, p, reacquired, "low-occupancy pool must be handed back out by Acquire")
}

func TestGlobalListAcquireConstructsFreshPoolWhenEmpty(t *testing.T) {
	g := NewGlobalList()
	p := g.Acquire(8)
	require.NotNil(t, p)
	require.Equal(t, 8, p.capacity)
}
