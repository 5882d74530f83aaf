package counting

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertVertexThenGetByVertexID(t *testing.T) {
	tr := New()
	require.True(t, tr.InsertVertex(10, 3))

	item, rank, ok := tr.GetByVertexID(10)
	require.True(t, ok)
	require.Equal(t, 0, rank)
	require.Equal(t, 3, item.Degree)
	require.Equal(t, 1, tr.Len())
}

func TestInsertVertexDuplicateIsNoop(t *testing.T) {
	tr := New()
	require.True(t, tr.InsertVertex(10, 3))
	require.False(t, tr.InsertVertex(10, 99))

	item, _, ok := tr.GetByVertexID(10)
	require.True(t, ok)
	require.Equal(t, 3, item.Degree, "duplicate insert must not overwrite the existing item")
}

func TestGetByVertexIDMissingReturnsFalse(t *testing.T) {
	tr := New()
	_, _, ok := tr.GetByVertexID(999)
	require.False(t, ok)
}

func TestRankIsStableInAscendingVertexIDOrder(t *testing.T) {
	tr := New()
	ids := []uint64{50, 10, 30, 20, 40}
	for _, id := range ids {
		tr.InsertVertex(id, int(id))
	}

	sorted := []uint64{10, 20, 30, 40, 50}
	for wantRank, id := range sorted {
		_, rank, ok := tr.GetByVertexID(id)
		require.True(t, ok)
		require.Equal(t, wantRank, rank)
	}
}

func TestGetByRankMatchesGetByVertexID(t *testing.T) {
	tr := New()
	ids := []uint64{50, 10, 30, 20, 40}
	for _, id := range ids {
		tr.InsertVertex(id, int(id))
	}

	sorted := []uint64{10, 20, 30, 40, 50}
	for rank, id := range sorted {
		item, ok := tr.GetByRank(rank)
		require.True(t, ok)
		require.Equal(t, id, item.VertexID)
	}
}

func TestGetByRankOutOfBounds(t *testing.T) {
	tr := New()
	tr.InsertVertex(1, 0)
	_, ok := tr.GetByRank(-1)
	require.False(t, ok)
	_, ok = tr.GetByRank(1)
	require.False(t, ok)
}

func TestRemoveVertex(t *testing.T) {
	tr := New()
	tr.InsertVertex(1, 0)
	tr.InsertVertex(2, 0)

	require.True(t, tr.RemoveVertex(1))
	require.False(t, tr.RemoveVertex(1), "second removal of the same id must report absent")

	_, _, ok := tr.GetByVertexID(1)
	require.False(t, ok)
	require.Equal(t, 1, tr.Len())
}

func TestChangeDegree(t *testing.T) {
	tr := New()
	tr.InsertVertex(1, 5)

	newDegree, ok := tr.ChangeDegree(1, 3)
	require.True(t, ok)
	require.Equal(t, 8, newDegree)

	newDegree, ok = tr.ChangeDegree(1, -2)
	require.True(t, ok)
	require.Equal(t, 6, newDegree)
}

func TestChangeDegreeOnMissingVertex(t *testing.T) {
	tr := New()
	_, ok := tr.ChangeDegree(123, 1)
	require.False(t, ok)
}

func TestSplitRootPreservesAllEntriesBeyondOrder(t *testing.T) {
	tr := New()
	n := order*2 + 5
	for i := 0; i < n; i++ {
		require.True(t, tr.InsertVertex(uint64(i), i))
	}
	require.Equal(t, n, tr.Len())

	for i := 0; i < n; i++ {
		item, rank, ok := tr.GetByVertexID(uint64(i))
		require.True(t, ok)
		require.Equal(t, i, rank)
		require.Equal(t, i, item.Degree)

		byRank, ok := tr.GetByRank(i)
		require.True(t, ok)
		require.Equal(t, uint64(i), byRank.VertexID)
	}
}

func TestRemoveVertexUpdatesSubtreeCountsAfterSplit(t *testing.T) {
	tr := New()
	n := order*2 + 5
	for i := 0; i < n; i++ {
		tr.InsertVertex(uint64(i), i)
	}

	require.True(t, tr.RemoveVertex(uint64(order))) // a key inside the split range
	require.Equal(t, n-1, tr.Len())

	// Ranks above the removed key must shift down by exactly one.
	item, rank, ok := tr.GetByVertexID(uint64(order + 1))
	require.True(t, ok)
	require.Equal(t, order, rank)
	require.Equal(t, order+1, item.Degree)
}
