package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teseo-db/teseo/internal/key"
)

func TestNewLeafSeedsSegmentsWithLowFence(t *testing.T) {
	leaf := NewLeaf(key.VertexKey(10), 4, 256)
	require.Equal(t, 4, leaf.NumSegments())
	for i := 0; i < 4; i++ {
		require.Equal(t, key.VertexKey(10), leaf.Segment(i).LowFence())
	}
	require.Equal(t, key.VertexKey(10), leaf.LowFence())
}

func TestRefCountLifecycle(t *testing.T) {
	leaf := NewLeaf(key.Min, 1, 256)
	require.Equal(t, int32(1), leaf.RefCount())
	leaf.IncrRefCount()
	require.Equal(t, int32(2), leaf.RefCount())
	require.Equal(t, int32(1), leaf.DecrRefCount())
}

func TestHighFenceUnsetByDefault(t *testing.T) {
	leaf := NewLeaf(key.Min, 1, 256)
	_, has := leaf.HighFence()
	require.False(t, has)

	leaf.SetHighFence(key.VertexKey(100))
	hf, has := leaf.HighFence()
	require.True(t, has)
	require.Equal(t, key.VertexKey(100), hf)
}

func TestHighFenceForUsesNextSegmentLowFence(t *testing.T) {
	leaf := NewLeaf(key.Min, 2, 256)
	leaf.Segment(1).SetLowFence(key.VertexKey(50))

	hf, has := leaf.HighFenceFor(0)
	require.True(t, has)
	require.Equal(t, key.VertexKey(50), hf)

	// The last segment's high fence is the leaf's own, unset here.
	_, has = leaf.HighFenceFor(1)
	require.False(t, has)
}

func TestCheckFenceKeysRejectsOutOfRangeKey(t *testing.T) {
	leaf := NewLeaf(key.Min, 2, 256)
	leaf.Segment(1).SetLowFence(key.VertexKey(50))
	leaf.SetHighFence(key.VertexKey(200))

	require.True(t, leaf.CheckFenceKeys(0, key.VertexKey(10)))
	require.False(t, leaf.CheckFenceKeys(0, key.VertexKey(50)), "key at the next segment's low fence belongs to that segment")
	require.True(t, leaf.CheckFenceKeys(1, key.VertexKey(50)))
	require.False(t, leaf.CheckFenceKeys(1, key.VertexKey(200)))
	require.False(t, leaf.CheckFenceKeys(5, key.VertexKey(1)), "out-of-range segment id must fail")
}

func TestReplaceSegmentsAndSegmentAt(t *testing.T) {
	leaf := NewLeaf(key.Min, 1, 256)
	newSeg := New(key.VertexKey(5), 256)
	leaf.ReplaceSegmentAt(0, newSeg)
	require.Same(t, newSeg, leaf.Segment(0))

	other := New(key.VertexKey(9), 256)
	leaf.ReplaceSegments([]*Segment{other})
	require.Same(t, other, leaf.Segment(0))
	require.Equal(t, 1, leaf.NumSegments())
}

func TestNextLeafPointer(t *testing.T) {
	a := NewLeaf(key.Min, 1, 256)
	b := NewLeaf(key.VertexKey(100), 1, 256)
	a.SetNext(b)
	require.Same(t, b, a.Next())
}
