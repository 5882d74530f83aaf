package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teseo-db/teseo/internal/errs"
	"github.com/teseo-db/teseo/internal/key"
)

func TestDenseFileUpdateInsertAndGet(t *testing.T) {
	f := NewDense(256)
	w := &fakeTxn{id: 1}
	k := key.EdgeKey(1, 2)

	require.NoError(t, f.Update(Update{Op: OpInsertVertex, Key: key.VertexKey(1)}, true, w))
	require.NoError(t, f.Update(Update{Op: OpInsertEdge, Key: k, Weight: 42}, true, w))
	w.commit(1)

	weight, ok := f.GetWeightOptimistic(k, ReadView{TxnID: 2, ReadTS: 10})
	require.True(t, ok)
	require.Equal(t, int64(42), weight)
	require.Equal(t, 1, f.GetDegree(1, ReadView{TxnID: 2, ReadTS: 10}))
}

func TestDenseFileNotSureIfVertexExists(t *testing.T) {
	f := NewDense(256)
	w := &fakeTxn{id: 1}
	err := f.Update(Update{Op: OpInsertEdge, Key: key.EdgeKey(1, 2), Weight: 1}, false, w)
	require.ErrorIs(t, err, errs.NotSureIfVertexExists)
}

func TestDenseFileRollbackOfFirstInsertRemoves(t *testing.T) {
	f := NewDense(256)
	w := &fakeTxn{id: 1}
	k := key.VertexKey(1)
	require.NoError(t, f.Update(Update{Op: OpInsertVertex, Key: k}, true, w))
	f.Rollback(k)
	require.Equal(t, 0, f.Len())
}

func TestDenseFileRemoveVertexCascade(t *testing.T) {
	f := NewDense(256)
	w := &fakeTxn{id: 1}
	require.NoError(t, f.Update(Update{Op: OpInsertVertex, Key: key.VertexKey(1)}, true, w))
	require.NoError(t, f.Update(Update{Op: OpInsertEdge, Key: key.EdgeKey(1, 2), Weight: 1}, true, w))
	require.NoError(t, f.Update(Update{Op: OpInsertEdge, Key: key.EdgeKey(1, 3), Weight: 1}, true, w))
	w.commit(1)

	removed, err := f.RemoveVertexCascade(1, w, ReadView{TxnID: 1, ReadTS: 10})
	require.NoError(t, err)
	require.ElementsMatch(t, []key.Key{key.EdgeKey(1, 2), key.EdgeKey(1, 3)}, removed)
}

func TestNewDenseFromSparsePreservesContentsAndToSparseRoundTrips(t *testing.T) {
	sf := NewSparse(256)
	w := &fakeTxn{id: 1}
	require.NoError(t, sf.Update(Update{Op: OpInsertVertex, Key: key.VertexKey(1)}, true, w))
	require.NoError(t, sf.Update(Update{Op: OpInsertEdge, Key: key.EdgeKey(1, 2), Weight: 5}, true, w))
	w.commit(1)

	df := NewDenseFrom(sf)
	require.Equal(t, sf.Len(), df.Len())
	require.Equal(t, sf.UsedWords(), df.UsedWords())

	back := df.ToSparse()
	require.Equal(t, sf.Len(), back.Len())

	view := ReadView{TxnID: 2, ReadTS: 10}
	weight, ok := back.GetWeightOptimistic(key.EdgeKey(1, 2), view)
	require.True(t, ok)
	require.Equal(t, int64(5), weight)
}

func TestDenseFileScanIsKeyOrdered(t *testing.T) {
	f := NewDense(256)
	w := &fakeTxn{id: 1}
	require.NoError(t, f.Update(Update{Op: OpInsertVertex, Key: key.VertexKey(1)}, true, w))
	require.NoError(t, f.Update(Update{Op: OpInsertEdge, Key: key.EdgeKey(1, 9), Weight: 1}, true, w))
	require.NoError(t, f.Update(Update{Op: OpInsertEdge, Key: key.EdgeKey(1, 4), Weight: 1}, true, w))
	w.commit(1)

	var dsts []uint64
	f.Scan(ReadView{TxnID: 2, ReadTS: 10}, key.Min, func(src, dst uint64, weight int64) bool {
		dsts = append(dsts, dst)
		return true
	})
	require.Equal(t, []uint64{4, 9}, dsts)
}

func TestDenseFilePruneDropsCommittedRemoves(t *testing.T) {
	f := NewDense(256)
	w := &fakeTxn{id: 1}
	k := key.VertexKey(1)
	require.NoError(t, f.Update(Update{Op: OpInsertVertex, Key: k}, true, w))
	w.commit(1)

	w2 := &fakeTxn{id: 2}
	require.NoError(t, f.Update(Update{Op: OpRemoveVertex, Key: k}, true, w2))
	w2.commit(2)

	reclaimed := f.Prune(100)
	require.Greater(t, reclaimed, 0)
	require.Equal(t, 0, f.Len())
}
