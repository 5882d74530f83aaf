package teseo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teseo-db/teseo/internal/key"
)

func TestInsertVertexRejectsDuplicate(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVertex(7))
	err = tx.InsertVertex(7)
	require.ErrorIs(t, err, ErrVertexAlreadyExists)
	require.NoError(t, tx.Commit())
}

func TestRemoveVertexRejectsAbsent(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	err = tx.RemoveVertex(123)
	require.ErrorIs(t, err, ErrVertexDoesNotExist)
	require.NoError(t, tx.Commit())
}

func TestInsertEdgeRejectsDuplicateAndMissingSource(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)

	err = tx.InsertEdge(1, 2, 5, true)
	require.ErrorIs(t, err, ErrVertexDoesNotExist)

	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertVertex(2))
	require.NoError(t, tx.InsertEdge(1, 2, 5, true))

	err = tx.InsertEdge(1, 2, 9, true)
	require.ErrorIs(t, err, ErrEdgeAlreadyExists)

	require.NoError(t, tx.Commit())
}

func TestRemoveEdgeRejectsAbsent(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertVertex(2))
	err = tx.RemoveEdge(1, 2, true)
	require.ErrorIs(t, err, ErrEdgeDoesNotExist)
	require.NoError(t, tx.Commit())
}

// Supplemented feature of SPEC_FULL.md section 10: an undirected edge is
// mirrored both ways as one logical operation.
func TestUndirectedEdgeMirroring(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertVertex(2))
	require.NoError(t, tx.InsertEdge(1, 2, 42, false))
	require.True(t, tx.HasEdge(1, 2))
	require.True(t, tx.HasEdge(2, 1))
	w, err := tx.GetWeight(2, 1)
	require.NoError(t, err)
	require.Equal(t, int64(42), w)

	require.NoError(t, tx.RemoveEdge(1, 2, false))
	require.False(t, tx.HasEdge(1, 2))
	require.False(t, tx.HasEdge(2, 1))

	require.NoError(t, tx.Commit())
}

// If the second half of a mirrored undirected insert fails, a rollback
// of the transaction undoes the first half too (spec.md section 4.2's
// undo-chain semantics), leaving neither direction installed.
func TestUndirectedEdgeMirroringPartialFailureRollsBackCleanly(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertVertex(2))
	require.NoError(t, tx.InsertEdge(2, 1, 1, true)) // pre-seed the mirrored direction

	err = tx.InsertEdge(1, 2, 2, false)
	require.ErrorIs(t, err, ErrEdgeAlreadyExists)
	require.True(t, tx.HasEdge(1, 2)) // the first half of the mirrored insert did land

	require.NoError(t, tx.Rollback())

	verify, err := h.StartTransaction(true)
	require.NoError(t, err)
	defer verify.Commit()
	require.False(t, verify.HasEdge(1, 2))
	require.False(t, verify.HasEdge(2, 1))
}

func TestReadOnlyTransactionRejectsMutation(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(true)
	require.NoError(t, err)
	err = tx.InsertVertex(1)
	require.ErrorIs(t, err, ErrReadOnly)
	require.True(t, IsLogicalError(err))
	require.NoError(t, tx.Commit())
}

func TestOperationsAfterCommitReturnErrClosed(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), ErrClosed)
	require.ErrorIs(t, tx.InsertVertex(1), ErrClosed)
}

// Rollback must undo every write newest-first, per spec.md section 4.2.
func TestRollbackUndoesWritesNewestFirst(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertVertex(2))
	require.NoError(t, tx.InsertEdge(1, 2, 99, true))
	require.NoError(t, tx.Rollback())

	verify, err := h.StartTransaction(true)
	require.NoError(t, err)
	require.False(t, verify.HasVertex(1))
	require.False(t, verify.HasVertex(2))
	require.False(t, verify.HasEdge(1, 2))
	require.NoError(t, verify.Commit())
}

// A vertex with no edges has degree 0 and its logical ID is contiguous
// with the rest of the committed vertices, per spec.md section 8's
// boundary behaviours.
func TestIsolatedVertexHasZeroDegreeAndContiguousLogicalID(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVertex(5))
	require.NoError(t, tx.InsertVertex(6))
	require.NoError(t, tx.Commit())

	ro, err := h.StartTransaction(true)
	require.NoError(t, err)
	defer ro.Commit()

	d, err := ro.Degree(5, false)
	require.NoError(t, err)
	require.Equal(t, 0, d)

	l1, err := ro.LogicalID(key.ExternalToInternal(5))
	require.NoError(t, err)
	l2, err := ro.LogicalID(key.ExternalToInternal(6))
	require.NoError(t, err)
	require.Equal(t, 1, l2-l1)
}

// External ID 0 maps to internal ID 1. The vertex table reserves no ID
// value (empty slots carry a flag, and removal shifts entries back rather
// than leaving tombstones), so this vertex must round-trip like any other.
func TestVertexTableTombstoneCollisionKeyRoundtrips(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVertex(0)) // internal ID becomes 1 after E2I
	require.NoError(t, tx.InsertVertex(1)) // internal ID becomes 2
	require.NoError(t, tx.InsertEdge(0, 1, 7, true))
	require.NoError(t, tx.Commit())

	eng.merger.ExecuteNow()

	ro, err := h.StartTransaction(true)
	require.NoError(t, err)
	defer ro.Commit()
	require.True(t, ro.HasVertex(0))
	w, err := ro.GetWeight(0, 1)
	require.NoError(t, err)
	require.Equal(t, int64(7), w)
}

// Iterator.Edges must stop as soon as the callback returns false.
func TestIteratorEdgesEarlyTermination(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVertex(1))
	for dst := uint64(2); dst <= 10; dst++ {
		require.NoError(t, tx.InsertVertex(dst))
		require.NoError(t, tx.InsertEdge(1, dst, int64(dst), true))
	}
	require.NoError(t, tx.Commit())

	ro, err := h.StartTransaction(true)
	require.NoError(t, err)
	defer ro.Commit()

	seen := 0
	err = ro.Iterator().Edges(1, false, func(destination uint64, weight int64) bool {
		seen++
		return seen < 3
	})
	require.NoError(t, err)
	require.Equal(t, 3, seen)
}

func TestIteratorEdgesVisitsAllInOrder(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVertex(1))
	dsts := []uint64{5, 2, 9, 3}
	for _, dst := range dsts {
		require.NoError(t, tx.InsertVertex(dst))
		require.NoError(t, tx.InsertEdge(1, dst, int64(dst)*10, true))
	}
	require.NoError(t, tx.Commit())

	ro, err := h.StartTransaction(true)
	require.NoError(t, err)
	defer ro.Commit()

	var got []uint64
	err = ro.Iterator().Edges(1, false, func(destination uint64, weight int64) bool {
		got = append(got, destination)
		require.Equal(t, int64(destination)*10, weight)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3, 5, 9}, got)
}

func TestNumVerticesAndNumEdgesReflectUncommittedDeltas(t *testing.T) {
	eng := newTestEngine(t)
	h := eng.RegisterThread()
	defer h.UnregisterThread()

	tx, err := h.StartTransaction(false)
	require.NoError(t, err)
	require.Equal(t, uint64(0), tx.NumVertices())
	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertVertex(2))
	require.NoError(t, tx.InsertEdge(1, 2, 1, true))
	require.Equal(t, uint64(2), tx.NumVertices())
	require.Equal(t, uint64(1), tx.NumEdges())
	require.NoError(t, tx.Commit())
}
