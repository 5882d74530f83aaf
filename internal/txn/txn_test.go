package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teseo-db/teseo/segment"
)

func TestBeginAssignsIncreasingIDs(t *testing.T) {
	r := NewRegistry()
	a := r.Begin()
	b := r.Begin()
	require.NotEqual(t, a.ID(), b.ID())
}

func TestCommitAssignsTimestampAndRemovesFromActiveSet(t *testing.T) {
	r := NewRegistry()
	txn := r.Begin()

	ts, committed := txn.CommitTS()
	require.False(t, committed)
	require.Zero(t, ts)

	committedTS := r.Commit(txn)
	require.NotZero(t, committedTS)

	ts, committed = txn.CommitTS()
	require.True(t, committed)
	require.Equal(t, committedTS, ts)
}

func TestRollbackMarksAborted(t *testing.T) {
	r := NewRegistry()
	txn := r.Begin()
	r.Rollback(txn)

	require.True(t, txn.Aborted())
	_, committed := txn.CommitTS()
	require.False(t, committed)
}

func TestHighWaterMarkTracksOldestActiveReader(t *testing.T) {
	r := NewRegistry()

	a := r.Begin() // readTS = 1
	r.Commit(a)    // nextTS -> 2

	b := r.Begin() // readTS = 2, still active
	c := r.Begin() // readTS = 2, still active

	require.Equal(t, b.ReadTS(), r.HighWaterMark())

	r.Commit(b)
	require.Equal(t, c.ReadTS(), r.HighWaterMark())

	r.Commit(c)
	// No active transactions left: high water mark is the current commit
	// counter, which can only move forward.
	require.GreaterOrEqual(t, r.HighWaterMark(), c.ReadTS())
}

func TestReadViewSeesOwnUncommittedWrites(t *testing.T) {
	r := NewRegistry()
	writer := r.Begin()

	view := segment.ReadView{TxnID: writer.ID(), ReadTS: writer.ReadTS()}
	require.True(t, view.Sees(writer), "a transaction's own view sees its uncommitted writes")
	require.False(t, writer.Aborted())
}
