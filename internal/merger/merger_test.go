package merger

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/teseo-db/teseo/internal/index"
	"github.com/teseo-db/teseo/internal/key"
	"github.com/teseo-db/teseo/internal/metrics"
	"github.com/teseo-db/teseo/internal/vtable"
	"github.com/teseo-db/teseo/segment"
)

type fakeTxn struct {
	id       uint64
	commitTS uint64
	done     bool
}

func (t *fakeTxn) ID() uint64               { return t.id }
func (t *fakeTxn) CommitTS() (uint64, bool) { return t.commitTS, t.done }
func (t *fakeTxn) commit(ts uint64)         { t.commitTS, t.done = ts, true }

func newTestService(idx *index.Index, vt *vtable.Replicated, hwm HighWaterMarker) *Service {
	m := metrics.New(prometheus.NewRegistry())
	return New(idx, vt, hwm, Config{PruneInterval: 10 * time.Millisecond, StaleAfter: time.Nanosecond}, nil, m)
}

func TestExecuteNowPrunesCommittedRemoves(t *testing.T) {
	leaf := segment.NewLeaf(key.Min, 1, 256)
	idx := index.New(leaf)
	vt := vtable.NewReplicated(1, 8)

	w := &fakeTxn{id: 1}
	k := key.VertexKey(1)
	require.NoError(t, leaf.Segment(0).Update(segment.Update{Op: segment.OpInsertVertex, Key: k}, true, w))
	w.commit(1)

	w2 := &fakeTxn{id: 2}
	require.NoError(t, leaf.Segment(0).Update(segment.Update{Op: segment.OpRemoveVertex, Key: k}, true, w2))
	w2.commit(2)

	before := leaf.Segment(0).UsedWords()
	svc := newTestService(idx, vt, func() uint64 { return 100 })
	svc.ExecuteNow()

	require.Less(t, leaf.Segment(0).UsedWords(), before)
}

func TestExecuteNowRebuildsVertexTable(t *testing.T) {
	leaf := segment.NewLeaf(key.Min, 1, 256)
	idx := index.New(leaf)
	vt := vtable.NewReplicated(1, 8)

	w := &fakeTxn{id: 1}
	k := key.VertexKey(1)
	require.NoError(t, leaf.Segment(0).Update(segment.Update{Op: segment.OpInsertVertex, Key: k}, true, w))
	w.commit(1)

	svc := newTestService(idx, vt, func() uint64 { return 100 })
	svc.ExecuteNow()

	_, ok := vt.Get(1)
	require.True(t, ok, "merger must have installed a vtable pointer for the live vertex")
}

func TestStartStopRunsInBackground(t *testing.T) {
	leaf := segment.NewLeaf(key.Min, 1, 256)
	idx := index.New(leaf)
	vt := vtable.NewReplicated(1, 8)

	svc := newTestService(idx, vt, func() uint64 { return 0 })
	svc.Start()
	svc.Start() // starting twice must be a no-op, not a panic
	svc.Stop()
	svc.Stop() // stopping twice must be a no-op, not a panic
}

func TestExecuteNowWhileStoppedRunsSynchronously(t *testing.T) {
	leaf := segment.NewLeaf(key.Min, 1, 256)
	idx := index.New(leaf)
	vt := vtable.NewReplicated(1, 8)

	svc := newTestService(idx, vt, func() uint64 { return 0 })
	require.NotPanics(t, func() { svc.ExecuteNow() })
}

func TestExecuteNowWhileRunningForcesImmediatePass(t *testing.T) {
	leaf := segment.NewLeaf(key.Min, 1, 256)
	idx := index.New(leaf)
	vt := vtable.NewReplicated(1, 8)

	w := &fakeTxn{id: 1}
	k := key.VertexKey(1)
	require.NoError(t, leaf.Segment(0).Update(segment.Update{Op: segment.OpInsertVertex, Key: k}, true, w))
	w.commit(1)

	svc := New(idx, vt, func() uint64 { return 100 }, Config{PruneInterval: time.Hour, StaleAfter: time.Nanosecond}, nil, metrics.New(prometheus.NewRegistry()))
	svc.Start()
	defer svc.Stop()

	svc.ExecuteNow()
	_, ok := vt.Get(1)
	require.True(t, ok)
}
