package aux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teseo-db/teseo/internal/errs"
)

func TestNewDynamicSeedsFromVector(t *testing.T) {
	d := NewDynamic([]Entry{{VertexID: 1, Degree: 5}, {VertexID: 2, Degree: 7}})
	require.Equal(t, 2, d.Len())

	deg, err := d.Degree(1)
	require.NoError(t, err)
	require.Equal(t, 5, deg)
}

func TestDynamicInsertBumpsVersion(t *testing.T) {
	d := NewDynamic(nil)
	v0 := d.BeginRead()
	require.True(t, d.InsertVertex(1, 3))
	require.Error(t, d.EndRead(v0), "a mutation between BeginRead and EndRead must abort the reader")
}

func TestDynamicInsertDuplicateReturnsFalse(t *testing.T) {
	d := NewDynamic(nil)
	require.True(t, d.InsertVertex(1, 3))
	require.False(t, d.InsertVertex(1, 9))
}

func TestDynamicRemoveVertex(t *testing.T) {
	d := NewDynamic([]Entry{{VertexID: 1, Degree: 3}})
	require.True(t, d.RemoveVertex(1))
	require.False(t, d.RemoveVertex(1))

	_, err := d.Degree(1)
	require.Error(t, err)
	var le *errs.Logical
	require.True(t, errors.As(err, &le))
}

func TestDynamicChangeDegree(t *testing.T) {
	d := NewDynamic([]Entry{{VertexID: 1, Degree: 3}})
	newDeg, ok := d.ChangeDegree(1, 4)
	require.True(t, ok)
	require.Equal(t, 7, newDeg)

	_, ok = d.ChangeDegree(999, 1)
	require.False(t, ok)
}

func TestDynamicByRankAndRankAgree(t *testing.T) {
	d := NewDynamic([]Entry{{VertexID: 30, Degree: 1}, {VertexID: 10, Degree: 2}, {VertexID: 20, Degree: 3}})

	item, err := d.ByRank(0)
	require.NoError(t, err)
	require.Equal(t, uint64(10), item.VertexID)

	rank, err := d.Rank(20)
	require.NoError(t, err)
	require.Equal(t, 1, rank)

	_, err = d.ByRank(100)
	require.Error(t, err)
}

func TestDynamicRankOnMissingVertex(t *testing.T) {
	d := NewDynamic(nil)
	_, err := d.Rank(42)
	require.Error(t, err)
}
