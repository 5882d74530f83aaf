package retry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teseo-db/teseo/internal/errs"
)

func TestLoopSucceedsImmediately(t *testing.T) {
	calls := 0
	v, err := Loop(func(attempt int) (int, error) {
		calls++
		return 42, nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls)
}

func TestLoopRetriesAbort(t *testing.T) {
	calls := 0
	v, err := Loop(func(attempt int) (string, error) {
		calls++
		if calls < 3 {
			return "", errs.Abort
		}
		return "done", nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "done", v)
	require.Equal(t, 3, calls)
}

func TestLoopNonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	_, err := Loop(func(attempt int) (int, error) {
		calls++
		return 0, sentinel
	}, nil)
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestLoopCallsRebalanceRequesterOnce(t *testing.T) {
	rebalances := 0
	calls := 0
	_, err := Loop(func(attempt int) (struct{}, error) {
		calls++
		if calls < 4 {
			return struct{}{}, errs.NeedsRebalance
		}
		return struct{}{}, nil
	}, func() { rebalances++ })
	require.NoError(t, err)
	require.Equal(t, 1, rebalances, "onRebalance fires once even though NeedsRebalance recurs")
}

func TestLoopGivesUpAfterMaxAttempts(t *testing.T) {
	_, err := Loop(func(attempt int) (int, error) {
		return 0, errs.Abort
	}, nil)
	require.ErrorIs(t, err, errs.InternalError)
}
