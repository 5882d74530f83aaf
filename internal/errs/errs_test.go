package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(Abort))
	require.True(t, IsRetryable(NotSureIfVertexExists))
	require.True(t, IsRetryable(NeedsRebalance))
	require.True(t, IsRetryable(TooManyReaders))

	require.False(t, IsRetryable(RebalanceNotNecessary))
	require.False(t, IsRetryable(InternalError))
	require.False(t, IsRetryable(NewLogical("vertex already exists")))
	require.False(t, IsRetryable(nil))
}

func TestIsRetryableWrapped(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), Abort)
	require.True(t, IsRetryable(wrapped))
}

func TestLogicalErrorMessage(t *testing.T) {
	err := NewLogical("vertex does not exist")
	require.EqualError(t, err, "teseo: vertex does not exist")

	var le *Logical
	require.True(t, errors.As(err, &le))
	require.Equal(t, "vertex does not exist", le.Msg)
}
