package ploop

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("submit", CodeInvalidAlignment, "offset not sector aligned")

	require.Equal(t, "submit", err.Op)
	require.Equal(t, CodeInvalidAlignment, err.Code)
	require.Equal(t, "ploop: offset not sector aligned (op=submit)", err.Error())
}

func TestClusterError(t *testing.T) {
	err := NewClusterError("relocate", "delta-1", 7, CodeStackBusy, "control op in progress")

	require.Equal(t, "delta-1", err.DeltaID)
	require.EqualValues(t, 7, err.Cluster)
	require.Equal(t, "ploop: control op in progress (op=relocate)", err.Error())
}

func TestWrapError(t *testing.T) {
	err := WrapError("allocate_tail", syscall.ENOSPC)

	require.Equal(t, CodeOutOfSpace, err.Code)
	require.Equal(t, syscall.ENOSPC, err.Errno)
}

func TestWrapErrorPreservesStructuredError(t *testing.T) {
	inner := NewClusterError("write", "delta-1", 3, CodeBackingIOError, "short write")
	wrapped := WrapError("submit", inner)

	require.Equal(t, "submit", wrapped.Op)
	require.Equal(t, "delta-1", wrapped.DeltaID)
	require.EqualValues(t, 3, wrapped.Cluster)
	require.Equal(t, CodeBackingIOError, wrapped.Code)
}

func TestIsCode(t *testing.T) {
	err := NewError("flush", CodeMetadataBackpressure, "pipeline saturated")

	require.True(t, IsCode(err, CodeMetadataBackpressure))
	require.False(t, IsCode(err, CodeOutOfSpace))
	require.False(t, IsCode(nil, CodeMetadataBackpressure))
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ENOSPC, CodeOutOfSpace},
		{syscall.EINVAL, CodeInvalidAlignment},
		{syscall.EBUSY, CodeStackBusy},
		{syscall.EIO, CodeBackingIOError},
	}

	for _, tc := range cases {
		require.Equal(t, tc.expected, mapErrnoToCode(tc.errno))
	}
}
