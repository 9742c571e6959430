package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoll(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), func() bool {
		calls++
		return calls >= 3
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPoll_Timeout(t *testing.T) {
	err := Poll(context.Background(), func() bool { return false }, 20*time.Millisecond, time.Millisecond)
	require.ErrorContains(t, err, "timed out after 20ms")
}

func TestPoll_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Poll(ctx, func() bool {
		cancel()
		return false
	}, 5*time.Second, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitForState(t *testing.T) {
	n := 0
	got, err := WaitForState(context.Background(), func() int {
		n++
		return n * 10
	}, func(v int) bool { return v >= 30 }, 5*time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 30, got)

	got, err = WaitForState(context.Background(), func() int { return 1 }, func(int) bool { return false }, 10*time.Millisecond, time.Millisecond)
	require.Error(t, err)
	require.Zero(t, got)
}
