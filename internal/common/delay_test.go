package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitZeroRange(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitWithCancellation(context.Background(), [2]int{0, 0}))
	require.Less(t, time.Since(start), time.Second)
}

func TestWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := WaitWithCancellation(ctx, [2]int{30, 60})
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitSwappedRange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// Перевёрнутый диапазон не должен паниковать.
	require.ErrorIs(t, WaitWithCancellation(ctx, [2]int{10, 5}), context.DeadlineExceeded)
}
