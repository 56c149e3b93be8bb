package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return errors.New("hash mismatch")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestExhaustionReturnsLastError(t *testing.T) {
	attempts := 0
	sentinel := errors.New("timeout")
	err := Do(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 2, attempts)
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return errors.New("timeout")
	})
	require.Error(t, err)
	require.LessOrEqual(t, attempts, 1)
}
