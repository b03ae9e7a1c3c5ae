package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifySentinels(t *testing.T) {
	require.Equal(t, ConnectionRefused, Classify(ErrConnectionRefused))
	require.Equal(t, NetworkUnreachable, Classify(ErrNetworkUnreachable))
	require.Equal(t, SerializationError, Classify(ErrSerializationError))
	require.Equal(t, ProtocolError, Classify(ErrProtocolError))
	require.Equal(t, NetworkTimeout, Classify(context.DeadlineExceeded))
}

func TestCategoryRetryable(t *testing.T) {
	require.False(t, SerializationError.Retryable())
	require.False(t, ProtocolError.Retryable())
	require.True(t, NetworkTimeout.Retryable())
	require.True(t, ConnectionRefused.Retryable())
}

func TestExecuteWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	h := NewHandler()
	h.SetRetryPolicy("append_entries", Policy{
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
		JitterFactor:      0,
		MaxAttempts:       5,
	})

	attempt := 0
	resultCh := ExecuteWithRetry(h, context.Background(), "append_entries", func(ctx context.Context) (string, error) {
		attempt++
		if attempt < 3 {
			return "", ErrNetworkTimeout
		}
		return "committed", nil
	})

	result := <-resultCh
	require.NoError(t, result.Err)
	require.Equal(t, "committed", result.Value)
	require.Equal(t, 3, result.Attempts)
}

func TestExecuteWithRetryStopsImmediatelyOnNonRetryableCategory(t *testing.T) {
	h := NewHandler()
	h.SetRetryPolicy("append_entries", Policy{
		InitialDelay: time.Millisecond, MaxDelay: time.Millisecond,
		BackoffMultiplier: 2, JitterFactor: 0, MaxAttempts: 10,
	})

	attempts := 0
	resultCh := ExecuteWithRetry(h, context.Background(), "append_entries", func(ctx context.Context) (int, error) {
		attempts++
		return 0, ErrSerializationError
	})

	result := <-resultCh
	require.Error(t, result.Err)
	require.Equal(t, 1, attempts, "non-retryable category must not be retried")
}

func TestExecuteWithRetryDoesNotBlockCaller(t *testing.T) {
	h := NewHandler()
	h.SetRetryPolicy("vote", Policy{
		InitialDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond,
		BackoffMultiplier: 1, JitterFactor: 0, MaxAttempts: 3,
	})

	start := time.Now()
	resultCh := ExecuteWithRetry(h, context.Background(), "vote", func(ctx context.Context) (int, error) {
		return 0, ErrNetworkTimeout
	})
	require.Less(t, time.Since(start), 10*time.Millisecond, "ExecuteWithRetry must return a channel without blocking")

	result := <-resultCh
	require.Error(t, result.Err)
}

func TestSuspectedPartitionAfterConsecutiveTimeouts(t *testing.T) {
	h := NewHandler()
	require.False(t, h.SuspectedPartition())

	for i := 0; i < 5; i++ {
		h.recordCategory(NetworkTimeout)
	}
	require.True(t, h.SuspectedPartition())

	h.recordCategory(ProtocolError)
	require.False(t, h.SuspectedPartition())
}
