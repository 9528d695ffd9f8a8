package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	val, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", MarkTransient(eris.New("upstream unavailable"), 503)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := eris.New("invalid request")
	_, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, MarkTransient(eris.New("still down"), 502)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, RetryPolicy{Attempts: 5, BaseDelay: 50 * time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, MarkTransient(eris.New("down"), 503)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_OnRetryHookFires(t *testing.T) {
	var attempts []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, err error) { attempts = append(attempts, attempt) }
	_, _ = Retry(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, MarkTransient(eris.New("down"), 503)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(eris.New("bad api key")))
	assert.True(t, Retryable(MarkTransient(eris.New("rate limited"), 429)))
	assert.True(t, Retryable(eris.New("read tcp: i/o timeout")))
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		assert.False(t, RetryableStatus(code), "status %d", code)
	}
}
