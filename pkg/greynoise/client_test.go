package greynoise

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ipintel/internal/resilience"
)

func fastRetry() Option {
	return WithRetryPolicy(resilience.RetryPolicy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestLookup_ParsesCommunityResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/community/203.0.113.7", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("key"))
		_ = json.NewEncoder(w).Encode(Result{
			IP: "203.0.113.7", Noise: true, Classification: "malicious",
			Name: "unknown", LastSeen: "2026-08-30",
		})
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL), fastRetry())
	res, err := c.Lookup(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Noise)
	assert.False(t, res.Riot)
	assert.Equal(t, "malicious", res.Classification)
}

func TestLookup_NotFoundMeansNoData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL), fastRetry())
	res, err := c.Lookup(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLookup_LocalQuotaBlocksRequests(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(Result{IP: "8.8.8.8", Riot: true})
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL), WithDailyQuota(2), fastRetry())

	for i := 0; i < 2; i++ {
		_, err := c.Lookup(context.Background(), "8.8.8.8")
		require.NoError(t, err)
	}
	_, err := c.Lookup(context.Background(), "8.8.8.8")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 2, calls, "exhausted quota must not reach the service")
}

func TestLookup_QuotaResetsNextUTCDay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Result{IP: "8.8.8.8"})
	}))
	defer server.Close()

	now := time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC)
	c := NewClient("test-key", WithBaseURL(server.URL), WithDailyQuota(1), fastRetry()).(*httpClient)
	c.now = func() time.Time { return now }

	_, err := c.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), "8.8.8.8")
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	now = now.Add(2 * time.Hour)
	_, err = c.Lookup(context.Background(), "8.8.8.8")
	assert.NoError(t, err, "budget resets at the UTC day boundary")
}

func TestLookup_ServerRateLimitExhaustsLocalQuota(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL), WithDailyQuota(50), fastRetry())

	_, err := c.Lookup(context.Background(), "8.8.8.8")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 1, calls)

	_, err = c.Lookup(context.Background(), "8.8.8.8")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 1, calls, "a 429 empties the local budget for the day")
}

func TestLookup_TransientErrorRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{IP: "8.8.8.8", Noise: true})
	}))
	defer server.Close()

	c := NewClient("test-key", WithBaseURL(server.URL), fastRetry())
	res, err := c.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, attempts)
}

func TestLookup_UnauthorizedNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient("bad-key", WithBaseURL(server.URL), fastRetry())
	_, err := c.Lookup(context.Background(), "8.8.8.8")
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
