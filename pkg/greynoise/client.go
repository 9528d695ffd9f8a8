// Package greynoise provides a client for the GreyNoise community API,
// used as the reputation source for scanner/benign lookups. The free
// tier carries a daily request budget, so the client tracks its own
// quota and refuses calls once it is spent; callers treat that as a
// normal skip.
package greynoise

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ipintel/internal/resilience"
)

// Client defines the community lookup operation.
type Client interface {
	// Lookup returns nil when GreyNoise has never observed the address.
	// Returns ErrQuotaExhausted once the daily budget is spent.
	Lookup(ctx context.Context, ip string) (*Result, error)
}

// Result is the parsed community API record.
type Result struct {
	IP             string `json:"ip"`
	Noise          bool   `json:"noise"`
	Riot           bool   `json:"riot"`
	Classification string `json:"classification"`
	Name           string `json:"name"`
	LastSeen       string `json:"last_seen"`
}

// ErrQuotaExhausted signals the daily request budget is spent. Resets at
// the next UTC day.
var ErrQuotaExhausted = eris.New("greynoise: daily quota exhausted")

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithDailyQuota sets the request budget per UTC day. Zero disables the
// local check and relies on the service's 429 responses alone.
func WithDailyQuota(n int) Option {
	return func(c *httpClient) {
		c.quota.limit = n
	}
}

// WithRetryPolicy overrides retry behavior.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

// dayQuota counts requests against a per-UTC-day budget.
type dayQuota struct {
	mu    sync.Mutex
	limit int
	day   string
	used  int
}

// take consumes one request from the budget, reporting false when spent.
func (q *dayQuota) take(now time.Time) bool {
	if q.limit <= 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	day := now.UTC().Format("2006-01-02")
	if day != q.day {
		q.day = day
		q.used = 0
	}
	if q.used >= q.limit {
		return false
	}
	q.used++
	return true
}

// exhaust empties the remaining budget for the current day. Used when
// the service itself reports the quota gone.
func (q *dayQuota) exhaust(now time.Time) {
	if q.limit <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.day = now.UTC().Format("2006-01-02")
	q.used = q.limit
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	quota   dayQuota
	retry   resilience.RetryPolicy
	now     func() time.Time
}

// NewClient creates a GreyNoise community client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.greynoise.io",
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryPolicy(),
		now:   time.Now,
	}
	c.retry.OnRetry = resilience.LogRetries("greynoise")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Lookup(ctx context.Context, ip string) (*Result, error) {
	if !c.quota.take(c.now()) {
		return nil, ErrQuotaExhausted
	}

	return resilience.Retry(ctx, c.retry, func(ctx context.Context) (*Result, error) {
		return c.doLookup(ctx, ip)
	})
}

func (c *httpClient) doLookup(ctx context.Context, ip string) (*Result, error) {
	reqURL := fmt.Sprintf("%s/v3/community/%s", c.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "greynoise: create request")
	}
	req.Header.Set("key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "greynoise: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "greynoise: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Never observed by GreyNoise.
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.quota.exhaust(c.now())
		return nil, ErrQuotaExhausted
	case resp.StatusCode != http.StatusOK:
		err := eris.Errorf("greynoise: status %d: %s", resp.StatusCode, string(body))
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.MarkTransient(err, resp.StatusCode)
		}
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "greynoise: unmarshal response")
	}
	return &result, nil
}
