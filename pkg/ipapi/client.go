// Package ipapi provides a client for the ip-api.com batch geolocation
// endpoint, used as the online ASN fallback when the local databases
// carry no ASN for an address. Calls are rate limited, retried on
// transient failures, and guarded by a circuit breaker.
package ipapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/ipintel/internal/resilience"
)

// Client defines the batch lookup operation.
type Client interface {
	// BulkLookup resolves ASN and registry country for many addresses in
	// batched calls. Addresses the service cannot resolve are absent from
	// the result map.
	BulkLookup(ctx context.Context, ips []string) (map[string]Result, error)
}

// Result is the parsed record for one address.
type Result struct {
	ASN     int64
	Org     string
	Country string
}

// batchEntry is one element of the ip-api batch response.
type batchEntry struct {
	Query       string `json:"query"`
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	AS          string `json:"as"`
	ASName      string `json:"asname"`
	Org         string `json:"org"`
}

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

// WithRateLimit overrides the request throttle.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithRetryPolicy overrides retry behavior.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

// WithBatchSize caps addresses per call. The service accepts up to 100.
func WithBatchSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 && n <= 100 {
			c.batchSize = n
		}
	}
}

type httpClient struct {
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *resilience.Breaker
	retry     resilience.RetryPolicy
	batchSize int
}

// NewClient creates an ip-api batch client. The default throttle stays
// under the service's 15 batch requests per minute.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "http://ip-api.com",
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:   rate.NewLimiter(rate.Every(4*time.Second), 2),
		breaker:   resilience.NewBreaker("ip-api", resilience.DefaultBreakerConfig()),
		retry:     resilience.DefaultRetryPolicy(),
		batchSize: 100,
	}
	c.retry.OnRetry = resilience.LogRetries("ip-api")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) BulkLookup(ctx context.Context, ips []string) (map[string]Result, error) {
	results := make(map[string]Result, len(ips))
	for start := 0; start < len(ips); start += c.batchSize {
		end := start + c.batchSize
		if end > len(ips) {
			end = len(ips)
		}
		if err := c.lookupBatch(ctx, ips[start:end], results); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (c *httpClient) lookupBatch(ctx context.Context, batch []string, results map[string]Result) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "ipapi: rate limit wait")
	}

	entries, err := resilience.Call(ctx, c.breaker, func(ctx context.Context) ([]batchEntry, error) {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) ([]batchEntry, error) {
			return c.doBatch(ctx, batch)
		})
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.Status != "success" {
			continue
		}
		asn, org := parseAS(e.AS)
		if org == "" {
			org = e.Org
		}
		if asn == 0 {
			continue
		}
		results[e.Query] = Result{ASN: asn, Org: org, Country: e.CountryCode}
	}
	return nil
}

func (c *httpClient) doBatch(ctx context.Context, batch []string) ([]batchEntry, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, eris.Wrap(err, "ipapi: marshal batch")
	}

	reqURL := c.baseURL + "/batch?fields=query,status,countryCode,as,asname,org"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "ipapi: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ipapi: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ipapi: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("ipapi: status %d: %s", resp.StatusCode, string(body))
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.MarkTransient(err, resp.StatusCode)
		}
		return nil, err
	}

	var entries []batchEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, eris.Wrap(err, "ipapi: unmarshal response")
	}
	return entries, nil
}

// parseAS splits an "AS15169 Google LLC" string into number and name.
func parseAS(s string) (int64, string) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "AS") {
		return 0, ""
	}
	numEnd := len(s)
	if i := strings.IndexByte(s, ' '); i > 0 {
		numEnd = i
	}
	asn, err := strconv.ParseInt(s[2:numEnd], 10, 64)
	if err != nil || asn <= 0 {
		return 0, ""
	}
	return asn, strings.TrimSpace(s[numEnd:])
}
