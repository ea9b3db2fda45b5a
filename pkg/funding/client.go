package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

const (
	// DefaultBaseURL points at the public funding-rate aggregator endpoint.
	DefaultBaseURL = "https://api.loris.tools/funding"

	defaultCacheTTL       = 60 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// Client fetches and normalizes funding rates from the aggregator endpoint.
// Responses are memoized for the cache TTL; a cache miss combined with a fetch
// failure surfaces the fetch error (stale data is never served).
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      *retryHandler
	cacheTTL   time.Duration
	nowFn      func() time.Time

	mu        sync.Mutex
	cached    []Snapshot
	fetchedAt time.Time
}

// ClientOption customises the funding client.
type ClientOption func(*Client)

// WithBaseURL overrides the aggregator endpoint.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCacheTTL overrides the response memoization window.
func WithCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithRetry overrides retry/backoff behaviour.
func WithRetry(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = newRetryHandler(cfg) }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// NewClient constructs a funding client with sane defaults.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		retry:      newRetryHandler(RetryConfig{}),
		cacheTTL:   defaultCacheTTL,
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAll returns normalized snapshots for every venue and symbol the
// aggregator covers, serving the memoized response when it is still fresh.
func (c *Client) FetchAll(ctx context.Context) ([]Snapshot, error) {
	c.mu.Lock()
	if c.cached != nil && c.nowFn().Sub(c.fetchedAt) < c.cacheTTL {
		snaps := c.cached
		c.mu.Unlock()
		return snaps, nil
	}
	c.mu.Unlock()

	var records []Record
	err := c.retry.do(ctx, func() error {
		var attemptErr error
		records, attemptErr = c.fetchOnce(ctx)
		return attemptErr
	})
	if err != nil {
		return nil, fmt.Errorf("funding: fetch aggregator rates: %w", err)
	}

	now := c.nowFn()
	snaps := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		if rec.Exchange == "" || rec.Symbol == "" {
			continue
		}
		snaps = append(snaps, Snapshot{
			Venue:           rec.Exchange,
			Symbol:          Canonical(rec.Symbol),
			Rate:            Normalize(rec.FundingRate, rec.IntervalHours),
			IntervalHours:   rec.IntervalHours,
			OpenInterestUSD: rec.OpenInterestUSD,
			Timestamp:       now,
		})
	}

	c.mu.Lock()
	c.cached = snaps
	c.fetchedAt = now
	c.mu.Unlock()

	logx.WithContext(ctx).Infof("funding: fetched %d rates from aggregator", len(snaps))
	return snaps, nil
}

// GetRate returns the snapshot for one (venue, symbol) pair. The symbol may be
// given in any form accepted by Canonical. Returns ErrNotFound when the
// aggregator has no rate for the pair.
func (c *Client) GetRate(ctx context.Context, venue, symbol string) (*Snapshot, error) {
	snaps, err := c.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	want := Canonical(symbol)
	for i := range snaps {
		if snaps[i].Venue == venue && snaps[i].Symbol == want {
			snap := snaps[i]
			return &snap, nil
		}
	}
	return nil, fmt.Errorf("funding: %s %s: %w", venue, want, ErrNotFound)
}

// GetRatesBySymbols returns all venue rates for the requested symbols, keyed
// symbol -> venue -> snapshot. Symbols without any rate are absent.
func (c *Client) GetRatesBySymbols(ctx context.Context, symbols []string) (map[string]map[string]Snapshot, error) {
	snaps, err := c.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[Canonical(s)] = struct{}{}
	}
	out := make(map[string]map[string]Snapshot)
	for _, snap := range snaps {
		if _, ok := want[snap.Symbol]; !ok {
			continue
		}
		byVenue := out[snap.Symbol]
		if byVenue == nil {
			byVenue = make(map[string]Snapshot)
			out[snap.Symbol] = byVenue
		}
		byVenue[snap.Venue] = snap
	}
	return out, nil
}

// InvalidateCache discards the memoized response.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	c.fetchedAt = time.Time{}
}

func (c *Client) fetchOnce(ctx context.Context) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("funding: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &statusError{Code: resp.StatusCode}
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("funding: decode response: %w", err)
	}
	return records, nil
}
