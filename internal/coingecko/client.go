package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxPerPage is the largest page size /coins/markets accepts.
const maxPerPage = 250

// Client is a CoinGecko HTTP client.
//
// GetPrices and GetTopCoins never return errors: upstream failures are
// logged and degrade to empty or partial results.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger

	// Rate limiting
	mu       sync.Mutex
	lastCall time.Time
	minDelay time.Duration

	topMu      sync.Mutex
	topCoins   []string
	topLimit   int
	topFetched time.Time
	topTTL     time.Duration
}

// Options configures a Client
type Options struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	TopCoinsTTL time.Duration
	MinDelay    time.Duration
}

// NewClient creates a new CoinGecko client
func NewClient(opts Options, log *zap.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	minDelay := opts.MinDelay
	switch {
	case minDelay == 0:
		minDelay = 250 * time.Millisecond // ~4 RPS
	case minDelay < 0:
		minDelay = 0
	}
	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		minDelay:   minDelay,
		topTTL:     opts.TopCoinsTTL,
	}
}

func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.lastCall)
	if elapsed < c.minDelay {
		t := time.NewTimer(c.minDelay - elapsed)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	c.lastCall = time.Now()
	return nil
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}

	return data, nil
}

// Markets fetches one page of /coins/markets in USD ordered by market cap.
// ids may be empty to list the top coins.
func (c *Client) Markets(ctx context.Context, ids []string, perPage int) ([]MarketCoin, error) {
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("order", "market_cap_desc")
	q.Set("page", "1")
	q.Set("per_page", strconv.Itoa(perPage))
	if len(ids) > 0 {
		q.Set("ids", strings.Join(ids, ","))
	}

	data, err := c.doRequest(ctx, "/coins/markets", q)
	if err != nil {
		return nil, err
	}

	var coins []MarketCoin
	if err := json.Unmarshal(data, &coins); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return coins, nil
}

// GetPrices returns price data for the given coin IDs keyed by ID.
// Coins the API does not know are absent from the result.
func (c *Client) GetPrices(ctx context.Context, ids []string) map[string]Price {
	result := make(map[string]Price, len(ids))
	if len(ids) == 0 {
		return result
	}

	for start := 0; start < len(ids); start += maxPerPage {
		end := start + maxPerPage
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		coins, err := c.Markets(ctx, batch, len(batch))
		if err != nil {
			c.log.Warn("fetch prices failed", zap.Error(err), zap.Int("coins", len(batch)))
			continue
		}
		for _, coin := range coins {
			if p, ok := coin.price(); ok {
				result[coin.ID] = p
			}
		}
	}
	return result
}

// KnownCoins reports which of ids the API knows. Unlike GetPrices it fails
// if any batch cannot be fetched, so callers can tell an unknown coin from
// an unreachable upstream.
func (c *Client) KnownCoins(ctx context.Context, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += maxPerPage {
		end := start + maxPerPage
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		coins, err := c.Markets(ctx, batch, len(batch))
		if err != nil {
			return nil, err
		}
		for _, coin := range coins {
			known[coin.ID] = true
		}
	}
	return known, nil
}

// GetTopCoins returns up to limit coin IDs ranked by market cap.
// The list is cached for the configured TTL; on failure a stale list is
// returned if one exists, otherwise an empty one.
func (c *Client) GetTopCoins(ctx context.Context, limit int) []string {
	c.topMu.Lock()
	defer c.topMu.Unlock()

	if c.topTTL > 0 && c.topLimit >= limit && time.Since(c.topFetched) < c.topTTL {
		return truncate(c.topCoins, limit)
	}

	coins, err := c.Markets(ctx, nil, limit)
	if err != nil {
		c.log.Warn("fetch top coins failed", zap.Error(err))
		if c.topLimit >= limit {
			return truncate(c.topCoins, limit)
		}
		return []string{}
	}

	ids := make([]string, 0, len(coins))
	for _, coin := range coins {
		ids = append(ids, coin.ID)
	}
	c.topCoins = ids
	c.topLimit = limit
	c.topFetched = time.Now()
	return truncate(ids, limit)
}

func truncate(ids []string, n int) []string {
	if len(ids) > n {
		ids = ids[:n]
	}
	return append([]string(nil), ids...)
}
