package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnavailable means the live fetch failed and no cached price (fresh or
// stale) exists for the pair. Callers record a failed execution slot and let
// the next tick retry.
var ErrUnavailable = errors.New("price unavailable")

// Quote sources.
const (
	SourceLive       = "live"
	SourceCache      = "cache"
	SourceStaleCache = "stale-cache"
)

type Quote struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Cache is the key-value store quotes are parked in between fetches.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Client resolves a reference price with a three-step fallback: fresh cache,
// live HTTP fetch (which refreshes both cache tiers), then stale cache.
type Client struct {
	HTTP   *http.Client
	Cache  Cache
	Logger *zap.Logger

	Endpoint string
	FreshTTL time.Duration
	StaleTTL time.Duration
}

type priceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func freshKey(pair string) string { return "dca:price:fresh:" + pair }
func staleKey(pair string) string { return "dca:price:stale:" + pair }

func (c *Client) CurrentPrice(ctx context.Context, pair string) (Quote, error) {
	pair = strings.TrimSpace(pair)
	if pair == "" {
		return Quote{}, fmt.Errorf("asset pair is required")
	}

	if q, ok := c.cached(ctx, freshKey(pair)); ok {
		q.Source = SourceCache
		return q, nil
	}

	q, fetchErr := c.fetchLive(ctx, pair)
	if fetchErr == nil {
		c.store(ctx, freshKey(pair), q, c.freshTTL())
		c.store(ctx, staleKey(pair), q, c.staleTTL())
		return q, nil
	}
	if c.Logger != nil {
		c.Logger.Warn("live price fetch failed, trying stale cache",
			zap.String("pair", pair),
			zap.Error(fetchErr),
		)
	}

	if q, ok := c.cached(ctx, staleKey(pair)); ok {
		q.Source = SourceStaleCache
		return q, nil
	}

	return Quote{}, fmt.Errorf("%w for %s: %v", ErrUnavailable, pair, fetchErr)
}

func (c *Client) fetchLive(ctx context.Context, pair string) (Quote, error) {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	query := url.Values{}
	query.Set("symbol", pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("price endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	var parsed priceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Quote{}, fmt.Errorf("failed to decode price response: %w", err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(parsed.Price))
	if err != nil {
		return Quote{}, fmt.Errorf("invalid price %q: %w", parsed.Price, err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return Quote{}, fmt.Errorf("non-positive price %s", price)
	}
	return Quote{
		Pair:      pair,
		Price:     price,
		Timestamp: time.Now().UTC(),
		Source:    SourceLive,
	}, nil
}

func (c *Client) cached(ctx context.Context, key string) (Quote, bool) {
	if c.Cache == nil {
		return Quote{}, false
	}
	raw, ok, err := c.Cache.Get(ctx, key)
	if err != nil {
		if c.Logger != nil {
			c.Logger.Warn("price cache read failed", zap.String("key", key), zap.Error(err))
		}
		return Quote{}, false
	}
	if !ok {
		return Quote{}, false
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Quote{}, false
	}
	return q, true
}

func (c *Client) store(ctx context.Context, key string, q Quote, ttl time.Duration) {
	if c.Cache == nil {
		return
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.Cache.Set(ctx, key, raw, ttl); err != nil && c.Logger != nil {
		c.Logger.Warn("price cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Client) freshTTL() time.Duration {
	if c.FreshTTL > 0 {
		return c.FreshTTL
	}
	return 30 * time.Second
}

func (c *Client) staleTTL() time.Duration {
	if c.StaleTTL > 0 {
		return c.StaleTTL
	}
	return 24 * time.Hour
}
