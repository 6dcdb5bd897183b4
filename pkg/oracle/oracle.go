package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Quote is one oracle reading for a token: spot price in USD plus the
// liquidity context used to judge execution quality.
type Quote struct {
	TokenAddress string
	Symbol       string
	PriceUSD     decimal.Decimal
	LiquidityUSD decimal.Decimal
	Volume24h    decimal.Decimal
	FetchedAt    time.Time
}

// PricePoint is one historical sample used for volatility estimation.
type PricePoint struct {
	Time  time.Time
	Price decimal.Decimal
}

type cacheEntry struct {
	quote Quote
}

// Client reads prices from DexScreener (spot, liquidity, volume) and Birdeye
// (history). Quotes are cached; on upstream failure a stale cached quote is
// served rather than breaking the caller.
type Client struct {
	http        *http.Client
	baseURL     string
	birdeyeURL  string
	birdeyeKey  string
	ttl         time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func New(baseURL, birdeyeURL, birdeyeKey string, timeout, ttl time.Duration) *Client {
	return &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		birdeyeURL: birdeyeURL,
		birdeyeKey: birdeyeKey,
		ttl:        ttl,
		cache:      make(map[string]cacheEntry),
	}
}

// dexscreener response shapes, trimmed to what we read
type dsResponse struct {
	Pairs []dsPair `json:"pairs"`
}

type dsPair struct {
	BaseToken struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD  string `json:"priceUsd"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
}

// Price returns a quote for the token, from cache when fresh. On upstream
// failure the most recent stale quote is returned with a warning; an error
// comes back only when no quote was ever obtained.
func (c *Client) Price(ctx context.Context, token string) (Quote, error) {
	c.mu.RLock()
	entry, ok := c.cache[token]
	c.mu.RUnlock()
	if ok && time.Since(entry.quote.FetchedAt) < c.ttl {
		return entry.quote, nil
	}

	quote, err := c.fetchPrice(ctx, token)
	if err != nil {
		if ok {
			log.Warn().Err(err).Str("token", token).Msg("price fetch failed, serving stale quote")
			return entry.quote, nil
		}
		return Quote{}, err
	}

	c.mu.Lock()
	c.cache[token] = cacheEntry{quote: quote}
	c.mu.Unlock()
	return quote, nil
}

func (c *Client) fetchPrice(ctx context.Context, token string) (Quote, error) {
	url := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("dexscreener: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("dexscreener: status %d", resp.StatusCode)
	}

	var out dsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Quote{}, fmt.Errorf("dexscreener decode: %w", err)
	}
	if len(out.Pairs) == 0 {
		return Quote{}, fmt.Errorf("no pairs listed for %s", token)
	}

	// Deepest pool gives the most honest price.
	best := out.Pairs[0]
	for _, p := range out.Pairs[1:] {
		if p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}

	price, err := decimal.NewFromString(best.PriceUSD)
	if err != nil {
		return Quote{}, fmt.Errorf("bad price %q for %s: %w", best.PriceUSD, token, err)
	}

	return Quote{
		TokenAddress: token,
		Symbol:       best.BaseToken.Symbol,
		PriceUSD:     price,
		LiquidityUSD: decimal.NewFromFloat(best.Liquidity.USD),
		Volume24h:    decimal.NewFromFloat(best.Volume.H24),
		FetchedAt:    time.Now(),
	}, nil
}

type birdeyeHistory struct {
	Data struct {
		Items []struct {
			UnixTime int64   `json:"unixTime"`
			Value    float64 `json:"value"`
		} `json:"items"`
	} `json:"data"`
	Success bool `json:"success"`
}

// PriceHistory returns recent samples for the token. Without a Birdeye key
// the history is empty, which callers treat as "no volatility signal".
func (c *Client) PriceHistory(ctx context.Context, token string, window time.Duration) ([]PricePoint, error) {
	if c.birdeyeKey == "" {
		return nil, nil
	}

	now := time.Now()
	url := fmt.Sprintf("%s/defi/history_price?address=%s&address_type=token&type=5m&time_from=%d&time_to=%d",
		c.birdeyeURL, token, now.Add(-window).Unix(), now.Unix())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.birdeyeKey)
	req.Header.Set("x-chain", "solana")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("birdeye: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("birdeye: status %d", resp.StatusCode)
	}

	var out birdeyeHistory
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("birdeye decode: %w", err)
	}

	var points []PricePoint
	for _, it := range out.Data.Items {
		points = append(points, PricePoint{
			Time:  time.Unix(it.UnixTime, 0),
			Price: decimal.NewFromFloat(it.Value),
		})
	}
	return points, nil
}

// Volatility is the sample standard deviation of the points' prices. Fewer
// than two samples give zero, not an error.
func Volatility(points []PricePoint) decimal.Decimal {
	if len(points) < 2 {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, p := range points {
		sum = sum.Add(p.Price)
	}
	n := decimal.NewFromInt(int64(len(points)))
	mean := sum.Div(n)

	variance := decimal.Zero
	for _, p := range points {
		d := p.Price.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(decimal.NewFromInt(int64(len(points) - 1)))

	// Square root via float64; volatility is advisory, not ledger money.
	f, _ := variance.Float64()
	return decimal.NewFromFloat(math.Sqrt(f))
}
