package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/loyalty/internal/cache"
)

const keyRate = "loyalty:rate:%s:%d"

// minuteBucket groups lookups so nearby events share one fetched rate.
func minuteBucket(asOf time.Time) int64 {
	return asOf.UTC().Truncate(time.Minute).Unix()
}

// MemoryCached keeps recently fetched rates in process.
type MemoryCached struct {
	cache cache.RateCache
	next  RateSource
}

func NewMemoryCached(rates cache.RateCache, next RateSource) *MemoryCached {
	return &MemoryCached{cache: rates, next: next}
}

func (m *MemoryCached) Rate(ctx context.Context, symbol string, asOf time.Time) (decimal.Decimal, error) {
	key := fmt.Sprintf("%s@%d", symbol, minuteBucket(asOf))
	if rate, ok := m.cache.GetRate(key); ok {
		return rate, nil
	}
	rate, err := m.next.Rate(ctx, symbol, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	m.cache.SetRate(key, rate)
	return rate, nil
}

// RedisCached shares fetched rates across replicas. Redis errors fall through to next.
type RedisCached struct {
	client *redis.Client
	ttl    time.Duration
	next   RateSource
}

func NewRedisCached(client *redis.Client, ttl time.Duration, next RateSource) *RedisCached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCached{client: client, ttl: ttl, next: next}
}

func (r *RedisCached) Rate(ctx context.Context, symbol string, asOf time.Time) (decimal.Decimal, error) {
	key := fmt.Sprintf(keyRate, symbol, minuteBucket(asOf))
	if raw, err := r.client.Get(ctx, key).Result(); err == nil {
		if rate, err := decimal.NewFromString(raw); err == nil && rate.IsPositive() {
			return rate, nil
		}
	}
	rate, err := r.next.Rate(ctx, symbol, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	_ = r.client.Set(ctx, key, rate.String(), r.ttl).Err()
	return rate, nil
}

// Coinbase reads spot prices from the public prices API.
type Coinbase struct {
	client  *http.Client
	baseURL string
	now     func() time.Time
}

func NewCoinbase(client *http.Client, baseURL string, now func() time.Time) *Coinbase {
	if client == nil {
		client = http.DefaultClient
	}
	if now == nil {
		now = time.Now
	}
	return &Coinbase{client: client, baseURL: strings.TrimRight(baseURL, "/"), now: now}
}

type coinbaseSpot struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

func (c *Coinbase) Rate(ctx context.Context, symbol string, asOf time.Time) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/%s-USD/spot", c.baseURL, symbol)
	// Historical prices are daily, so only past days ask for a date.
	if day := asOf.UTC().Format("2006-01-02"); !asOf.IsZero() && day != c.now().UTC().Format("2006-01-02") {
		url += "?date=" + day
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("coinbase spot %s: status %d", symbol, resp.StatusCode)
	}

	var body coinbaseSpot
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode coinbase spot: %w", err)
	}
	rate, err := decimal.NewFromString(body.Data.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse coinbase spot: %w", err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, errors.New("coinbase spot is not positive")
	}
	return rate, nil
}

// Static serves fixed rates. It is only wired when rates are configured explicitly.
type Static struct {
	rates map[string]decimal.Decimal
}

func NewStatic(rates map[string]decimal.Decimal) *Static {
	return &Static{rates: rates}
}

func (s *Static) Rate(_ context.Context, symbol string, _ time.Time) (decimal.Decimal, error) {
	rate, ok := s.rates[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no static rate for %s", symbol)
	}
	return rate, nil
}

// Fallback asks primary first and consults secondary only when primary fails.
type Fallback struct {
	primary   RateSource
	secondary RateSource
}

func NewFallback(primary, secondary RateSource) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Rate(ctx context.Context, symbol string, asOf time.Time) (decimal.Decimal, error) {
	rate, err := f.primary.Rate(ctx, symbol, asOf)
	if err == nil {
		return rate, nil
	}
	if fallback, ferr := f.secondary.Rate(ctx, symbol, asOf); ferr == nil {
		return fallback, nil
	}
	return decimal.Zero, err
}
