package cache

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultRateTTL = time.Minute

// RateCache holds recent USD rates for volatile currencies.
type RateCache interface {
	GetRate(currency string) (decimal.Decimal, bool)
	SetRate(currency string, rate decimal.Decimal)
}

type rateCache struct {
	rates Cache[string, decimal.Decimal]
	ttl   time.Duration
}

// NewRateCache returns an in-memory rate cache. A non-positive ttl uses one minute.
func NewRateCache(ttl time.Duration) RateCache {
	if ttl <= 0 {
		ttl = defaultRateTTL
	}
	return &rateCache{rates: NewTTLCache[string, decimal.Decimal](), ttl: ttl}
}

func (c *rateCache) GetRate(currency string) (decimal.Decimal, bool) {
	return c.rates.Get(cacheKey(currency))
}

func (c *rateCache) SetRate(currency string, rate decimal.Decimal) {
	if !rate.IsPositive() {
		return
	}
	c.rates.Set(cacheKey(currency), rate, c.ttl)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToUpper(trimmed))
	}
	return strings.Join(values, "|")
}
