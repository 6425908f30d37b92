package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Second)
	c.Set("b", 2, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)

	v, ok = c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	c.Delete("b")
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestRateCacheNormalizesCurrency(t *testing.T) {
	c := NewRateCache(time.Minute)
	c.SetRate(" btc ", decimal.RequireFromString("65000.12"))

	rate, ok := c.GetRate("BTC")
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("65000.12")))
}

func TestRateCacheIgnoresNonPositiveRates(t *testing.T) {
	c := NewRateCache(0)
	c.SetRate("ETH", decimal.Zero)

	_, ok := c.GetRate("ETH")
	assert.False(t, ok)
}
