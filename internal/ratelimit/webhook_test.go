package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/loyalty/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	limiter, err := NewWebhookLimiter(Params{Config: config.Config{}, Log: zap.NewNop()})
	require.NoError(t, err)
	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())

	result, err := limiter.AllowProvider(context.Background(), "stripe")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestEnabledLimiterRequiresRedis(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, WebhookRate: 1, WebhookBurst: 1}}
	_, err := NewWebhookLimiter(Params{Config: cfg, Log: zap.NewNop()})
	assert.Error(t, err)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 4*time.Second, bucketTTL(50, 100))
	assert.Equal(t, time.Second, bucketTTL(1000, 1))
}

func TestParseReply(t *testing.T) {
	result, err := parseReply([]interface{}{int64(0), "0.25", int64(750), int64(1_700_000_000_000)}, 20)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 20, result.Limit)
	assert.Zero(t, result.Remaining)
	assert.Equal(t, 750*time.Millisecond, result.RetryAfter)
	assert.Equal(t, time.UnixMilli(1_700_000_000_750), result.ResetTime)

	result, err = parseReply([]interface{}{int64(1), "7.9", int64(0), int64(1)}, 20)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 7, result.Remaining)

	_, err = parseReply([]interface{}{int64(1), int64(7)}, 20)
	assert.ErrorIs(t, err, errBucketReply)
}

func TestTokenBucketRejectsBadInput(t *testing.T) {
	var bucket *TokenBucket
	_, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
}
