package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/loyalty/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWebhookProvider = "loyalty:webhook:provider:%s"

// WebhookLimiter caps inbound webhook throughput per provider.
type WebhookLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
	log     *zap.Logger
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

// NewWebhookLimiter returns nil when rate limiting is disabled.
func NewWebhookLimiter(p Params) (*WebhookLimiter, error) {
	limitCfg := p.Config.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if p.Redis == nil {
		return nil, errors.New("webhook rate limit requires REDIS_ADDR")
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil, errors.New("webhook rate limit must be positive")
	}
	return &WebhookLimiter{
		enabled: true,
		bucket:  NewTokenBucket(p.Redis),
		rate:    limitCfg.WebhookRate,
		burst:   limitCfg.WebhookBurst,
		log:     p.Log.Named("ratelimit.webhook"),
	}, nil
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowProvider consumes one token for provider. Redis failures fail open.
func (l *WebhookLimiter) AllowProvider(ctx context.Context, provider string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider)))
	result, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("webhook rate limit check failed; allowing", zap.String("provider", provider), zap.Error(err))
		return &RateLimitResult{Allowed: true}, nil
	}
	return result, nil
}
