package server

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/loyalty/internal/observability/logger"
	"go.uber.org/zap"
)

// WebhookRateLimit throttles deliveries per provider. Requests pass when the
// limiter is disabled.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.webhookLimiter == nil || !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
		result, err := s.webhookLimiter.AllowProvider(ctx, provider)
		if err != nil {
			logger.FromContext(ctx).Warn("webhook rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}
		if result.Allowed {
			c.Next()
			return
		}

		logger.FromContext(ctx).Warn("webhook rate limit exceeded", zap.String("provider", provider))
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitDenied(ctx, provider)
		}
		c.Header("Retry-After", retryAfterSeconds(result.RetryAfter))
		AbortWithError(c, ErrRateLimited)
	}
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
