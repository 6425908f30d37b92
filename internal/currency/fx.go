package currency

import (
	"net/http"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/loyalty/internal/cache"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("currency",
	fx.Provide(NewFromConfig),
)

type Params struct {
	fx.In

	Config  config.Config
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
	Redis   *redis.Client       `optional:"true"`
}

// NewFromConfig builds the lookup chain: memory, redis, coinbase, then static.
func NewFromConfig(p Params) *Normalizer {
	cfg := p.Config.Currency
	log := p.Log.Named("currency")

	var source RateSource
	if url := strings.TrimSpace(cfg.RateSourceURL); url != "" {
		source = NewCoinbase(&http.Client{Timeout: cfg.RateTimeout}, url, p.Clock.Now)
	}
	if static := parseRates(log, cfg.StaticCryptoRates); len(static) > 0 {
		if source == nil {
			source = NewStatic(static)
		} else {
			source = NewFallback(source, NewStatic(static))
		}
	}
	if source != nil {
		if p.Redis != nil {
			source = NewRedisCached(p.Redis, cfg.RateCacheTTL, source)
		}
		source = NewMemoryCached(cache.NewRateCache(cfg.RateCacheTTL), source)
	}

	return NewNormalizer(Options{
		FiatRates: parseRates(log, cfg.FiatRates),
		Source:    source,
		Timeout:   cfg.RateTimeout,
		Metrics:   p.Metrics,
		Log:       p.Log,
	})
}

func parseRates(log *zap.Logger, raw map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(raw))
	for code, value := range raw {
		rate, err := decimal.NewFromString(value)
		if err != nil || !rate.IsPositive() {
			log.Warn("ignoring invalid rate", zap.String("currency", code), zap.String("value", value))
			continue
		}
		out[strings.ToUpper(code)] = rate
	}
	return out
}
