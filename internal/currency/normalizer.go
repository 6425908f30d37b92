package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrRateUnavailable     = errors.New("rate_unavailable")
	ErrUnsupportedCurrency = errors.New("unsupported_currency")
	ErrNegativeAmount      = errors.New("negative_amount")
)

const (
	USD = "USD"

	defaultRateTimeout = 3 * time.Second
)

var cryptoSymbols = map[string]struct{}{
	"BTC":  {},
	"ETH":  {},
	"USDC": {},
	"USDT": {},
}

var hundred = decimal.NewFromInt(100)

// IsCrypto reports whether symbol is priced through the rate source.
func IsCrypto(symbol string) bool {
	_, ok := cryptoSymbols[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}

// Normalizer converts provider amounts into USD cents. It never touches the ledger.
type Normalizer struct {
	fiat    map[string]decimal.Decimal
	source  RateSource
	timeout time.Duration
	group   singleflight.Group
	metrics *obsmetrics.Metrics
	log     *zap.Logger
}

type Options struct {
	FiatRates map[string]decimal.Decimal
	Source    RateSource
	Timeout   time.Duration
	Metrics   *obsmetrics.Metrics
	Log       *zap.Logger
}

func NewNormalizer(opts Options) *Normalizer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRateTimeout
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	fiat := make(map[string]decimal.Decimal, len(opts.FiatRates))
	for code, rate := range opts.FiatRates {
		fiat[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	return &Normalizer{
		fiat:    fiat,
		source:  opts.Source,
		timeout: timeout,
		metrics: opts.Metrics,
		log:     log.Named("currency.normalizer"),
	}
}

// ToUSD returns amount in integer USD cents, rounded half away from zero.
func (n *Normalizer) ToUSD(ctx context.Context, amount decimal.Decimal, currency string, asOf time.Time) (int64, error) {
	if amount.IsNegative() {
		return 0, ErrNegativeAmount
	}
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		return 0, ErrUnsupportedCurrency
	}

	rate, err := n.rate(ctx, code, asOf)
	if err != nil {
		return 0, err
	}
	return amount.Mul(rate).Mul(hundred).Round(0).IntPart(), nil
}

func (n *Normalizer) rate(ctx context.Context, code string, asOf time.Time) (decimal.Decimal, error) {
	if code == USD {
		return decimal.NewFromInt(1), nil
	}
	if !IsCrypto(code) {
		rate, ok := n.fiat[code]
		if !ok || !rate.IsPositive() {
			return decimal.Zero, ErrUnsupportedCurrency
		}
		return rate, nil
	}
	if n.source == nil {
		n.metrics.RecordRateLookup(ctx, code, "unavailable")
		return decimal.Zero, ErrRateUnavailable
	}

	key := fmt.Sprintf("%s:%d", code, minuteBucket(asOf))
	ch := n.group.DoChan(key, func() (interface{}, error) {
		// Shared by every waiter, so it must not die with the first caller.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		return n.source.Rate(lookupCtx, code, asOf)
	})

	select {
	case <-ctx.Done():
		n.metrics.RecordRateLookup(ctx, code, "cancelled")
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			n.metrics.RecordRateLookup(ctx, code, "unavailable")
			n.log.Warn("rate lookup failed", zap.String("currency", code), zap.Error(res.Err))
			return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, res.Err)
		}
		rate := res.Val.(decimal.Decimal)
		if !rate.IsPositive() {
			n.metrics.RecordRateLookup(ctx, code, "unavailable")
			return decimal.Zero, ErrRateUnavailable
		}
		n.metrics.RecordRateLookup(ctx, code, "ok")
		return rate, nil
	}
}
