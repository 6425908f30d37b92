package currency

//go:generate mockgen -source=source.go -destination=mock_rate_source.go -package=currency

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RateSource returns how many USD one unit of symbol was worth at asOf.
type RateSource interface {
	Rate(ctx context.Context, symbol string, asOf time.Time) (decimal.Decimal, error)
}
