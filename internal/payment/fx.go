package payment

import (
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	"github.com/smallbiznis/loyalty/internal/payment/adapters/cashapp"
	"github.com/smallbiznis/loyalty/internal/payment/adapters/chime"
	"github.com/smallbiznis/loyalty/internal/payment/adapters/crypto"
	"github.com/smallbiznis/loyalty/internal/payment/adapters/paypal"
	"github.com/smallbiznis/loyalty/internal/payment/adapters/stripe"
	"github.com/smallbiznis/loyalty/internal/payment/adapters/venmo"
	"github.com/smallbiznis/loyalty/internal/payment/adapters/zelle"
	"github.com/smallbiznis/loyalty/internal/payment/repository"
	"github.com/smallbiznis/loyalty/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(webhook.NewService),
)

// NewRegistry registers every supported provider adapter.
func NewRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
		paypal.NewFactory(),
		venmo.NewFactory(),
		cashapp.NewFactory(),
		chime.NewFactory(),
		zelle.NewFactory(),
		crypto.NewFactory(),
	)
}
