package adapters

import (
	"strings"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/payment/domain"
)

type Config struct {
	Secret          string
	NotificationURL string
	WebhookID       string
	Clock           clock.Clock
}

// RequireSecret rejects adapters without secret material; such a provider
// can never authenticate a delivery.
func (c Config) RequireSecret() (string, error) {
	secret := strings.TrimSpace(c.Secret)
	if secret == "" {
		return "", domain.ErrProviderNotConfigured
	}
	return secret, nil
}

// ClockOrDefault falls back to the wall clock.
func (c Config) ClockOrDefault() clock.Clock {
	if c.Clock == nil {
		return clock.SystemClock{}
	}
	return c.Clock
}
