package crypto

import (
	"context"
	"net/http"
	"strings"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
)

const signatureHeader = "X-Cc-Webhook-Signature"

var statuses = adapters.StatusMap{
	"charge:confirmed": paymentdomain.StatusCompleted,
	"charge:resolved":  paymentdomain.StatusCompleted,
	"charge:created":   paymentdomain.StatusPending,
	"charge:pending":   paymentdomain.StatusPending,
	"charge:failed":    paymentdomain.StatusFailed,
	"charge:expired":   paymentdomain.StatusFailed,
	"charge:refunded":  paymentdomain.StatusRefunded,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderCrypto
}

func (f *Factory) NewAdapter(cfg adapters.Config) (paymentdomain.Adapter, error) {
	secret, err := cfg.RequireSecret()
	if err != nil {
		return nil, err
	}
	return &Adapter{sharedSecret: secret, clock: cfg.ClockOrDefault()}, nil
}

// Adapter handles Coinbase Commerce style charge notifications.
type Adapter struct {
	sharedSecret string
	clock        clock.Clock
}

func (a *Adapter) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderCrypto
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.VerifiedPayload, error) {
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if signature == "" {
		return nil, paymentdomain.ErrMissingSignature
	}
	if !adapters.EqualHex(adapters.Sign(a.sharedSecret, payload), signature) {
		return nil, paymentdomain.ErrInvalidSignature
	}
	return &paymentdomain.VerifiedPayload{Body: payload, ReceivedAt: a.clock.Now()}, nil
}

func (a *Adapter) Normalize(ctx context.Context, payload paymentdomain.VerifiedPayload) (*paymentdomain.PaymentEvent, error) {
	var notification commerceNotification
	if err := adapters.Decode(payload.Body, &notification); err != nil {
		return nil, err
	}
	event := notification.Event
	status, err := statuses.Resolve(event.Type)
	if err != nil {
		return nil, err
	}

	charge := event.Data
	money, wallet := charge.settled()
	if money == nil {
		return nil, adapters.Malformed("missing crypto payment amount")
	}
	amount, err := adapters.ParseAmount(money.Amount)
	if err != nil {
		return nil, err
	}

	return adapters.Event{
		Provider:      paymentdomain.ProviderCrypto,
		TransactionID: adapters.FirstNonEmpty(charge.Code, charge.ID),
		Amount:        amount,
		Currency:      money.Currency,
		UserReference: adapters.FirstNonEmpty(charge.Metadata["user_id"], wallet),
		Status:        status,
		OccurredAt:    adapters.ParseTime(event.CreatedAt, payload.ReceivedAt),
	}.Build()
}

type commerceNotification struct {
	Event commerceEvent `json:"event"`
}

type commerceEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt string         `json:"created_at"`
	Data      commerceCharge `json:"data"`
}

type commerceMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type commerceCharge struct {
	ID       string            `json:"id"`
	Code     string            `json:"code"`
	Metadata map[string]string `json:"metadata"`
	Payments []struct {
		Value struct {
			Crypto *commerceMoney `json:"crypto"`
		} `json:"value"`
		PayerAddress string `json:"payer_address"`
	} `json:"payments"`
}

// settled returns the first on-chain payment and the wallet that sent it.
func (c commerceCharge) settled() (*commerceMoney, string) {
	if len(c.Payments) == 0 {
		return nil, ""
	}
	first := c.Payments[0]
	return first.Value.Crypto, first.PayerAddress
}
