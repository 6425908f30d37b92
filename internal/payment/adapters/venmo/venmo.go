package venmo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
)

var statuses = adapters.StatusMap{
	"transaction_settled":             paymentdomain.StatusCompleted,
	"transaction_settlement_pending":  paymentdomain.StatusPending,
	"transaction_settlement_declined": paymentdomain.StatusFailed,
	"transaction_refunded":            paymentdomain.StatusRefunded,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderVenmo
}

func (f *Factory) NewAdapter(cfg adapters.Config) (paymentdomain.Adapter, error) {
	secret, err := cfg.RequireSecret()
	if err != nil {
		return nil, err
	}
	return &Adapter{privateKey: secret, clock: cfg.ClockOrDefault()}, nil
}

// Adapter handles Braintree-style notifications where the signature travels
// inside the body next to a base64 payload.
type Adapter struct {
	privateKey string
	clock      clock.Clock
}

func (a *Adapter) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderVenmo
}

type envelope struct {
	Signature string `json:"bt_signature"`
	Payload   string `json:"bt_payload"`
}

// Verify checks each "public_key|hex" pair in bt_signature against the exact
// bt_payload string. The decoded payload becomes the verified body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.VerifiedPayload, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, paymentdomain.ErrMissingSignature
	}
	if strings.TrimSpace(env.Signature) == "" || env.Payload == "" {
		return nil, paymentdomain.ErrMissingSignature
	}

	expected := adapters.Sign(a.privateKey, []byte(env.Payload))
	matched := false
	for _, pair := range strings.Split(env.Signature, "&") {
		parts := strings.SplitN(pair, "|", 2)
		if len(parts) != 2 {
			continue
		}
		if adapters.EqualHex(expected, parts[1]) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, paymentdomain.ErrInvalidSignature
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Payload))
	if err != nil {
		return nil, adapters.Malformed("bt_payload is not base64")
	}
	return &paymentdomain.VerifiedPayload{Body: decoded, ReceivedAt: a.clock.Now()}, nil
}

func (a *Adapter) Normalize(ctx context.Context, payload paymentdomain.VerifiedPayload) (*paymentdomain.PaymentEvent, error) {
	var notification venmoNotification
	if err := adapters.Decode(payload.Body, &notification); err != nil {
		return nil, err
	}
	status, err := statuses.Resolve(notification.Kind)
	if err != nil {
		return nil, err
	}
	if notification.Transaction == nil {
		return nil, adapters.Malformed("missing transaction")
	}
	txn := notification.Transaction
	amount, err := adapters.ParseAmount(txn.Amount)
	if err != nil {
		return nil, err
	}

	return adapters.Event{
		Provider:      paymentdomain.ProviderVenmo,
		TransactionID: txn.ID,
		Amount:        amount,
		Currency:      txn.CurrencyISOCode,
		UserReference: txn.VenmoAccount.Username,
		Status:        status,
		OccurredAt:    adapters.ParseTime(notification.Timestamp, payload.ReceivedAt),
	}.Build()
}

type venmoNotification struct {
	Kind        string            `json:"kind"`
	Timestamp   string            `json:"timestamp"`
	Transaction *venmoTransaction `json:"transaction"`
}

type venmoTransaction struct {
	ID              string `json:"id"`
	Amount          string `json:"amount"`
	CurrencyISOCode string `json:"currency_iso_code"`
	VenmoAccount    struct {
		Username string `json:"username"`
	} `json:"venmo_account"`
}
