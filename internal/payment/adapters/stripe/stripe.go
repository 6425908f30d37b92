package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
)

const signatureHeader = "Stripe-Signature"

var statuses = adapters.StatusMap{
	"payment_intent.succeeded":      paymentdomain.StatusCompleted,
	"charge.succeeded":              paymentdomain.StatusCompleted,
	"payment_intent.processing":     paymentdomain.StatusPending,
	"payment_intent.payment_failed": paymentdomain.StatusFailed,
	"charge.failed":                 paymentdomain.StatusFailed,
	"charge.refunded":               paymentdomain.StatusRefunded,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderStripe
}

func (f *Factory) NewAdapter(cfg adapters.Config) (paymentdomain.Adapter, error) {
	secret, err := cfg.RequireSecret()
	if err != nil {
		return nil, err
	}
	return &Adapter{webhookSecret: secret, clock: cfg.ClockOrDefault()}, nil
}

type Adapter struct {
	webhookSecret string
	clock         clock.Clock
}

func (a *Adapter) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderStripe
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.VerifiedPayload, error) {
	sigHeader := strings.TrimSpace(headers.Get(signatureHeader))
	if sigHeader == "" {
		return nil, paymentdomain.ErrMissingSignature
	}

	timestamp, signatures := parseStripeSignature(sigHeader)
	if timestamp == "" || len(signatures) == 0 {
		return nil, paymentdomain.ErrInvalidSignature
	}
	signedAt, err := adapters.ParseUnix(timestamp)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	if err := adapters.CheckSkew(now, signedAt); err != nil {
		return nil, err
	}

	expected := adapters.Sign(a.webhookSecret, []byte(timestamp), []byte("."), payload)
	for _, signature := range signatures {
		if adapters.EqualHex(expected, signature) {
			return &paymentdomain.VerifiedPayload{Body: payload, ReceivedAt: now}, nil
		}
	}
	return nil, paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Normalize(ctx context.Context, payload paymentdomain.VerifiedPayload) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := adapters.Decode(payload.Body, &event); err != nil {
		return nil, err
	}
	status, err := statuses.Resolve(event.Type)
	if err != nil {
		return nil, err
	}

	var object stripeObject
	if len(event.Data.Object) == 0 {
		return nil, adapters.Malformed("missing data.object")
	}
	if err := adapters.Decode(event.Data.Object, &object); err != nil {
		return nil, err
	}
	if object.Amount == nil {
		return nil, adapters.Malformed("missing amount")
	}

	return adapters.Event{
		Provider:      paymentdomain.ProviderStripe,
		TransactionID: object.transactionID(),
		Amount:        adapters.MinorUnits(*object.Amount, object.Currency),
		Currency:      object.Currency,
		UserReference: adapters.FirstNonEmpty(object.Metadata["user_id"], object.ReceiptEmail),
		Status:        status,
		OccurredAt:    adapters.UnixOr(event.Created, payload.ReceivedAt),
	}.Build()
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeObject covers both payment intents and charges.
type stripeObject struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	PaymentIntent string            `json:"payment_intent"`
	Amount        *int64            `json:"amount"`
	Currency      string            `json:"currency"`
	ReceiptEmail  string            `json:"receipt_email"`
	Metadata      map[string]string `json:"metadata"`
}

// Charges point back at their payment intent, so a charge.succeeded, its
// payment_intent.succeeded and a later charge.refunded share one key.
func (o stripeObject) transactionID() string {
	if o.Object == "charge" {
		return adapters.FirstNonEmpty(o.PaymentIntent, o.ID)
	}
	return o.ID
}

func parseStripeSignature(header string) (string, []string) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	return timestamp, signatures
}
