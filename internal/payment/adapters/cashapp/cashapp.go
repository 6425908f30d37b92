package cashapp

import (
	"context"
	"net/http"
	"strings"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
)

const (
	signatureHeader   = "X-Square-Hmacsha256-Signature"
	eventRefundUpdate = "refund.updated"
)

var paymentStatuses = adapters.StatusMap{
	"COMPLETED": paymentdomain.StatusCompleted,
	"APPROVED":  paymentdomain.StatusPending,
	"PENDING":   paymentdomain.StatusPending,
	"FAILED":    paymentdomain.StatusFailed,
	"CANCELED":  paymentdomain.StatusFailed,
}

// Refunds only matter once the money has moved back.
var refundStatuses = adapters.StatusMap{
	"COMPLETED": paymentdomain.StatusRefunded,
	"PENDING":   paymentdomain.StatusPending,
	"FAILED":    paymentdomain.StatusFailed,
	"REJECTED":  paymentdomain.StatusFailed,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderCashApp
}

func (f *Factory) NewAdapter(cfg adapters.Config) (paymentdomain.Adapter, error) {
	secret, err := cfg.RequireSecret()
	if err != nil {
		return nil, err
	}
	notificationURL := strings.TrimSpace(cfg.NotificationURL)
	if notificationURL == "" {
		return nil, paymentdomain.ErrProviderNotConfigured
	}
	return &Adapter{signatureKey: secret, notificationURL: notificationURL, clock: cfg.ClockOrDefault()}, nil
}

type Adapter struct {
	signatureKey    string
	notificationURL string
	clock           clock.Clock
}

func (a *Adapter) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderCashApp
}

// Verify checks the base64 HMAC-SHA256 of notification_url + body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.VerifiedPayload, error) {
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if signature == "" {
		return nil, paymentdomain.ErrMissingSignature
	}
	expected := adapters.Sign(a.signatureKey, []byte(a.notificationURL), payload)
	if !adapters.EqualBase64(expected, signature) {
		return nil, paymentdomain.ErrInvalidSignature
	}
	return &paymentdomain.VerifiedPayload{Body: payload, ReceivedAt: a.clock.Now()}, nil
}

func (a *Adapter) Normalize(ctx context.Context, payload paymentdomain.VerifiedPayload) (*paymentdomain.PaymentEvent, error) {
	var event squareEvent
	if err := adapters.Decode(payload.Body, &event); err != nil {
		return nil, err
	}

	if event.Type == eventRefundUpdate {
		return a.normalizeRefund(event, payload)
	}

	p := event.Data.Object.Payment
	if p == nil {
		return nil, adapters.Malformed("missing data.object.payment")
	}
	status, err := paymentStatuses.Resolve(p.Status)
	if err != nil {
		return nil, err
	}
	if p.AmountMoney == nil || p.AmountMoney.Amount == nil {
		return nil, adapters.Malformed("missing amount_money")
	}

	return adapters.Event{
		Provider:      paymentdomain.ProviderCashApp,
		TransactionID: p.ID,
		Amount:        adapters.MinorUnits(*p.AmountMoney.Amount, p.AmountMoney.Currency),
		Currency:      p.AmountMoney.Currency,
		UserReference: adapters.FirstNonEmpty(p.BuyerEmailAddress, p.CustomerID),
		Status:        status,
		OccurredAt:    adapters.ParseTime(adapters.FirstNonEmpty(p.CreatedAt, event.CreatedAt), payload.ReceivedAt),
	}.Build()
}

func (a *Adapter) normalizeRefund(event squareEvent, payload paymentdomain.VerifiedPayload) (*paymentdomain.PaymentEvent, error) {
	r := event.Data.Object.Refund
	if r == nil {
		return nil, adapters.Malformed("missing data.object.refund")
	}
	status, err := refundStatuses.Resolve(r.Status)
	if err != nil {
		return nil, err
	}
	if r.AmountMoney == nil || r.AmountMoney.Amount == nil {
		return nil, adapters.Malformed("missing amount_money")
	}

	return adapters.Event{
		Provider:      paymentdomain.ProviderCashApp,
		TransactionID: r.PaymentID,
		Amount:        adapters.MinorUnits(*r.AmountMoney.Amount, r.AmountMoney.Currency),
		Currency:      r.AmountMoney.Currency,
		Status:        status,
		OccurredAt:    adapters.ParseTime(adapters.FirstNonEmpty(r.CreatedAt, event.CreatedAt), payload.ReceivedAt),
	}.Build()
}

type squareEvent struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *squarePayment `json:"payment"`
			Refund  *squareRefund  `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

type squareMoney struct {
	Amount   *int64 `json:"amount"`
	Currency string `json:"currency"`
}

type squarePayment struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"`
	CreatedAt         string       `json:"created_at"`
	AmountMoney       *squareMoney `json:"amount_money"`
	BuyerEmailAddress string       `json:"buyer_email_address"`
	CustomerID        string       `json:"customer_id"`
}

type squareRefund struct {
	ID          string       `json:"id"`
	PaymentID   string       `json:"payment_id"`
	Status      string       `json:"status"`
	CreatedAt   string       `json:"created_at"`
	AmountMoney *squareMoney `json:"amount_money"`
}
