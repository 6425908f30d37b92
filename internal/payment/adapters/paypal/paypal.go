package paypal

import (
	"context"
	"hash/crc32"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
)

const (
	headerTransmissionID   = "Paypal-Transmission-Id"
	headerTransmissionTime = "Paypal-Transmission-Time"
	headerTransmissionSig  = "Paypal-Transmission-Sig"
)

var statuses = adapters.StatusMap{
	"PAYMENT.CAPTURE.COMPLETED": paymentdomain.StatusCompleted,
	"PAYMENT.CAPTURE.PENDING":   paymentdomain.StatusPending,
	"PAYMENT.CAPTURE.DENIED":    paymentdomain.StatusFailed,
	"PAYMENT.CAPTURE.REFUNDED":  paymentdomain.StatusRefunded,
	"PAYMENT.CAPTURE.REVERSED":  paymentdomain.StatusRefunded,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderPayPal
}

func (f *Factory) NewAdapter(cfg adapters.Config) (paymentdomain.Adapter, error) {
	secret, err := cfg.RequireSecret()
	if err != nil {
		return nil, err
	}
	webhookID := strings.TrimSpace(cfg.WebhookID)
	if webhookID == "" {
		return nil, paymentdomain.ErrProviderNotConfigured
	}
	return &Adapter{secret: secret, webhookID: webhookID, clock: cfg.ClockOrDefault()}, nil
}

type Adapter struct {
	secret    string
	webhookID string
	clock     clock.Clock
}

func (a *Adapter) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderPayPal
}

// Verify checks HMAC-SHA256 over "id|time|webhook_id|crc32(body)".
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.VerifiedPayload, error) {
	transmissionID := strings.TrimSpace(headers.Get(headerTransmissionID))
	transmissionTime := strings.TrimSpace(headers.Get(headerTransmissionTime))
	signature := strings.TrimSpace(headers.Get(headerTransmissionSig))
	if transmissionID == "" || transmissionTime == "" || signature == "" {
		return nil, paymentdomain.ErrMissingSignature
	}

	sentAt, err := time.Parse(time.RFC3339Nano, transmissionTime)
	if err != nil {
		return nil, paymentdomain.ErrInvalidSignature
	}
	now := a.clock.Now()
	if err := adapters.CheckSkew(now, sentAt); err != nil {
		return nil, err
	}

	expected := adapters.Sign(a.secret, []byte(signedMessage(transmissionID, transmissionTime, a.webhookID, payload)))
	if !adapters.EqualBase64(expected, signature) {
		return nil, paymentdomain.ErrInvalidSignature
	}
	return &paymentdomain.VerifiedPayload{Body: payload, ReceivedAt: now}, nil
}

func signedMessage(transmissionID, transmissionTime, webhookID string, payload []byte) string {
	checksum := strconv.FormatUint(uint64(crc32.ChecksumIEEE(payload)), 10)
	return strings.Join([]string{transmissionID, transmissionTime, webhookID, checksum}, "|")
}

func (a *Adapter) Normalize(ctx context.Context, payload paymentdomain.VerifiedPayload) (*paymentdomain.PaymentEvent, error) {
	var event paypalEvent
	if err := adapters.Decode(payload.Body, &event); err != nil {
		return nil, err
	}
	status, err := statuses.Resolve(event.EventType)
	if err != nil {
		return nil, err
	}
	if event.Resource.Amount == nil {
		return nil, adapters.Malformed("missing resource.amount")
	}
	amount, err := adapters.ParseAmount(event.Resource.Amount.Value)
	if err != nil {
		return nil, err
	}

	txID := event.Resource.ID
	if status == paymentdomain.StatusRefunded {
		// Refund resources link back to the capture they undo.
		txID = adapters.FirstNonEmpty(event.Resource.captureID(), txID)
	}

	return adapters.Event{
		Provider:      paymentdomain.ProviderPayPal,
		TransactionID: txID,
		Amount:        amount,
		Currency:      event.Resource.Amount.CurrencyCode,
		UserReference: adapters.FirstNonEmpty(event.Resource.CustomID, event.Resource.Payer.EmailAddress),
		Status:        status,
		OccurredAt:    adapters.ParseTime(adapters.FirstNonEmpty(event.Resource.CreateTime, event.CreateTime), payload.ReceivedAt),
	}.Build()
}

type paypalEvent struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	CreateTime string         `json:"create_time"`
	Resource   paypalResource `json:"resource"`
}

type paypalResource struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	CustomID   string        `json:"custom_id"`
	CreateTime string        `json:"create_time"`
	Amount     *paypalAmount `json:"amount"`
	Payer      struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
	Links []paypalLink `json:"links"`
}

type paypalAmount struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

func (r paypalResource) captureID() string {
	for _, link := range r.Links {
		if link.Rel != "up" {
			continue
		}
		href := strings.TrimRight(link.Href, "/")
		if idx := strings.LastIndex(href, "/"); idx >= 0 && strings.Contains(href, "/captures/") {
			return href[idx+1:]
		}
	}
	return ""
}
