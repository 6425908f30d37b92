package chime

import (
	"context"
	"net/http"
	"strings"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
)

const (
	timestampHeader = "X-Chime-Timestamp"
	signatureHeader = "X-Chime-Signature"
	signaturePrefix = "sha256="
)

var statuses = adapters.StatusMap{
	"COMPLETE":   paymentdomain.StatusCompleted,
	"SETTLED":    paymentdomain.StatusCompleted,
	"PENDING":    paymentdomain.StatusPending,
	"PROCESSING": paymentdomain.StatusPending,
	"FAILED":     paymentdomain.StatusFailed,
	"RETURNED":   paymentdomain.StatusFailed,
	"REVERSED":   paymentdomain.StatusRefunded,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderChime
}

func (f *Factory) NewAdapter(cfg adapters.Config) (paymentdomain.Adapter, error) {
	secret, err := cfg.RequireSecret()
	if err != nil {
		return nil, err
	}
	return &Adapter{secret: secret, clock: cfg.ClockOrDefault()}, nil
}

type Adapter struct {
	secret string
	clock  clock.Clock
}

func (a *Adapter) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderChime
}

// Verify checks "sha256=<hex>" over timestamp + ":" + body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.VerifiedPayload, error) {
	timestamp := strings.TrimSpace(headers.Get(timestampHeader))
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if timestamp == "" || signature == "" {
		return nil, paymentdomain.ErrMissingSignature
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
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

	expected := adapters.Sign(a.secret, []byte(timestamp), []byte(":"), payload)
	if !adapters.EqualHex(expected, strings.TrimPrefix(signature, signaturePrefix)) {
		return nil, paymentdomain.ErrInvalidSignature
	}
	return &paymentdomain.VerifiedPayload{Body: payload, ReceivedAt: now}, nil
}

func (a *Adapter) Normalize(ctx context.Context, payload paymentdomain.VerifiedPayload) (*paymentdomain.PaymentEvent, error) {
	var transfer chimeTransfer
	if err := adapters.Decode(payload.Body, &transfer); err != nil {
		return nil, err
	}
	status, err := statuses.Resolve(strings.ToUpper(transfer.Status))
	if err != nil {
		return nil, err
	}
	amount, err := adapters.ParseAmount(transfer.Amount)
	if err != nil {
		return nil, err
	}

	return adapters.Event{
		Provider:      paymentdomain.ProviderChime,
		TransactionID: transfer.TransactionID,
		Amount:        amount,
		Currency:      transfer.Currency,
		UserReference: transfer.MemberID,
		Status:        status,
		OccurredAt:    adapters.ParseTime(transfer.CreatedAt, payload.ReceivedAt),
	}.Build()
}

type chimeTransfer struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	MemberID      string `json:"member_id"`
	CreatedAt     string `json:"created_at"`
}
