package zelle

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
	"golang.org/x/crypto/bcrypt"
)

const apiKeyHeader = "X-Zelle-Api-Key"

var statuses = adapters.StatusMap{
	"COMPLETED":  paymentdomain.StatusCompleted,
	"DELIVERED":  paymentdomain.StatusCompleted,
	"PENDING":    paymentdomain.StatusPending,
	"IN_PROCESS": paymentdomain.StatusPending,
	"FAILED":     paymentdomain.StatusFailed,
	"CANCELLED":  paymentdomain.StatusFailed,
	"DECLINED":   paymentdomain.StatusFailed,
	"RETURNED":   paymentdomain.StatusRefunded,
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderZelle
}

func (f *Factory) NewAdapter(cfg adapters.Config) (paymentdomain.Adapter, error) {
	secret, err := cfg.RequireSecret()
	if err != nil {
		return nil, err
	}
	return &Adapter{apiKey: secret, hashed: isBcrypt(secret), clock: cfg.ClockOrDefault()}, nil
}

// Adapter authenticates with a shared API key. The configured key may be
// stored as a bcrypt hash.
type Adapter struct {
	apiKey string
	hashed bool
	clock  clock.Clock
}

func (a *Adapter) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderZelle
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.VerifiedPayload, error) {
	presented := strings.TrimSpace(headers.Get(apiKeyHeader))
	if presented == "" {
		return nil, paymentdomain.ErrMissingSignature
	}

	if a.hashed {
		if err := bcrypt.CompareHashAndPassword([]byte(a.apiKey), []byte(presented)); err != nil {
			return nil, paymentdomain.ErrInvalidSignature
		}
	} else if subtle.ConstantTimeCompare([]byte(a.apiKey), []byte(presented)) != 1 {
		return nil, paymentdomain.ErrInvalidSignature
	}
	return &paymentdomain.VerifiedPayload{Body: payload, ReceivedAt: a.clock.Now()}, nil
}

func (a *Adapter) Normalize(ctx context.Context, payload paymentdomain.VerifiedPayload) (*paymentdomain.PaymentEvent, error) {
	var transfer zelleTransfer
	if err := adapters.Decode(payload.Body, &transfer); err != nil {
		return nil, err
	}
	status, err := statuses.Resolve(strings.ToUpper(transfer.Status))
	if err != nil {
		return nil, err
	}
	if transfer.Amount == nil {
		return nil, adapters.Malformed("missing amount")
	}
	amount, err := adapters.ParseAmount(transfer.Amount.Value)
	if err != nil {
		return nil, err
	}

	return adapters.Event{
		Provider:      paymentdomain.ProviderZelle,
		TransactionID: transfer.TransactionID,
		Amount:        amount,
		Currency:      transfer.Amount.Currency,
		UserReference: adapters.FirstNonEmpty(transfer.Sender.Email, transfer.Sender.Token),
		Status:        status,
		OccurredAt:    adapters.ParseTime(transfer.Timestamp, payload.ReceivedAt),
	}.Build()
}

func isBcrypt(secret string) bool {
	return strings.HasPrefix(secret, "$2a$") || strings.HasPrefix(secret, "$2b$") || strings.HasPrefix(secret, "$2y$")
}

type zelleTransfer struct {
	TransactionID string       `json:"transaction_id"`
	Status        string       `json:"status"`
	Timestamp     string       `json:"timestamp"`
	Amount        *zelleAmount `json:"amount"`
	Sender        struct {
		Email string `json:"email"`
		Token string `json:"token"`
	} `json:"sender"`
}

type zelleAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}
