package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Provider string

const (
	ProviderStripe  Provider = "stripe"
	ProviderPayPal  Provider = "paypal"
	ProviderVenmo   Provider = "venmo"
	ProviderCashApp Provider = "cashapp"
	ProviderChime   Provider = "chime"
	ProviderZelle   Provider = "zelle"
	ProviderCrypto  Provider = "crypto"
)

var Providers = []Provider{
	ProviderStripe,
	ProviderPayPal,
	ProviderVenmo,
	ProviderCashApp,
	ProviderChime,
	ProviderZelle,
	ProviderCrypto,
}

// ParseProvider accepts provider names case-insensitively.
func ParseProvider(raw string) (Provider, error) {
	value := Provider(strings.ToLower(strings.TrimSpace(raw)))
	for _, candidate := range Providers {
		if candidate == value {
			return candidate, nil
		}
	}
	return "", ErrProviderNotFound
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// PaymentEvent is the provider-neutral form of one webhook delivery.
type PaymentEvent struct {
	Provider              Provider
	ProviderTransactionID string
	RawAmount             decimal.Decimal
	RawCurrency           string
	OccurredAt            time.Time
	UserReference         string
	Status                Status
}

// VerifiedPayload is the authenticated body handed to Normalize. For
// providers that wrap the event in an envelope, Body is the inner payload.
type VerifiedPayload struct {
	Body       []byte
	ReceivedAt time.Time
}

type Outcome string

const (
	OutcomeAwarded        Outcome = "awarded"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeReversed       Outcome = "reversed"
	OutcomeRecorded       Outcome = "recorded"
	OutcomeUnresolvedUser Outcome = "unresolved_user"
)

// EventRecord is the audit row kept for every normalized delivery.
type EventRecord struct {
	ID                    snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider              string         `json:"provider"`
	ProviderTransactionID string         `json:"provider_transaction_id"`
	Status                string         `json:"status"`
	RawAmount             string         `json:"raw_amount"`
	RawCurrency           string         `json:"raw_currency"`
	UserReference         string         `json:"user_reference"`
	USDCents              *int64         `json:"usd_cents"`
	Outcome               string         `json:"outcome"`
	Payload               datatypes.JSON `json:"payload"`
	ReceivedAt            time.Time      `json:"received_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

// Event rebuilds the normalized event from the stored row. OccurredAt is
// the receive time because the provider timestamp is not kept.
func (r EventRecord) Event() (*PaymentEvent, error) {
	amount, err := decimal.NewFromString(r.RawAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: stored amount %q", ErrMalformedPayload, r.RawAmount)
	}
	provider, err := ParseProvider(r.Provider)
	if err != nil {
		return nil, err
	}
	return &PaymentEvent{
		Provider:              provider,
		ProviderTransactionID: r.ProviderTransactionID,
		RawAmount:             amount,
		RawCurrency:           r.RawCurrency,
		OccurredAt:            r.ReceivedAt.UTC(),
		UserReference:         r.UserReference,
		Status:                Status(r.Status),
	}, nil
}
