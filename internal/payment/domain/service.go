package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Adapter authenticates and normalizes one provider's webhooks.
type Adapter interface {
	Provider() Provider
	Verify(ctx context.Context, payload []byte, headers http.Header) (*VerifiedPayload, error)
	Normalize(ctx context.Context, payload VerifiedPayload) (*PaymentEvent, error)
}

type IngestResult struct {
	Outcome Outcome      `json:"outcome"`
	UserID  snowflake.ID `json:"user_id,omitempty"`
	Points  int64        `json:"points,omitempty"`
}

type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*IngestResult, error)
	// ReplayUnresolved retries awards whose user could not be resolved on
	// delivery and returns how many were settled.
	ReplayUnresolved(ctx context.Context, limit int) (int, error)
}

type Repository interface {
	// InsertEvent reports false when the (provider, transaction, status)
	// triple was already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, transactionID, status string) (*EventRecord, error)
	ListByOutcome(ctx context.Context, db *gorm.DB, outcome Outcome, limit int) ([]EventRecord, error)
	UpdateOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Outcome, usdCents *int64) error
}
