package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, transactionID, status string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_transaction_id, status, raw_amount, raw_currency,
			user_reference, usd_cents, outcome, payload, received_at
		 FROM payment_events
		 WHERE provider = ? AND provider_transaction_id = ? AND status = ?
		 LIMIT 1`,
		provider,
		transactionID,
		status,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_transaction_id, status, raw_amount, raw_currency,
			user_reference, usd_cents, outcome, payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_transaction_id, status) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderTransactionID,
		event.Status,
		event.RawAmount,
		event.RawCurrency,
		event.UserReference,
		event.USDCents,
		event.Outcome,
		event.Payload,
		event.ReceivedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByOutcome(ctx context.Context, db *gorm.DB, outcome domain.Outcome, limit int) ([]domain.EventRecord, error) {
	var items []domain.EventRecord
	err := db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Where("outcome = ?", string(outcome)).
		Order("received_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateOutcome moves a row from one outcome to another. A row that already
// left from is left alone.
func (r *repo) UpdateOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Outcome, usdCents *int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events SET outcome = ?, usd_cents = COALESCE(?, usd_cents) WHERE id = ? AND outcome = ?`,
		string(to),
		usdCents,
		id,
		string(from),
	).Error
}
