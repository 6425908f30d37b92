package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const entryColumns = `id, user_id, provider, provider_transaction_id, entry_type, usd_cents,
	points_awarded, balance_after, tier_after, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.LedgerEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.Provider,
		entry.ProviderTransactionID,
		string(entry.EntryType),
		entry.USDCents,
		entry.PointsAwarded,
		entry.BalanceAfter,
		string(entry.TierAfter),
		entry.CreatedAt,
	).Error
}

func (r *repo) FindByTransaction(ctx context.Context, db *gorm.DB, provider, transactionID string, entryType domain.EntryType) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE provider = ? AND provider_transaction_id = ? AND entry_type = ?`,
		provider,
		transactionID,
		string(entryType),
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

// ListByUser returns entries newest first. A zero beforeID starts at the newest entry.
func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID, beforeID snowflake.ID, limit int) ([]domain.LedgerEntry, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("user_id = ?", userID)
	if beforeID != 0 {
		stmt = stmt.Where("id < ?", beforeID)
	}

	var entries []domain.LedgerEntry
	if err := stmt.Order("id desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) SumByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int64, error) {
	var sum int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(points_awarded), 0) FROM ledger_entries WHERE user_id = ?`,
		userID,
	).Scan(&sum).Error
	return sum, err
}
