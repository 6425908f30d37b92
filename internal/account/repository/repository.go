package repository

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/account/domain"
	"github.com/smallbiznis/loyalty/internal/tier"
	"github.com/smallbiznis/loyalty/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Store {
	return &repo{}
}

const selectAccount = `SELECT user_id, email, points_balance, tier, referred_by, created_at, updated_at
	FROM user_accounts WHERE user_id = ?`

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, account *domain.UserAccount) error {
	if account.Tier == "" {
		account.Tier = tier.Bronze
	}
	return conn.WithContext(ctx).Exec(
		`INSERT INTO user_accounts (user_id, email, points_balance, tier, referred_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.UserID,
		strings.ToLower(strings.TrimSpace(account.Email)),
		account.PointsBalance,
		string(account.Tier),
		account.ReferredBy,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) GetByID(ctx context.Context, conn *gorm.DB, userID snowflake.ID) (*domain.UserAccount, error) {
	return r.get(ctx, conn, selectAccount, userID)
}

func (r *repo) GetByIDForUpdate(ctx context.Context, conn *gorm.DB, userID snowflake.ID) (*domain.UserAccount, error) {
	return r.get(ctx, conn, selectAccount+db.ForUpdate(conn), userID)
}

func (r *repo) get(ctx context.Context, conn *gorm.DB, query string, userID snowflake.ID) (*domain.UserAccount, error) {
	var account domain.UserAccount
	if err := conn.WithContext(ctx).Raw(query, userID).Scan(&account).Error; err != nil {
		return nil, err
	}
	if account.UserID == 0 {
		return nil, domain.ErrUserNotFound
	}
	return &account, nil
}

func (r *repo) ApplyBalanceDelta(ctx context.Context, conn *gorm.DB, userID snowflake.ID, delta int64, newTier tier.Tier) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE user_accounts
		 SET points_balance = points_balance + ?, tier = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND points_balance + ? >= 0`,
		delta,
		string(newTier),
		userID,
		delta,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}

func (r *repo) LinkHandle(ctx context.Context, conn *gorm.DB, provider, handle string, userID snowflake.ID) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO user_payment_handles (provider, handle, user_id, created_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (provider, handle) DO UPDATE SET user_id = excluded.user_id`,
		normalizeProvider(provider),
		normalizeHandle(provider, handle),
		userID,
	).Error
}

func (r *repo) ResolveReference(ctx context.Context, conn *gorm.DB, provider, reference string) (snowflake.ID, error) {
	ref := normalizeHandle(provider, reference)
	if ref == "" {
		return 0, domain.ErrEmptyReference
	}

	var userID snowflake.ID
	if err := conn.WithContext(ctx).Raw(
		`SELECT user_id FROM user_payment_handles WHERE provider = ? AND handle = ?`,
		normalizeProvider(provider),
		ref,
	).Scan(&userID).Error; err != nil {
		return 0, err
	}
	if userID != 0 {
		return userID, nil
	}

	if strings.Contains(ref, "@") {
		if err := conn.WithContext(ctx).Raw(
			`SELECT user_id FROM user_accounts WHERE email = ?`,
			strings.ToLower(ref),
		).Scan(&userID).Error; err != nil {
			return 0, err
		}
		if userID != 0 {
			return userID, nil
		}
	}

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		account, err := r.GetByID(ctx, conn, snowflake.ID(id))
		if err != nil {
			return 0, err
		}
		return account.UserID, nil
	}
	return 0, domain.ErrUserNotFound
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// caseFoldedWallets are address formats whose letter case carries no identity:
// EVM hex (case is only a checksum) and bech32 segwit.
var caseFoldedWallets = []string{"0x", "bc1", "tb1", "ltc1"}

// Handles are case-insensitive and cash tags keep their leading '$'. Wallet
// addresses keep their case unless the format ignores it, since base58
// addresses differing only in case are different wallets.
func normalizeHandle(provider, handle string) string {
	handle = strings.TrimSpace(handle)
	if normalizeProvider(provider) != "crypto" {
		return strings.ToLower(handle)
	}
	lower := strings.ToLower(handle)
	for _, prefix := range caseFoldedWallets {
		if strings.HasPrefix(lower, prefix) {
			return lower
		}
	}
	return handle
}
