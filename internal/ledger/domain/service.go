package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/loyalty/internal/account/domain"
	"github.com/smallbiznis/loyalty/internal/tier"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrDuplicateTransaction = errors.New("duplicate_transaction")
	ErrUserNotFound         = accountdomain.ErrUserNotFound
	ErrInsufficientBalance  = accountdomain.ErrInsufficientBalance
	ErrNothingToReverse     = errors.New("nothing_to_reverse")
	ErrPaymentRefunded      = errors.New("payment_refunded")
	ErrBalanceDrift         = errors.New("balance_drift")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidProvider      = errors.New("invalid_provider")
	ErrInvalidTransactionID = errors.New("invalid_transaction_id")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidEntryType     = errors.New("invalid_entry_type")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
)

type AwardRequest struct {
	UserID                snowflake.ID
	Provider              string
	ProviderTransactionID string
	USDCents              int64
}

type AwardResult struct {
	EntryID         snowflake.ID `json:"entry_id"`
	PointsEarned    int64        `json:"points_earned"`
	PreviousBalance int64        `json:"previous_balance"`
	NewBalance      int64        `json:"new_balance"`
	PreviousTier    tier.Tier    `json:"previous_tier"`
	NewTier         tier.Tier    `json:"new_tier"`
	TierChanged     bool         `json:"tier_changed"`
}

// ReversalRequest undoes the earn entry of a refunded payment. UserID is
// optional; when set it must own the original entry.
type ReversalRequest struct {
	UserID                snowflake.ID
	Provider              string
	ProviderTransactionID string
}

type ReversalResult struct {
	EntryID         snowflake.ID `json:"entry_id"`
	UserID          snowflake.ID `json:"user_id"`
	PointsReversed  int64        `json:"points_reversed"`
	Shortfall       int64        `json:"shortfall"`
	PreviousBalance int64        `json:"previous_balance"`
	NewBalance      int64        `json:"new_balance"`
	PreviousTier    tier.Tier    `json:"previous_tier"`
	NewTier         tier.Tier    `json:"new_tier"`
	TierChanged     bool         `json:"tier_changed"`
}

// BonusRequest credits points outside of a payment, once per (Reason, Reference).
type BonusRequest struct {
	UserID    snowflake.ID
	Reason    string
	Reference string
	Points    int64
}

// PostRequest appends an entry inside a transaction owned by the caller,
// which must already hold the user's lock.
type PostRequest struct {
	UserID                snowflake.ID
	Provider              string
	ProviderTransactionID string
	EntryType             EntryType
	USDCents              int64
	Points                int64
}

type PostResult struct {
	Entry           *LedgerEntry
	PreviousBalance int64
	PreviousTier    tier.Tier
}

func (r PostResult) TierChanged() bool {
	return r.Entry != nil && r.Entry.TierAfter != r.PreviousTier
}

type Balance struct {
	UserID        snowflake.ID  `json:"user_id"`
	PointsBalance int64         `json:"points_balance"`
	Tier          tier.Tier     `json:"tier"`
	Progress      tier.Progress `json:"progress"`
}

type ListEntriesRequest struct {
	UserID snowflake.ID
	pagination.Pagination
}

type ListEntriesResponse struct {
	Entries  []LedgerEntry       `json:"entries"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type Service interface {
	AwardPoints(ctx context.Context, req AwardRequest) (*AwardResult, error)
	ReversePoints(ctx context.Context, req ReversalRequest) (*ReversalResult, error)
	AwardBonus(ctx context.Context, req BonusRequest) (*AwardResult, error)
	PostInTx(ctx context.Context, tx *gorm.DB, req PostRequest) (*PostResult, error)
	Balance(ctx context.Context, userID snowflake.ID) (*Balance, error)
	ListEntries(ctx context.Context, req ListEntriesRequest) (*ListEntriesResponse, error)
	Reconcile(ctx context.Context, userID snowflake.ID) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	FindByTransaction(ctx context.Context, db *gorm.DB, provider, transactionID string, entryType EntryType) (*LedgerEntry, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]LedgerEntry, error)
	SumByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int64, error)
}
