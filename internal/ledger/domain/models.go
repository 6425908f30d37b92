package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/tier"
)

type EntryType string

const (
	EntryTypeEarn         EntryType = "earn"
	EntryTypeReversal     EntryType = "reversal"
	EntryTypeRedeem       EntryType = "redeem"
	EntryTypeRedeemCancel EntryType = "redeem_cancel"
	EntryTypeBonus        EntryType = "bonus"
)

// Pseudo providers for entries that do not come from a payment.
const (
	ProviderRedemption = "redemption"
	ProviderReferral   = "referral"
)

// LedgerEntry is an append-only point movement. (provider,
// provider_transaction_id, entry_type) is unique.
type LedgerEntry struct {
	ID                    snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID                snowflake.ID `gorm:"not null;index" json:"user_id"`
	Provider              string       `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_txn,priority:1" json:"provider"`
	ProviderTransactionID string       `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_txn,priority:2" json:"provider_transaction_id"`
	EntryType             EntryType    `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_txn,priority:3" json:"entry_type"`
	USDCents              int64        `gorm:"column:usd_cents;not null" json:"usd_cents"`
	PointsAwarded         int64        `gorm:"not null" json:"points_awarded"`
	BalanceAfter          int64        `gorm:"not null" json:"balance_after"`
	TierAfter             tier.Tier    `gorm:"type:text;not null" json:"tier_after"`
	CreatedAt             time.Time    `gorm:"not null" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }
