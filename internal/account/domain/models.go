package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/tier"
)

// UserAccount carries the points balance. Only the ledger and the redemption
// coordinator change PointsBalance and Tier.
type UserAccount struct {
	UserID        snowflake.ID  `gorm:"primaryKey;column:user_id" json:"user_id"`
	Email         string        `gorm:"type:text;not null;uniqueIndex" json:"email"`
	PointsBalance int64         `gorm:"not null;default:0" json:"points_balance"`
	Tier          tier.Tier     `gorm:"type:text;not null;default:'Bronze'" json:"tier"`
	ReferredBy    *snowflake.ID `json:"referred_by,omitempty"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (UserAccount) TableName() string { return "user_accounts" }

// PaymentHandle maps a provider-side identifier (cash tag, wallet address,
// member id) to a user.
type PaymentHandle struct {
	Provider  string       `gorm:"type:text;primaryKey"`
	Handle    string       `gorm:"type:text;primaryKey"`
	UserID    snowflake.ID `gorm:"not null;index"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentHandle) TableName() string { return "user_payment_handles" }
