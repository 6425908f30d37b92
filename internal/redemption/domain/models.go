package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/tier"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
)

// Reward is a catalog item. A nil StockRemaining means unlimited stock.
type Reward struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	Name           string       `json:"name"`
	PointsCost     int64        `json:"points_cost"`
	TierRequired   tier.Tier    `json:"tier_required"`
	StockRemaining *int64       `json:"stock_remaining"`
	Active         bool         `json:"active"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (Reward) TableName() string { return "rewards" }

// InStock reports whether at least one unit can be reserved.
func (r Reward) InStock() bool {
	return r.StockRemaining == nil || *r.StockRemaining > 0
}

type Redemption struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID         snowflake.ID `json:"user_id"`
	RewardID       snowflake.ID `json:"reward_id"`
	PointsSpent    int64        `json:"points_spent"`
	Status         Status       `json:"status"`
	RedemptionCode string       `json:"redemption_code"`
	CreatedAt      time.Time    `json:"created_at"`
	FulfilledAt    *time.Time   `json:"fulfilled_at,omitempty"`
	CancelledAt    *time.Time   `json:"cancelled_at,omitempty"`
}

func (Redemption) TableName() string { return "redemptions" }
