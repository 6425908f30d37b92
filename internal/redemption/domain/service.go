package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/tier"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrInsufficientPoints  = errors.New("insufficient_points")
	ErrRewardUnavailable   = errors.New("reward_unavailable")
	ErrRewardNotFound      = errors.New("reward_not_found")
	ErrInvalidTransition   = errors.New("invalid_redemption_transition")
	ErrRedemptionNotFound  = errors.New("redemption_not_found")
	ErrInvalidRequest      = errors.New("invalid_redemption_request")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidRewardConfig = errors.New("invalid_reward")
)

type RedeemRequest struct {
	UserID     snowflake.ID `json:"user_id"`
	RewardID   snowflake.ID `json:"reward_id"`
	PointsCost int64        `json:"points_cost"`
}

type RedeemResult struct {
	RedemptionID     snowflake.ID `json:"redemption_id"`
	RedemptionCode   string       `json:"redemption_code"`
	RemainingBalance int64        `json:"remaining_balance"`
	Tier             tier.Tier    `json:"tier"`
}

type CreateRewardRequest struct {
	Name         string    `json:"name"`
	PointsCost   int64     `json:"points_cost"`
	TierRequired tier.Tier `json:"tier_required"`
	Stock        *int64    `json:"stock"`
}

type ListRequest struct {
	UserID snowflake.ID
	pagination.Pagination
}

type ListResponse struct {
	Redemptions []Redemption        `json:"redemptions"`
	PageInfo    pagination.PageInfo `json:"page_info"`
}

type Service interface {
	Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error)
	Cancel(ctx context.Context, redemptionID snowflake.ID) (*Redemption, error)
	Fulfill(ctx context.Context, redemptionID snowflake.ID) (*Redemption, error)
	Get(ctx context.Context, redemptionID snowflake.ID) (*Redemption, error)
	ListByUser(ctx context.Context, req ListRequest) (*ListResponse, error)

	CreateReward(ctx context.Context, req CreateRewardRequest) (*Reward, error)
	ListRewards(ctx context.Context) ([]Reward, error)
	SetRewardActive(ctx context.Context, rewardID snowflake.ID, active bool) (*Reward, error)
}

// Catalog owns the rewards table. Stock changes are conditional updates
// and report ErrRewardUnavailable when nothing was reserved.
type Catalog interface {
	Insert(ctx context.Context, db *gorm.DB, reward *Reward) error
	GetByID(ctx context.Context, db *gorm.DB, rewardID snowflake.ID) (*Reward, error)
	GetByIDForUpdate(ctx context.Context, db *gorm.DB, rewardID snowflake.ID) (*Reward, error)
	List(ctx context.Context, db *gorm.DB) ([]Reward, error)
	ReserveStock(ctx context.Context, db *gorm.DB, rewardID snowflake.ID) error
	RestoreStock(ctx context.Context, db *gorm.DB, rewardID snowflake.ID) error
	SetActive(ctx context.Context, db *gorm.DB, rewardID snowflake.ID, active bool) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, redemption *Redemption) error
	GetByID(ctx context.Context, db *gorm.DB, redemptionID snowflake.ID) (*Redemption, error)
	GetByIDForUpdate(ctx context.Context, db *gorm.DB, redemptionID snowflake.ID) (*Redemption, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]Redemption, error)
	// Transition moves a redemption out of from; it returns ErrInvalidTransition
	// when the row is no longer in that state.
	Transition(ctx context.Context, db *gorm.DB, redemptionID snowflake.ID, from, to Status, at time.Time) error
}
