package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/tier"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound        = errors.New("user_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrEmptyReference      = errors.New("empty_user_reference")
)

type Store interface {
	Insert(ctx context.Context, db *gorm.DB, account *UserAccount) error
	GetByID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*UserAccount, error)
	GetByIDForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*UserAccount, error)
	// ApplyBalanceDelta fails with ErrInsufficientBalance instead of going negative.
	ApplyBalanceDelta(ctx context.Context, db *gorm.DB, userID snowflake.ID, delta int64, newTier tier.Tier) error
	LinkHandle(ctx context.Context, db *gorm.DB, provider, handle string, userID snowflake.ID) error
	// ResolveReference tries the handle table, then email, then a numeric user id.
	ResolveReference(ctx context.Context, db *gorm.DB, provider, reference string) (snowflake.ID, error)
}
