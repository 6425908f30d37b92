package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/redemption/domain"
	"github.com/smallbiznis/loyalty/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const selectRedemption = `SELECT id, user_id, reward_id, points_spent, status, redemption_code, created_at, fulfilled_at, cancelled_at
	FROM redemptions WHERE id = ?`

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, redemption *domain.Redemption) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO redemptions (id, user_id, reward_id, points_spent, status, redemption_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		redemption.ID,
		redemption.UserID,
		redemption.RewardID,
		redemption.PointsSpent,
		string(redemption.Status),
		redemption.RedemptionCode,
		redemption.CreatedAt,
	).Error
}

func (r *repo) GetByID(ctx context.Context, conn *gorm.DB, redemptionID snowflake.ID) (*domain.Redemption, error) {
	return r.get(ctx, conn, selectRedemption, redemptionID)
}

func (r *repo) GetByIDForUpdate(ctx context.Context, conn *gorm.DB, redemptionID snowflake.ID) (*domain.Redemption, error) {
	return r.get(ctx, conn, selectRedemption+db.ForUpdate(conn), redemptionID)
}

func (r *repo) get(ctx context.Context, conn *gorm.DB, query string, redemptionID snowflake.ID) (*domain.Redemption, error) {
	var redemption domain.Redemption
	if err := conn.WithContext(ctx).Raw(query, redemptionID).Scan(&redemption).Error; err != nil {
		return nil, err
	}
	if redemption.ID == 0 {
		return nil, domain.ErrRedemptionNotFound
	}
	return &redemption, nil
}

func (r *repo) ListByUser(ctx context.Context, conn *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]domain.Redemption, error) {
	stmt := conn.WithContext(ctx).
		Model(&domain.Redemption{}).
		Where("user_id = ?", userID)
	if beforeID != 0 {
		stmt = stmt.Where("id < ?", beforeID)
	}

	var items []domain.Redemption
	if err := stmt.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Transition(ctx context.Context, conn *gorm.DB, redemptionID snowflake.ID, from, to domain.Status, at time.Time) error {
	column := ""
	switch to {
	case domain.StatusFulfilled:
		column = "fulfilled_at"
	case domain.StatusCancelled:
		column = "cancelled_at"
	default:
		return domain.ErrInvalidTransition
	}

	result := conn.WithContext(ctx).Exec(
		`UPDATE redemptions SET status = ?, `+column+` = ? WHERE id = ? AND status = ?`,
		string(to),
		at,
		redemptionID,
		string(from),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}
