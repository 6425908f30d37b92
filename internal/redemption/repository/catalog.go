package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/loyalty/internal/redemption/domain"
	"github.com/smallbiznis/loyalty/pkg/db"
	"gorm.io/gorm"
)

type catalog struct{}

func ProvideCatalog() domain.Catalog {
	return &catalog{}
}

const selectReward = `SELECT id, name, points_cost, tier_required, stock_remaining, active, created_at, updated_at
	FROM rewards WHERE id = ?`

func (c *catalog) Insert(ctx context.Context, conn *gorm.DB, reward *domain.Reward) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO rewards (id, name, points_cost, tier_required, stock_remaining, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reward.ID,
		reward.Name,
		reward.PointsCost,
		string(reward.TierRequired),
		reward.StockRemaining,
		reward.Active,
		reward.CreatedAt,
		reward.UpdatedAt,
	).Error
}

func (c *catalog) GetByID(ctx context.Context, conn *gorm.DB, rewardID snowflake.ID) (*domain.Reward, error) {
	return c.get(ctx, conn, selectReward, rewardID)
}

func (c *catalog) GetByIDForUpdate(ctx context.Context, conn *gorm.DB, rewardID snowflake.ID) (*domain.Reward, error) {
	return c.get(ctx, conn, selectReward+db.ForUpdate(conn), rewardID)
}

func (c *catalog) get(ctx context.Context, conn *gorm.DB, query string, rewardID snowflake.ID) (*domain.Reward, error) {
	var reward domain.Reward
	if err := conn.WithContext(ctx).Raw(query, rewardID).Scan(&reward).Error; err != nil {
		return nil, err
	}
	if reward.ID == 0 {
		return nil, domain.ErrRewardNotFound
	}
	return &reward, nil
}

func (c *catalog) List(ctx context.Context, conn *gorm.DB) ([]domain.Reward, error) {
	var rewards []domain.Reward
	if err := conn.WithContext(ctx).
		Model(&domain.Reward{}).
		Order("points_cost ASC").
		Order("id ASC").
		Find(&rewards).Error; err != nil {
		return nil, err
	}
	return rewards, nil
}

func (c *catalog) ReserveStock(ctx context.Context, conn *gorm.DB, rewardID snowflake.ID) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE rewards
		 SET stock_remaining = stock_remaining - 1,
		     active = CASE WHEN stock_remaining IS NOT NULL AND stock_remaining - 1 <= 0 THEN FALSE ELSE active END,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND active = TRUE AND (stock_remaining IS NULL OR stock_remaining > 0)`,
		rewardID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrRewardUnavailable
	}
	return nil
}

// RestoreStock returns one unit and reactivates a reward that had sold out.
func (c *catalog) RestoreStock(ctx context.Context, conn *gorm.DB, rewardID snowflake.ID) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE rewards
		 SET active = CASE WHEN stock_remaining IS NOT NULL AND stock_remaining <= 0 THEN TRUE ELSE active END,
		     stock_remaining = stock_remaining + 1,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		rewardID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrRewardNotFound
	}
	return nil
}

func (c *catalog) SetActive(ctx context.Context, conn *gorm.DB, rewardID snowflake.ID, active bool) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE rewards SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		active,
		rewardID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrRewardNotFound
	}
	return nil
}
