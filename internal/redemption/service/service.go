package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	accountdomain "github.com/smallbiznis/loyalty/internal/account/domain"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/events"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	obslogger "github.com/smallbiznis/loyalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"github.com/smallbiznis/loyalty/internal/redemption/domain"
	"github.com/smallbiznis/loyalty/internal/tier"
	"github.com/smallbiznis/loyalty/internal/userlock"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const codePrefix = "RDM-"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locker     userlock.Locker
	Accounts   accountdomain.Store
	Ledger     ledgerdomain.Service
	Catalog    domain.Catalog
	Repo       domain.Repository
	Events     events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	locker     userlock.Locker
	accounts   accountdomain.Store
	ledger     ledgerdomain.Service
	catalog    domain.Catalog
	repo       domain.Repository
	events     events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("redemption.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		locker:     p.Locker,
		accounts:   p.Accounts,
		ledger:     p.Ledger,
		catalog:    p.Catalog,
		repo:       p.Repo,
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Redeem(ctx context.Context, req domain.RedeemRequest) (*domain.RedeemResult, error) {
	if req.UserID == 0 || req.RewardID == 0 || req.PointsCost <= 0 {
		return nil, domain.ErrInvalidRequest
	}

	log := obslogger.WithUser(obslogger.WithContext(ctx, s.log), req.UserID.String()).With(
		zap.String("reward_id", req.RewardID.String()),
	)

	unlock, err := s.locker.Lock(ctx, req.UserID.String())
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	var (
		redemption *domain.Redemption
		posted     *ledgerdomain.PostResult
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accounts.GetByIDForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		reward, err := s.catalog.GetByIDForUpdate(ctx, tx, req.RewardID)
		if err != nil {
			if errors.Is(err, domain.ErrRewardNotFound) {
				return domain.ErrRewardUnavailable
			}
			return err
		}
		if err := checkEligible(account, reward, req.PointsCost); err != nil {
			return err
		}
		if account.PointsBalance < req.PointsCost {
			return domain.ErrInsufficientPoints
		}
		if err := s.catalog.ReserveStock(ctx, tx, reward.ID); err != nil {
			return err
		}

		redemption = &domain.Redemption{
			ID:             s.genID.Generate(),
			UserID:         req.UserID,
			RewardID:       reward.ID,
			PointsSpent:    req.PointsCost,
			Status:         domain.StatusPending,
			RedemptionCode: newCode(),
			CreatedAt:      s.clock.Now().UTC(),
		}
		if err := s.repo.Insert(ctx, tx, redemption); err != nil {
			return err
		}

		posted, err = s.ledger.PostInTx(ctx, tx, ledgerdomain.PostRequest{
			UserID:                req.UserID,
			Provider:              ledgerdomain.ProviderRedemption,
			ProviderTransactionID: redemption.RedemptionCode,
			EntryType:             ledgerdomain.EntryTypeRedeem,
			Points:                -req.PointsCost,
		})
		if errors.Is(err, ledgerdomain.ErrInsufficientBalance) {
			return domain.ErrInsufficientPoints
		}
		return err
	})
	if err != nil {
		s.obsMetrics.RecordRedemption(ctx, outcomeFor(err))
		if errors.Is(err, domain.ErrInsufficientPoints) || errors.Is(err, domain.ErrRewardUnavailable) {
			log.Info("redemption rejected", zap.Error(err))
		}
		return nil, err
	}

	s.obsMetrics.RecordRedemption(ctx, "created")
	log.Info("redemption created",
		zap.String("redemption_code", redemption.RedemptionCode),
		zap.Int64("points", req.PointsCost),
		zap.Int64("balance", posted.Entry.BalanceAfter),
	)
	s.publish(ctx, events.SubjectRedemptionCreated, map[string]any{
		"redemption_id":   redemption.ID.String(),
		"redemption_code": redemption.RedemptionCode,
		"user_id":         req.UserID.String(),
		"reward_id":       req.RewardID.String(),
		"points":          req.PointsCost,
		"balance":         posted.Entry.BalanceAfter,
	})
	s.publishTierChange(ctx, req.UserID, posted)

	return &domain.RedeemResult{
		RedemptionID:     redemption.ID,
		RedemptionCode:   redemption.RedemptionCode,
		RemainingBalance: posted.Entry.BalanceAfter,
		Tier:             posted.Entry.TierAfter,
	}, nil
}

func checkEligible(account *accountdomain.UserAccount, reward *domain.Reward, pointsCost int64) error {
	if !reward.Active {
		return fmt.Errorf("%w: reward is inactive", domain.ErrRewardUnavailable)
	}
	if !reward.InStock() {
		return fmt.Errorf("%w: out of stock", domain.ErrRewardUnavailable)
	}
	if reward.TierRequired.Valid() && !account.Tier.AtLeast(reward.TierRequired) {
		return fmt.Errorf("%w: requires %s tier", domain.ErrRewardUnavailable, reward.TierRequired)
	}
	if reward.PointsCost != pointsCost {
		return fmt.Errorf("%w: price changed to %d", domain.ErrRewardUnavailable, reward.PointsCost)
	}
	return nil
}

// Cancel refunds a pending redemption with a compensating entry and puts the
// unit back in stock.
func (s *Service) Cancel(ctx context.Context, redemptionID snowflake.ID) (*domain.Redemption, error) {
	current, err := s.repo.GetByID(ctx, s.db, redemptionID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, current.UserID.String())
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	var (
		redemption *domain.Redemption
		posted     *ledgerdomain.PostResult
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		redemption, err = s.repo.GetByIDForUpdate(ctx, tx, redemptionID)
		if err != nil {
			return err
		}
		if redemption.Status != domain.StatusPending {
			return domain.ErrInvalidTransition
		}
		now := s.clock.Now().UTC()
		if err := s.repo.Transition(ctx, tx, redemption.ID, domain.StatusPending, domain.StatusCancelled, now); err != nil {
			return err
		}
		if err := s.catalog.RestoreStock(ctx, tx, redemption.RewardID); err != nil && !errors.Is(err, domain.ErrRewardNotFound) {
			return err
		}
		posted, err = s.ledger.PostInTx(ctx, tx, ledgerdomain.PostRequest{
			UserID:                redemption.UserID,
			Provider:              ledgerdomain.ProviderRedemption,
			ProviderTransactionID: redemption.RedemptionCode,
			EntryType:             ledgerdomain.EntryTypeRedeemCancel,
			Points:                redemption.PointsSpent,
		})
		if err != nil {
			return err
		}
		redemption.Status = domain.StatusCancelled
		redemption.CancelledAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
			return nil, domain.ErrInvalidTransition
		}
		return nil, err
	}

	s.obsMetrics.RecordRedemption(ctx, "cancelled")
	s.log.Info("redemption cancelled",
		zap.String("redemption_id", redemption.ID.String()),
		zap.String("user_id", redemption.UserID.String()),
		zap.Int64("points", redemption.PointsSpent),
	)
	s.publish(ctx, events.SubjectRedemptionCancelled, map[string]any{
		"redemption_id":   redemption.ID.String(),
		"redemption_code": redemption.RedemptionCode,
		"user_id":         redemption.UserID.String(),
		"points":          redemption.PointsSpent,
		"balance":         posted.Entry.BalanceAfter,
	})
	s.publishTierChange(ctx, redemption.UserID, posted)
	return redemption, nil
}

func (s *Service) Fulfill(ctx context.Context, redemptionID snowflake.ID) (*domain.Redemption, error) {
	var redemption *domain.Redemption
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		redemption, err = s.repo.GetByIDForUpdate(ctx, tx, redemptionID)
		if err != nil {
			return err
		}
		if redemption.Status != domain.StatusPending {
			return domain.ErrInvalidTransition
		}
		now := s.clock.Now().UTC()
		if err := s.repo.Transition(ctx, tx, redemption.ID, domain.StatusPending, domain.StatusFulfilled, now); err != nil {
			return err
		}
		redemption.Status = domain.StatusFulfilled
		redemption.FulfilledAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordRedemption(ctx, "fulfilled")
	s.log.Info("redemption fulfilled", zap.String("redemption_id", redemption.ID.String()))
	return redemption, nil
}

func (s *Service) Get(ctx context.Context, redemptionID snowflake.ID) (*domain.Redemption, error) {
	return s.repo.GetByID(ctx, s.db, redemptionID)
}

func (s *Service) ListByUser(ctx context.Context, req domain.ListRequest) (*domain.ListResponse, error) {
	if _, err := s.accounts.GetByID(ctx, s.db, req.UserID); err != nil {
		return nil, err
	}

	var beforeID snowflake.ID
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return nil, domain.ErrInvalidPageToken
	}
	if cursor != nil {
		parsed, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		beforeID = parsed
	}

	limit := req.Limit()
	items, err := s.repo.ListByUser(ctx, s.db, req.UserID, beforeID, limit+1)
	if err != nil {
		return nil, err
	}
	items, pageInfo := pagination.Trim(items, limit, func(r domain.Redemption) pagination.Cursor {
		return pagination.Cursor{ID: r.ID.String()}
	})
	if items == nil {
		items = []domain.Redemption{}
	}
	return &domain.ListResponse{Redemptions: items, PageInfo: pageInfo}, nil
}

func (s *Service) CreateReward(ctx context.Context, req domain.CreateRewardRequest) (*domain.Reward, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || req.PointsCost <= 0 {
		return nil, domain.ErrInvalidRewardConfig
	}
	if req.Stock != nil && *req.Stock < 0 {
		return nil, domain.ErrInvalidRewardConfig
	}
	required := tier.Bronze
	if req.TierRequired != "" {
		parsed, err := tier.Parse(string(req.TierRequired))
		if err != nil {
			return nil, domain.ErrInvalidRewardConfig
		}
		required = parsed
	}

	now := s.clock.Now().UTC()
	reward := &domain.Reward{
		ID:             s.genID.Generate(),
		Name:           name,
		PointsCost:     req.PointsCost,
		TierRequired:   required,
		StockRemaining: req.Stock,
		Active:         req.Stock == nil || *req.Stock > 0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.catalog.Insert(ctx, s.db, reward); err != nil {
		return nil, err
	}
	s.log.Info("reward created",
		zap.String("reward_id", reward.ID.String()),
		zap.String("name", reward.Name),
		zap.Int64("points_cost", reward.PointsCost),
	)
	return reward, nil
}

func (s *Service) ListRewards(ctx context.Context) ([]domain.Reward, error) {
	rewards, err := s.catalog.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if rewards == nil {
		rewards = []domain.Reward{}
	}
	return rewards, nil
}

func (s *Service) SetRewardActive(ctx context.Context, rewardID snowflake.ID, active bool) (*domain.Reward, error) {
	if err := s.catalog.SetActive(ctx, s.db, rewardID, active); err != nil {
		return nil, err
	}
	return s.catalog.GetByID(ctx, s.db, rewardID)
}

func (s *Service) publish(ctx context.Context, subject string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, subject, payload)
}

func (s *Service) publishTierChange(ctx context.Context, userID snowflake.ID, posted *ledgerdomain.PostResult) {
	if posted == nil || !posted.TierChanged() {
		return
	}
	s.publish(ctx, events.SubjectTierChanged, map[string]any{
		"user_id": userID.String(),
		"from":    string(posted.PreviousTier),
		"to":      string(posted.Entry.TierAfter),
	})
}

func newCode() string {
	return codePrefix + ulid.Make().String()
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, domain.ErrRewardUnavailable):
		return "reward_unavailable"
	case errors.Is(err, accountdomain.ErrUserNotFound):
		return "user_not_found"
	default:
		return "error"
	}
}
