package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountdomain "github.com/smallbiznis/loyalty/internal/account/domain"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	"github.com/smallbiznis/loyalty/internal/events"
	"github.com/smallbiznis/loyalty/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	obslogger "github.com/smallbiznis/loyalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"github.com/smallbiznis/loyalty/internal/tier"
	"github.com/smallbiznis/loyalty/internal/userlock"
	"github.com/smallbiznis/loyalty/pkg/db"
	"github.com/smallbiznis/loyalty/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Rewards    config.RewardsConfig
	Tiers      *tier.Engine
	Guard      idempotency.Guard
	Locker     userlock.Locker
	Accounts   accountdomain.Store
	Repo       ledgerdomain.Repository
	Events     events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	rewards    config.RewardsConfig
	tiers      *tier.Engine
	guard      idempotency.Guard
	locker     userlock.Locker
	accounts   accountdomain.Store
	repo       ledgerdomain.Repository
	events     events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		rewards:    p.Rewards,
		tiers:      p.Tiers,
		guard:      p.Guard,
		locker:     p.Locker,
		accounts:   p.Accounts,
		repo:       p.Repo,
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

// PointsFor is floor(cents/100 * rate * multiplier). The multiplier is the
// one of the tier held when the payment happened.
func (s *Service) PointsFor(usdCents int64, current tier.Tier) int64 {
	return decimal.NewFromInt(usdCents).
		Div(hundred).
		Mul(s.rewards.PointsPerDollar).
		Mul(s.rewards.Multiplier(string(current))).
		Floor().
		IntPart()
}

func (s *Service) AwardPoints(ctx context.Context, req ledgerdomain.AwardRequest) (*ledgerdomain.AwardResult, error) {
	provider, txID, err := normalizeKey(req.Provider, req.ProviderTransactionID)
	if err != nil {
		return nil, err
	}
	if req.UserID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.USDCents < 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	log := obslogger.WithUser(obslogger.WithContext(ctx, s.log), req.UserID.String()).With(
		zap.String("provider_transaction_id", txID),
	)

	unlock, err := s.locker.Lock(ctx, req.UserID.String())
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	var posted *ledgerdomain.PostResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim, err := s.guard.Admit(ctx, tx, idempotency.Key{
			Scope:         idempotency.ScopeAward,
			Provider:      provider,
			TransactionID: txID,
		})
		if err != nil {
			return err
		}

		account, err := s.accounts.GetByIDForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		posted, err = s.post(ctx, tx, account, ledgerdomain.PostRequest{
			UserID:                req.UserID,
			Provider:              provider,
			ProviderTransactionID: txID,
			EntryType:             ledgerdomain.EntryTypeEarn,
			USDCents:              req.USDCents,
			Points:                s.PointsFor(req.USDCents, account.Tier),
		})
		if err != nil {
			return err
		}
		return s.guard.Complete(ctx, tx, claim)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrVoided) {
			log.Info("payment already refunded, award skipped")
			return nil, ledgerdomain.ErrPaymentRefunded
		}
		if isDuplicate(err) {
			s.obsMetrics.RecordDuplicate(ctx, provider)
			log.Info("duplicate transaction ignored")
			return nil, ledgerdomain.ErrDuplicateTransaction
		}
		return nil, err
	}

	result := awardResult(posted)
	s.obsMetrics.RecordPointsAwarded(ctx, provider, result.PointsEarned)
	log.Info("points awarded",
		zap.Int64("usd_cents", req.USDCents),
		zap.Int64("points", result.PointsEarned),
		zap.Int64("balance", result.NewBalance),
		zap.String("tier", string(result.NewTier)),
	)
	s.publish(ctx, events.SubjectPointsAwarded, map[string]any{
		"user_id":                 req.UserID.String(),
		"entry_id":                result.EntryID.String(),
		"provider":                provider,
		"provider_transaction_id": txID,
		"usd_cents":               req.USDCents,
		"points":                  result.PointsEarned,
		"balance":                 result.NewBalance,
	})
	s.publishTierChange(ctx, req.UserID, result.PreviousTier, result.NewTier)
	return result, nil
}

func (s *Service) ReversePoints(ctx context.Context, req ledgerdomain.ReversalRequest) (*ledgerdomain.ReversalResult, error) {
	provider, txID, err := normalizeKey(req.Provider, req.ProviderTransactionID)
	if err != nil {
		return nil, err
	}

	// The earn entry names the user whose lock must be held.
	original, err := s.repo.FindByTransaction(ctx, s.db, provider, txID, ledgerdomain.EntryTypeEarn)
	if err != nil {
		return nil, err
	}
	if original == nil {
		original, err = s.voidAward(ctx, provider, txID)
		if err != nil {
			return nil, err
		}
	}
	if original == nil || (req.UserID != 0 && original.UserID != req.UserID) {
		return nil, ledgerdomain.ErrNothingToReverse
	}
	userID := original.UserID
	log := obslogger.WithUser(obslogger.WithContext(ctx, s.log), userID.String()).With(
		zap.String("provider_transaction_id", txID),
	)

	unlock, err := s.locker.Lock(ctx, userID.String())
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	var (
		posted    *ledgerdomain.PostResult
		shortfall int64
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim, err := s.guard.Admit(ctx, tx, idempotency.Key{
			Scope:         idempotency.ScopeReversal,
			Provider:      provider,
			TransactionID: txID,
		})
		if err != nil {
			return err
		}

		account, err := s.accounts.GetByIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		points := min(original.PointsAwarded, account.PointsBalance)
		shortfall = original.PointsAwarded - points
		posted, err = s.post(ctx, tx, account, ledgerdomain.PostRequest{
			UserID:                userID,
			Provider:              provider,
			ProviderTransactionID: txID,
			EntryType:             ledgerdomain.EntryTypeReversal,
			USDCents:              -original.USDCents,
			Points:                -points,
		})
		if err != nil {
			return err
		}
		return s.guard.Complete(ctx, tx, claim)
	})
	if err != nil {
		if isDuplicate(err) {
			s.obsMetrics.RecordDuplicate(ctx, provider)
			return nil, ledgerdomain.ErrDuplicateTransaction
		}
		return nil, err
	}

	result := &ledgerdomain.ReversalResult{
		EntryID:         posted.Entry.ID,
		UserID:          userID,
		PointsReversed:  -posted.Entry.PointsAwarded,
		Shortfall:       shortfall,
		PreviousBalance: posted.PreviousBalance,
		NewBalance:      posted.Entry.BalanceAfter,
		PreviousTier:    posted.PreviousTier,
		NewTier:         posted.Entry.TierAfter,
		TierChanged:     posted.TierChanged(),
	}
	if shortfall > 0 {
		log.Warn("reversal clamped to available balance",
			zap.Int64("original_points", original.PointsAwarded),
			zap.Int64("shortfall", shortfall),
		)
	} else {
		log.Info("points reversed", zap.Int64("points", result.PointsReversed))
	}
	s.publish(ctx, events.SubjectPointsReversed, map[string]any{
		"user_id":                 userID.String(),
		"entry_id":                result.EntryID.String(),
		"provider":                provider,
		"provider_transaction_id": txID,
		"points":                  result.PointsReversed,
		"shortfall":               shortfall,
		"balance":                 result.NewBalance,
	})
	s.publishTierChange(ctx, userID, result.PreviousTier, result.NewTier)
	return result, nil
}

// voidAward handles a refund that arrives before its payment: the award key is
// voided so the late completion earns nothing. If an earn won the race, its
// entry is returned for reversal instead.
func (s *Service) voidAward(ctx context.Context, provider, txID string) (*ledgerdomain.LedgerEntry, error) {
	err := s.guard.Void(ctx, s.db, idempotency.Key{
		Scope:         idempotency.ScopeAward,
		Provider:      provider,
		TransactionID: txID,
	})
	switch {
	case err == nil:
		obslogger.WithContext(ctx, s.log).Info("refund recorded ahead of payment",
			zap.String("provider", provider),
			zap.String("provider_transaction_id", txID),
		)
		return nil, nil
	case errors.Is(err, idempotency.ErrDuplicate):
		return s.repo.FindByTransaction(ctx, s.db, provider, txID, ledgerdomain.EntryTypeEarn)
	default:
		return nil, err
	}
}

func (s *Service) AwardBonus(ctx context.Context, req ledgerdomain.BonusRequest) (*ledgerdomain.AwardResult, error) {
	reason, reference, err := normalizeKey(req.Reason, req.Reference)
	if err != nil {
		return nil, err
	}
	if req.UserID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.Points <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	unlock, err := s.locker.Lock(ctx, req.UserID.String())
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlock()

	var posted *ledgerdomain.PostResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim, err := s.guard.Admit(ctx, tx, idempotency.Key{
			Scope:         idempotency.ScopeBonus,
			Provider:      reason,
			TransactionID: reference,
		})
		if err != nil {
			return err
		}
		account, err := s.accounts.GetByIDForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		posted, err = s.post(ctx, tx, account, ledgerdomain.PostRequest{
			UserID:                req.UserID,
			Provider:              reason,
			ProviderTransactionID: reference,
			EntryType:             ledgerdomain.EntryTypeBonus,
			Points:                req.Points,
		})
		if err != nil {
			return err
		}
		return s.guard.Complete(ctx, tx, claim)
	})
	if err != nil {
		if isDuplicate(err) {
			return nil, ledgerdomain.ErrDuplicateTransaction
		}
		return nil, err
	}

	result := awardResult(posted)
	s.log.Info("bonus awarded",
		zap.String("user_id", req.UserID.String()),
		zap.String("reason", reason),
		zap.Int64("points", req.Points),
	)
	s.publish(ctx, events.SubjectPointsAwarded, map[string]any{
		"user_id":  req.UserID.String(),
		"entry_id": result.EntryID.String(),
		"reason":   reason,
		"points":   result.PointsEarned,
		"balance":  result.NewBalance,
	})
	s.publishTierChange(ctx, req.UserID, result.PreviousTier, result.NewTier)
	return result, nil
}

func (s *Service) PostInTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PostRequest) (*ledgerdomain.PostResult, error) {
	provider, txID, err := normalizeKey(req.Provider, req.ProviderTransactionID)
	if err != nil {
		return nil, err
	}
	switch req.EntryType {
	case ledgerdomain.EntryTypeEarn, ledgerdomain.EntryTypeReversal, ledgerdomain.EntryTypeRedeem,
		ledgerdomain.EntryTypeRedeemCancel, ledgerdomain.EntryTypeBonus:
	default:
		return nil, ledgerdomain.ErrInvalidEntryType
	}
	req.Provider, req.ProviderTransactionID = provider, txID

	account, err := s.accounts.GetByIDForUpdate(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	posted, err := s.post(ctx, tx, account, req)
	if err != nil && isDuplicate(err) {
		return nil, ledgerdomain.ErrDuplicateTransaction
	}
	return posted, err
}

// post appends the entry and moves the balance in the same transaction.
func (s *Service) post(ctx context.Context, tx *gorm.DB, account *accountdomain.UserAccount, req ledgerdomain.PostRequest) (*ledgerdomain.PostResult, error) {
	newBalance := account.PointsBalance + req.Points
	if newBalance < 0 {
		return nil, ledgerdomain.ErrInsufficientBalance
	}
	entry := &ledgerdomain.LedgerEntry{
		ID:                    s.genID.Generate(),
		UserID:                account.UserID,
		Provider:              req.Provider,
		ProviderTransactionID: req.ProviderTransactionID,
		EntryType:             req.EntryType,
		USDCents:              req.USDCents,
		PointsAwarded:         req.Points,
		BalanceAfter:          newBalance,
		TierAfter:             s.tiers.TierFor(newBalance),
		CreatedAt:             s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := s.accounts.ApplyBalanceDelta(ctx, tx, account.UserID, req.Points, entry.TierAfter); err != nil {
		return nil, err
	}
	s.obsMetrics.RecordLedgerEntry(ctx, string(req.EntryType))
	return &ledgerdomain.PostResult{
		Entry:           entry,
		PreviousBalance: account.PointsBalance,
		PreviousTier:    account.Tier,
	}, nil
}

func (s *Service) Balance(ctx context.Context, userID snowflake.ID) (*ledgerdomain.Balance, error) {
	account, err := s.accounts.GetByID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	return &ledgerdomain.Balance{
		UserID:        account.UserID,
		PointsBalance: account.PointsBalance,
		Tier:          account.Tier,
		Progress:      s.tiers.ProgressToNext(account.PointsBalance),
	}, nil
}

func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListEntriesRequest) (*ledgerdomain.ListEntriesResponse, error) {
	if _, err := s.accounts.GetByID(ctx, s.db, req.UserID); err != nil {
		return nil, err
	}

	var beforeID snowflake.ID
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return nil, ledgerdomain.ErrInvalidPageToken
	}
	if cursor != nil {
		parsed, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, ledgerdomain.ErrInvalidPageToken
		}
		beforeID = parsed
	}

	limit := req.Limit()
	entries, err := s.repo.ListByUser(ctx, s.db, req.UserID, beforeID, limit+1)
	if err != nil {
		return nil, err
	}
	entries, pageInfo := pagination.Trim(entries, limit, func(e ledgerdomain.LedgerEntry) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String()}
	})
	if entries == nil {
		entries = []ledgerdomain.LedgerEntry{}
	}
	return &ledgerdomain.ListEntriesResponse{Entries: entries, PageInfo: pageInfo}, nil
}

// Reconcile checks the balance against the entry sum and the tier against the balance.
func (s *Service) Reconcile(ctx context.Context, userID snowflake.ID) error {
	account, err := s.accounts.GetByID(ctx, s.db, userID)
	if err != nil {
		return err
	}
	sum, err := s.repo.SumByUser(ctx, s.db, userID)
	if err != nil {
		return err
	}
	if sum != account.PointsBalance {
		return fmt.Errorf("%w: entries sum to %d, balance is %d", ledgerdomain.ErrBalanceDrift, sum, account.PointsBalance)
	}
	if expected := s.tiers.TierFor(account.PointsBalance); expected != account.Tier {
		return fmt.Errorf("%w: tier %s, expected %s", ledgerdomain.ErrBalanceDrift, account.Tier, expected)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, subject, payload)
}

func (s *Service) publishTierChange(ctx context.Context, userID snowflake.ID, from, to tier.Tier) {
	if from == to {
		return
	}
	s.log.Info("tier changed",
		zap.String("user_id", userID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	s.publish(ctx, events.SubjectTierChanged, map[string]any{
		"user_id": userID.String(),
		"from":    string(from),
		"to":      string(to),
	})
}

func awardResult(posted *ledgerdomain.PostResult) *ledgerdomain.AwardResult {
	return &ledgerdomain.AwardResult{
		EntryID:         posted.Entry.ID,
		PointsEarned:    posted.Entry.PointsAwarded,
		PreviousBalance: posted.PreviousBalance,
		NewBalance:      posted.Entry.BalanceAfter,
		PreviousTier:    posted.PreviousTier,
		NewTier:         posted.Entry.TierAfter,
		TierChanged:     posted.TierChanged(),
	}
}

// isDuplicate covers both the claim and the ledger's own unique index.
func isDuplicate(err error) bool {
	return errors.Is(err, idempotency.ErrDuplicate) ||
		errors.Is(err, ledgerdomain.ErrDuplicateTransaction) ||
		db.IsDuplicateKeyErr(err)
}

func normalizeKey(provider, transactionID string) (string, string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", "", ledgerdomain.ErrInvalidProvider
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return "", "", ledgerdomain.ErrInvalidTransactionID
	}
	return provider, transactionID, nil
}
