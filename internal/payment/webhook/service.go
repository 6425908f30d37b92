package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/loyalty/internal/account/domain"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/config"
	"github.com/smallbiznis/loyalty/internal/currency"
	"github.com/smallbiznis/loyalty/internal/events"
	obscontext "github.com/smallbiznis/loyalty/internal/observability/context"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	obslogger "github.com/smallbiznis/loyalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	"github.com/smallbiznis/loyalty/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultReplayBatch = 100

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Adapters   *adapters.Registry
	Currency   *currency.Normalizer
	Ledger     ledgerdomain.Service
	Accounts   accountdomain.Store
	Repo       paymentdomain.Repository
	Events     events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service runs one delivery through verify, normalize, convert and award.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	registry   *adapters.Registry
	adapters   map[paymentdomain.Provider]paymentdomain.Adapter
	currency   *currency.Normalizer
	ledger     ledgerdomain.Service
	accounts   accountdomain.Store
	repo       paymentdomain.Repository
	events     events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	log := p.Log.Named("payment.webhook")

	built := map[paymentdomain.Provider]paymentdomain.Adapter{}
	for _, provider := range paymentdomain.Providers {
		if !p.Adapters.ProviderExists(string(provider)) {
			continue
		}
		secret, _ := p.Cfg.Payments.Provider(string(provider))
		adapter, err := p.Adapters.NewAdapter(string(provider), adapters.Config{
			Secret:          secret.Secret,
			NotificationURL: secret.NotificationURL,
			WebhookID:       secret.WebhookID,
			Clock:           p.Clock,
		})
		if err != nil {
			// Deliveries for this provider are rejected as unauthentic.
			log.Warn("payment provider not configured",
				zap.String("provider", string(provider)),
				zap.Error(err),
			)
			continue
		}
		built[provider] = adapter
	}

	return &Service{
		db:         p.DB,
		log:        log,
		genID:      p.GenID,
		clock:      p.Clock,
		registry:   p.Adapters,
		adapters:   built,
		currency:   p.Currency,
		ledger:     p.Ledger,
		accounts:   p.Accounts,
		repo:       p.Repo,
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, providerName string, payload []byte, headers http.Header) (*paymentdomain.IngestResult, error) {
	provider, err := paymentdomain.ParseProvider(providerName)
	if err != nil || !s.registry.ProviderExists(string(provider)) {
		return nil, paymentdomain.ErrProviderNotFound
	}
	ctx = obscontext.WithProvider(ctx, string(provider))
	log := obslogger.WithContext(ctx, s.log)

	adapter, ok := s.adapters[provider]
	if !ok {
		s.obsMetrics.RecordWebhookEvent(ctx, string(provider), "rejected")
		log.Warn("webhook rejected", zap.String("reason", paymentdomain.ErrProviderNotConfigured.Error()))
		return nil, paymentdomain.ErrProviderNotConfigured
	}

	verified, err := adapter.Verify(ctx, payload, headers)
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, string(provider), "rejected")
		log.Warn("webhook rejected", zap.String("reason", err.Error()))
		return nil, err
	}

	event, err := adapter.Normalize(ctx, *verified)
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, string(provider), "malformed")
		log.Warn("webhook payload malformed", zap.Error(err))
		return nil, err
	}
	log = log.With(
		zap.String("provider_transaction_id", event.ProviderTransactionID),
		zap.String("status", string(event.Status)),
	)

	var (
		result   *paymentdomain.IngestResult
		usdCents *int64
	)
	switch event.Status {
	case paymentdomain.StatusCompleted:
		result, usdCents, err = s.award(ctx, log, event)
	case paymentdomain.StatusRefunded:
		result, err = s.reverse(ctx, log, event)
	default:
		result = &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeRecorded}
	}
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, string(provider), outcomeForError(err))
		return nil, err
	}

	s.audit(ctx, log, event, verified, usdCents, result.Outcome)
	s.obsMetrics.RecordWebhookEvent(ctx, string(provider), string(result.Outcome))
	return result, nil
}

func (s *Service) award(ctx context.Context, log *zap.Logger, event *paymentdomain.PaymentEvent) (*paymentdomain.IngestResult, *int64, error) {
	userID, err := s.accounts.ResolveReference(ctx, s.db, string(event.Provider), event.UserReference)
	if err != nil {
		if isUnresolved(err) {
			s.queueUnresolved(ctx, log, event)
			return &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeUnresolvedUser}, nil, nil
		}
		return nil, nil, err
	}
	result, cents, err := s.credit(ctx, log, event, userID)
	if errors.Is(err, ledgerdomain.ErrUserNotFound) {
		s.queueUnresolved(ctx, log, event)
		return &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeUnresolvedUser}, cents, nil
	}
	return result, cents, err
}

// credit converts the amount and posts the earn for an already resolved user.
func (s *Service) credit(ctx context.Context, log *zap.Logger, event *paymentdomain.PaymentEvent, userID snowflake.ID) (*paymentdomain.IngestResult, *int64, error) {
	// Conversion happens before any claim so an outage leaves nothing behind.
	cents, err := s.currency.ToUSD(ctx, event.RawAmount, event.RawCurrency, event.OccurredAt)
	if err != nil {
		log.Warn("usd conversion failed", zap.String("currency", event.RawCurrency), zap.Error(err))
		return nil, nil, err
	}

	awarded, err := s.ledger.AwardPoints(ctx, ledgerdomain.AwardRequest{
		UserID:                userID,
		Provider:              string(event.Provider),
		ProviderTransactionID: event.ProviderTransactionID,
		USDCents:              cents,
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateTransaction) {
			return &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeDuplicate, UserID: userID}, &cents, nil
		}
		if errors.Is(err, ledgerdomain.ErrPaymentRefunded) {
			return &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeRecorded, UserID: userID}, &cents, nil
		}
		return nil, &cents, err
	}
	return &paymentdomain.IngestResult{
		Outcome: paymentdomain.OutcomeAwarded,
		UserID:  userID,
		Points:  awarded.PointsEarned,
	}, &cents, nil
}

func (s *Service) ReplayUnresolved(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultReplayBatch
	}
	records, err := s.repo.ListByOutcome(ctx, s.db, paymentdomain.OutcomeUnresolvedUser, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs error
	for _, record := range records {
		event, err := record.Event()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		ctx := obscontext.WithProvider(ctx, string(event.Provider))
		log := obslogger.WithContext(ctx, s.log).With(zap.String("provider_transaction_id", event.ProviderTransactionID))

		userID, err := s.accounts.ResolveReference(ctx, s.db, string(event.Provider), event.UserReference)
		if err != nil {
			if !isUnresolved(err) {
				errs = errors.Join(errs, err)
			}
			continue
		}
		result, cents, err := s.credit(ctx, log, event, userID)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if err := s.repo.UpdateOutcome(ctx, s.db, record.ID, paymentdomain.OutcomeUnresolvedUser, result.Outcome, cents); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		log.Info("unresolved payment settled",
			zap.String("outcome", string(result.Outcome)),
			zap.String("user_id", userID.String()),
		)
		s.obsMetrics.RecordWebhookEvent(ctx, string(event.Provider), "replayed_"+string(result.Outcome))
		settled++
	}
	return settled, errs
}

func (s *Service) reverse(ctx context.Context, log *zap.Logger, event *paymentdomain.PaymentEvent) (*paymentdomain.IngestResult, error) {
	reversed, err := s.ledger.ReversePoints(ctx, ledgerdomain.ReversalRequest{
		Provider:              string(event.Provider),
		ProviderTransactionID: event.ProviderTransactionID,
	})
	switch {
	case errors.Is(err, ledgerdomain.ErrNothingToReverse):
		log.Info("refund without prior award recorded")
		return &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeRecorded}, nil
	case errors.Is(err, ledgerdomain.ErrDuplicateTransaction):
		return &paymentdomain.IngestResult{Outcome: paymentdomain.OutcomeDuplicate}, nil
	case err != nil:
		return nil, err
	}
	return &paymentdomain.IngestResult{
		Outcome: paymentdomain.OutcomeReversed,
		UserID:  reversed.UserID,
		Points:  reversed.PointsReversed,
	}, nil
}

func (s *Service) queueUnresolved(ctx context.Context, log *zap.Logger, event *paymentdomain.PaymentEvent) {
	log.Warn("payment user unresolved", zap.String("user_reference", event.UserReference))
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, events.SubjectOperatorUnresolvedID, map[string]any{
		"provider":                string(event.Provider),
		"provider_transaction_id": event.ProviderTransactionID,
		"user_reference":          event.UserReference,
		"raw_amount":              event.RawAmount.String(),
		"raw_currency":            event.RawCurrency,
		"occurred_at":             event.OccurredAt.Format(time.RFC3339),
	})
}

// audit keeps one row per (provider, transaction, status). The ledger is
// already committed here, so a failed insert is only logged.
func (s *Service) audit(ctx context.Context, log *zap.Logger, event *paymentdomain.PaymentEvent, verified *paymentdomain.VerifiedPayload, usdCents *int64, outcome paymentdomain.Outcome) {
	record := &paymentdomain.EventRecord{
		ID:                    s.genID.Generate(),
		Provider:              string(event.Provider),
		ProviderTransactionID: event.ProviderTransactionID,
		Status:                string(event.Status),
		RawAmount:             event.RawAmount.String(),
		RawCurrency:           event.RawCurrency,
		UserReference:         event.UserReference,
		USDCents:              usdCents,
		Outcome:               string(outcome),
		Payload:               datatypes.JSON(verified.Body),
		ReceivedAt:            verified.ReceivedAt.UTC(),
	}
	if _, err := s.repo.InsertEvent(ctx, s.db, record); err != nil {
		log.Error("failed to record payment event", zap.Error(err))
	}
}

func isUnresolved(err error) bool {
	return errors.Is(err, accountdomain.ErrUserNotFound) || errors.Is(err, accountdomain.ErrEmptyReference)
}

func outcomeForError(err error) string {
	switch {
	case errors.Is(err, currency.ErrRateUnavailable):
		return "rate_unavailable"
	case errors.Is(err, currency.ErrUnsupportedCurrency), errors.Is(err, currency.ErrNegativeAmount):
		return "malformed"
	default:
		return "error"
	}
}
