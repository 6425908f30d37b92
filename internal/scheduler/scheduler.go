package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/loyalty/internal/clock"
	"github.com/smallbiznis/loyalty/internal/idempotency"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/loyalty/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/loyalty/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Guard      idempotency.Guard
	Ledger     ledgerdomain.Service
	Payments   paymentdomain.Service
	Config     Config                 `optional:"true"`
	JobMetrics *obsmetrics.JobMetrics `optional:"true"`
}

// Scheduler runs the maintenance jobs: expired claim sweeps, ledger
// reconciliation and replay of payments whose user was unknown.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	guard    idempotency.Guard
	ledger   ledgerdomain.Service
	payments paymentdomain.Service
	metrics  *obsmetrics.JobMetrics

	cron   *cron.Cron
	cancel context.CancelFunc

	mu              sync.Mutex
	reconcileCursor snowflake.ID
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Guard == nil || p.Ledger == nil || p.Payments == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	for _, spec := range []string{cfg.ClaimSweepSchedule, cfg.ReconcileSchedule, cfg.ReplaySchedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, spec, err)
		}
	}
	jobMetrics := p.JobMetrics
	if jobMetrics == nil {
		jobMetrics = obsmetrics.Jobs()
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))
	cronLog := cronLogger{log: log.Sugar()}

	return &Scheduler{
		db:       p.DB,
		log:      log,
		cfg:      cfg,
		genID:    p.GenID,
		clock:    p.Clock,
		guard:    p.Guard,
		ledger:   p.Ledger,
		payments: p.Payments,
		metrics:  jobMetrics,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}, nil
}

type job struct {
	name     string
	schedule string
	run      func(context.Context) error
}

func (s *Scheduler) jobs() []job {
	all := []job{
		{JobClaimSweep, s.cfg.ClaimSweepSchedule, s.SweepClaimsJob},
		{JobReconcile, s.cfg.ReconcileSchedule, s.ReconcileJob},
		{JobReplay, s.cfg.ReplaySchedule, s.ReplayUnresolvedJob},
	}
	enabled := all[:0]
	for _, j := range all {
		if s.cfg.isJobEnabled(j.name) {
			enabled = append(enabled, j)
		}
	}
	return enabled
}

// Start registers every enabled job with cron. Jobs run until Stop.
func (s *Scheduler) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	for _, j := range s.jobs() {
		j := j
		if _, err := s.cron.AddFunc(j.schedule, func() {
			if err := s.runJob(ctx, j.name, j.run); err != nil {
				s.log.Warn("scheduler job failed", zap.String("job", j.name), zap.Error(err))
			}
		}); err != nil {
			cancel()
			return fmt.Errorf("register %s: %w", j.name, err)
		}
		s.log.Info("scheduler job registered", zap.String("job", j.name), zap.String("schedule", j.schedule))
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every enabled job a single time, in order.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		err = errors.Join(err, s.runJob(parent, j.name, j.run))
	}
	return err
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
	}

	err := fn(ctx)
	s.metrics.ObserveJob(name, s.clock.Now().Sub(start), err)
	if owner {
		if err != nil && run.errors() == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// The next tick picks up where this one stopped.
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}

