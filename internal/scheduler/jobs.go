package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/loyalty/internal/ledger/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reconcileParallelism = 4

// SweepClaimsJob deletes claims whose holder died before completing them.
func (s *Scheduler) SweepClaimsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobClaimSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	swept, err := s.guard.SweepExpired(ctx, s.db)
	if err != nil {
		return err
	}
	run.AddProcessed(int(swept))
	if swept > 0 {
		s.logger(ctx).Info("expired claims swept", zap.Int64("count", swept))
	}
	return nil
}

// ReconcileJob checks one batch of accounts per run, walking the user table
// by id and wrapping around at the end.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcile, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	s.mu.Lock()
	cursor := s.reconcileCursor
	s.mu.Unlock()

	var userIDs []snowflake.ID
	if err := s.db.WithContext(ctx).Raw(
		`SELECT user_id FROM user_accounts WHERE user_id > ? ORDER BY user_id ASC LIMIT ?`,
		cursor,
		s.cfg.BatchSize,
	).Scan(&userIDs).Error; err != nil {
		return err
	}

	next := snowflake.ID(0)
	if len(userIDs) == s.cfg.BatchSize {
		next = userIDs[len(userIDs)-1]
	}

	var drifted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)
	for _, userID := range userIDs {
		userID := userID
		g.Go(func() error {
			err := s.ledger.Reconcile(gctx, userID)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, ledgerdomain.ErrBalanceDrift):
				drifted.Add(1)
				run.IncError()
				s.logger(gctx).Error("ledger.drift",
					zap.String("user_id", userID.String()),
					zap.Error(err),
				)
				return nil
			case errors.Is(err, ledgerdomain.ErrUserNotFound):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	run.AddProcessed(len(userIDs))

	s.mu.Lock()
	s.reconcileCursor = next
	s.mu.Unlock()

	if n := drifted.Load(); n > 0 {
		return fmt.Errorf("%d accounts: %w", n, ledgerdomain.ErrBalanceDrift)
	}
	return nil
}

// ReplayUnresolvedJob retries awards parked for an unknown user.
func (s *Scheduler) ReplayUnresolvedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReplay, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	settled, err := s.payments.ReplayUnresolved(ctx, s.cfg.BatchSize)
	run.AddProcessed(settled)
	return err
}
