package tier

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/loyalty/internal/config"
	"go.uber.org/fx"
)

var ErrThresholdsNotMonotonic = errors.New("tier_thresholds_not_monotonic")

var Module = fx.Module("tier.engine",
	fx.Provide(NewFromConfig),
)

// Thresholds are the minimum cumulative points for each tier.
type Thresholds struct {
	Bronze   int64
	Silver   int64
	Gold     int64
	Platinum int64
}

func (t Thresholds) min(tier Tier) int64 {
	switch tier {
	case Silver:
		return t.Silver
	case Gold:
		return t.Gold
	case Platinum:
		return t.Platinum
	default:
		return t.Bronze
	}
}

func (t Thresholds) validate() error {
	if t.Bronze < 0 {
		return fmt.Errorf("%w: bronze threshold %d is negative", ErrThresholdsNotMonotonic, t.Bronze)
	}
	if !(t.Bronze < t.Silver && t.Silver < t.Gold && t.Gold < t.Platinum) {
		return fmt.Errorf("%w: %d/%d/%d/%d", ErrThresholdsNotMonotonic, t.Bronze, t.Silver, t.Gold, t.Platinum)
	}
	return nil
}

// Progress describes the distance to the next tier. NextTier is nil at the top tier.
type Progress struct {
	CurrentTier     Tier    `json:"current_tier"`
	NextTier        *Tier   `json:"next_tier"`
	PointsRemaining int64   `json:"points_remaining"`
	PercentComplete float64 `json:"percent_complete"`
}

// Engine maps point balances to tiers. It holds no mutable state.
type Engine struct {
	thresholds Thresholds
}

func New(thresholds Thresholds) (*Engine, error) {
	if err := thresholds.validate(); err != nil {
		return nil, err
	}
	return &Engine{thresholds: thresholds}, nil
}

func NewFromConfig(cfg config.RewardsConfig) (*Engine, error) {
	return New(Thresholds{
		Bronze:   cfg.Thresholds.Bronze,
		Silver:   cfg.Thresholds.Silver,
		Gold:     cfg.Thresholds.Gold,
		Platinum: cfg.Thresholds.Platinum,
	})
}

func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// TierFor returns the highest tier whose threshold is <= points.
// Balances below the Bronze threshold still map to Bronze.
func (e *Engine) TierFor(points int64) Tier {
	current := Bronze
	for _, candidate := range Ordered[1:] {
		if points < e.thresholds.min(candidate) {
			break
		}
		current = candidate
	}
	return current
}

func (e *Engine) ProgressToNext(points int64) Progress {
	current := e.TierFor(points)
	rank := current.Rank()
	if rank == len(Ordered)-1 {
		return Progress{
			CurrentTier:     current,
			PointsRemaining: 0,
			PercentComplete: 100,
		}
	}

	next := Ordered[rank+1]
	threshold := e.thresholds.min(next)
	remaining := threshold - points
	if remaining < 0 {
		remaining = 0
	}

	percent := float64(points) / float64(threshold) * 100
	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}

	return Progress{
		CurrentTier:     current,
		NextTier:        &next,
		PointsRemaining: remaining,
		PercentComplete: percent,
	}
}
