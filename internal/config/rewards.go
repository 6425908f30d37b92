package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// RewardsConfig carries the point-award knobs. It is built once at startup.
type RewardsConfig struct {
	PointsPerDollar     decimal.Decimal
	Thresholds          TierThresholds
	MultipliersEnabled  bool
	Multipliers         map[string]decimal.Decimal
	ReferralBonusPoints int64
}

type TierThresholds struct {
	Bronze   int64
	Silver   int64
	Gold     int64
	Platinum int64
}

func DefaultRewardsConfig() RewardsConfig {
	return RewardsConfig{
		PointsPerDollar: decimal.NewFromInt(10),
		Thresholds: TierThresholds{
			Bronze:   0,
			Silver:   1000,
			Gold:     5000,
			Platinum: 10000,
		},
		MultipliersEnabled: false,
		Multipliers: map[string]decimal.Decimal{
			"bronze":   decimal.NewFromInt(1),
			"silver":   decimal.RequireFromString("1.1"),
			"gold":     decimal.RequireFromString("1.25"),
			"platinum": decimal.RequireFromString("1.5"),
		},
		ReferralBonusPoints: 500,
	}
}

// Multiplier returns the configured multiplier for tier, or one when
// multipliers are disabled or unset.
func (c RewardsConfig) Multiplier(tier string) decimal.Decimal {
	if !c.MultipliersEnabled {
		return decimal.NewFromInt(1)
	}
	value, ok := c.Multipliers[strings.ToLower(strings.TrimSpace(tier))]
	if !ok || !value.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return value
}

// LoadRewards reads rewards.yml (if present) with REWARDS_* env overrides.
func LoadRewards() (RewardsConfig, error) {
	v := viper.New()

	if path := strings.TrimSpace(os.Getenv("REWARDS_CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rewards")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/loyalty")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRewardsConfig()
	v.SetDefault("rewards.points_per_dollar", defaults.PointsPerDollar.String())
	v.SetDefault("rewards.tiers.bronze", defaults.Thresholds.Bronze)
	v.SetDefault("rewards.tiers.silver", defaults.Thresholds.Silver)
	v.SetDefault("rewards.tiers.gold", defaults.Thresholds.Gold)
	v.SetDefault("rewards.tiers.platinum", defaults.Thresholds.Platinum)
	v.SetDefault("rewards.multipliers.enabled", defaults.MultipliersEnabled)
	for tier, value := range defaults.Multipliers {
		v.SetDefault("rewards.multipliers."+tier, value.String())
	}
	v.SetDefault("rewards.referral_bonus_points", defaults.ReferralBonusPoints)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return RewardsConfig{}, fmt.Errorf("read rewards config: %w", err)
		}
	}

	return rewardsFromViper(v)
}

func rewardsFromViper(v *viper.Viper) (RewardsConfig, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(v.GetString("rewards.points_per_dollar")))
	if err != nil {
		return RewardsConfig{}, fmt.Errorf("rewards.points_per_dollar: %w", err)
	}

	cfg := RewardsConfig{
		PointsPerDollar: rate,
		Thresholds: TierThresholds{
			Bronze:   v.GetInt64("rewards.tiers.bronze"),
			Silver:   v.GetInt64("rewards.tiers.silver"),
			Gold:     v.GetInt64("rewards.tiers.gold"),
			Platinum: v.GetInt64("rewards.tiers.platinum"),
		},
		MultipliersEnabled:  v.GetBool("rewards.multipliers.enabled"),
		Multipliers:         map[string]decimal.Decimal{},
		ReferralBonusPoints: v.GetInt64("rewards.referral_bonus_points"),
	}
	for _, tier := range []string{"bronze", "silver", "gold", "platinum"} {
		raw := strings.TrimSpace(v.GetString("rewards.multipliers." + tier))
		if raw == "" {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return RewardsConfig{}, fmt.Errorf("rewards.multipliers.%s: %w", tier, err)
		}
		cfg.Multipliers[tier] = value
	}

	if err := validateRewardsConfig(cfg); err != nil {
		return RewardsConfig{}, err
	}
	return cfg, nil
}

func validateRewardsConfig(cfg RewardsConfig) error {
	if !cfg.PointsPerDollar.IsPositive() {
		return errors.New("rewards.points_per_dollar must be positive")
	}
	if cfg.ReferralBonusPoints < 0 {
		return errors.New("rewards.referral_bonus_points cannot be negative")
	}
	for tier, value := range cfg.Multipliers {
		if !value.IsPositive() {
			return fmt.Errorf("rewards.multipliers.%s must be positive", tier)
		}
	}
	return nil
}
