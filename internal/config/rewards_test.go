package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRewardsDefaults(t *testing.T) {
	t.Setenv("REWARDS_CONFIG_FILE", "")
	t.Chdir(t.TempDir())

	cfg, err := LoadRewards()
	require.NoError(t, err)

	assert.Equal(t, "10", cfg.PointsPerDollar.String())
	assert.Equal(t, TierThresholds{Bronze: 0, Silver: 1000, Gold: 5000, Platinum: 10000}, cfg.Thresholds)
	assert.False(t, cfg.MultipliersEnabled)
	assert.Equal(t, int64(500), cfg.ReferralBonusPoints)
	assert.Equal(t, "1", cfg.Multiplier("gold").String())
}

func TestLoadRewardsFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rewards.yml")
	content := []byte(`rewards:
  points_per_dollar: "2.5"
  tiers:
    bronze: 0
    silver: 100
    gold: 200
    platinum: 300
  multipliers:
    enabled: true
    gold: "2"
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("REWARDS_CONFIG_FILE", path)
	t.Setenv("REWARDS_REFERRAL_BONUS_POINTS", "42")

	cfg, err := LoadRewards()
	require.NoError(t, err)

	assert.Equal(t, "2.5", cfg.PointsPerDollar.String())
	assert.Equal(t, int64(300), cfg.Thresholds.Platinum)
	assert.Equal(t, int64(42), cfg.ReferralBonusPoints)
	assert.Equal(t, "2", cfg.Multiplier("Gold").String())
	assert.Equal(t, "1.1", cfg.Multiplier("silver").String())
}

func TestLoadRewardsRejectsNonPositiveRate(t *testing.T) {
	t.Setenv("REWARDS_CONFIG_FILE", "")
	t.Chdir(t.TempDir())
	t.Setenv("REWARDS_POINTS_PER_DOLLAR", "0")

	_, err := LoadRewards()
	require.Error(t, err)
}

func TestLoadProviderSecrets(t *testing.T) {
	t.Setenv("PAYMENT_STRIPE_SECRET", "whsec_test")
	t.Setenv("PAYMENT_PAYPAL_SECRET", "pp_secret")
	t.Setenv("PAYMENT_PAYPAL_WEBHOOK_ID", "WH-1")

	cfg := Load()

	stripe, ok := cfg.Payments.Provider("Stripe")
	require.True(t, ok)
	assert.Equal(t, "whsec_test", stripe.Secret)

	paypal, ok := cfg.Payments.Provider("paypal")
	require.True(t, ok)
	assert.Equal(t, "WH-1", paypal.WebhookID)

	_, ok = cfg.Payments.Provider("zelle")
	assert.False(t, ok)
}

func TestParsePairs(t *testing.T) {
	got := parsePairs(" eur=1.08, GBP = 1.27 ,bad,=3,")
	assert.Equal(t, map[string]string{"EUR": "1.08", "GBP": "1.27"}, got)
}
