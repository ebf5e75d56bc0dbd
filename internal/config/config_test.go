package config

import (
	"testing"
	"time"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret-0123456789-test-secret")
	t.Setenv("WEBHOOK_SKIP_SIG", "true")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.BettingCutoff)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.True(t, cfg.PayoutMultiplier.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, domain.Dollars(1).Micros(), cfg.MinBet)
	assert.Equal(t, domain.Dollars(100).Micros(), cfg.MaxBetStandard)
	assert.Equal(t, domain.Dollars(1000).Micros(), cfg.MaxBetPremium)
	assert.Equal(t, domain.Dollars(2000).Micros(), cfg.DailyWithdrawalCap)
	assert.Equal(t, domain.Dollars(1000).Micros(), cfg.DemoStartingBalance)
	assert.True(t, cfg.AffiliateShare.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, cfg.DemoEnabled)
	assert.Empty(t, cfg.ArchiveBucket)
}

func TestLoad_PrefixedAliases(t *testing.T) {
	setRequired(t)
	t.Setenv("ROUNDS_BETTING_CUTOFF", "45s")
	t.Setenv("ROUNDS_MAX_BET_STANDARD", "50.50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.BettingCutoff)
	assert.Equal(t, int64(50_500_000), cfg.MaxBetStandard)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"short secret", "JWT_SECRET", "short"},
		{"bad cutoff", "BETTING_CUTOFF", "10m"},
		{"bad duration", "TICK_INTERVAL", "soon"},
		{"multiplier too low", "PAYOUT_MULTIPLIER", "1"},
		{"share above one", "AFFILIATE_SHARE", "1.5"},
		{"inverted limits", "MIN_BET", "500"},
		{"bad amount", "DAILY_WITHDRAWAL_CAP", "lots"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_RequiresHMACKeyWhenVerifying(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBHOOK_SKIP_SIG", "false")
	t.Setenv("WEBHOOK_HMAC_KEY", "")

	_, err := Load()
	assert.ErrorContains(t, err, "WEBHOOK_HMAC_KEY")
}
