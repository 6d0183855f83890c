package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestReadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Read()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "TOKEN", cfg.DefaultUnit)
	assert.Equal(t, 72*time.Hour, cfg.HoldTTL)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, time.Minute, cfg.ExpirySweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.ReconciliationInterval)
	assert.Equal(t, 7, cfg.ReconcileFullEvery)
	assert.Empty(t, cfg.RedisURL)
	assert.True(t, cfg.RunMigrations)
}

func TestReadPrefixedOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEDGER_PORT", "9090")
	t.Setenv("LEDGER_HOLD_TTL", "30m")
	t.Setenv("DEFAULT_UNIT", "gem")
	t.Setenv("LEDGER_PAYOUT_BATCH_SIZE", "0")

	cfg, err := Read()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, 30*time.Minute, cfg.HoldTTL)
	assert.Equal(t, "GEM", cfg.DefaultUnit)
	assert.Equal(t, 1, cfg.PayoutBatchSize)
}

func TestReadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"HOLD_TTL":             "soon",
		"LOCK_TIMEOUT":         "-1s",
		"GATEWAY_FAILURE_RATE": "1.5",
		"TREASURY_SUPPLY":      "-10",
	}
	for env, value := range cases {
		t.Run(env, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(env, value)
			_, err := Read()
			require.Error(t, err)
		})
	}
}

func TestLoadValidatesServerSettings(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load()
	require.ErrorContains(t, err, "JWT_SECRET is required")

	t.Setenv("JWT_SECRET", "short")
	_, err = Load()
	require.ErrorContains(t, err, "at least 32")

	t.Setenv("JWT_SECRET", testSecret)
	_, err = Load()
	require.ErrorContains(t, err, "WEBHOOK_HMAC_KEY")

	t.Setenv("LEDGER_WEBHOOK_SKIP_SIG", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.WebhookSkipSignature)
}
