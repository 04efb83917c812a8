package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FREE_MONTHLY_LIMIT", "")
	t.Setenv("DEFAULT_MAX_RETRIES", "")
	t.Setenv("RETRY_BACKOFF_BASE", "")
	t.Setenv("UNLIMITED_CUTOVER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(100), cfg.FreeMonthlyLimit)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.RetryBackoffBase)
	assert.Equal(t, "@hourly", cfg.JanitorSchedule)
	assert.Equal(t, "9091", cfg.WorkerMetricsPort)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FREE_MONTHLY_LIMIT", "250")
	t.Setenv("RETRY_BACKOFF_BASE", "30s")
	t.Setenv("UNLIMITED_CUTOVER", "2024-06-01T00:00:00Z")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(250), cfg.FreeMonthlyLimit)
	assert.Equal(t, 30*time.Second, cfg.RetryBackoffBase)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), cfg.UnlimitedCutover)
}

func TestLoad_InvalidCutover(t *testing.T) {
	t.Setenv("UNLIMITED_CUTOVER", "last tuesday")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_MissingSecrets(t *testing.T) {
	cfg := Config{FreeMonthlyLimit: 100, DefaultMaxRetries: 3}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_SECRET")
	assert.Contains(t, err.Error(), "HASH_SECRET")
	assert.Contains(t, err.Error(), "SESSION_SECRET")

	cfg.EncryptionSecret = "enc"
	cfg.HashSecret = "hash"
	cfg.SessionSecret = "session"
	assert.NoError(t, cfg.Validate())
}
