package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, LedgerBackendSQL, cfg.LedgerBackend)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.Equal(t, "premium", cfg.AccessLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PAYKIT_BASE_URL", "https://authority.test")
	t.Setenv("RETRY_DELAY", "250ms")
	t.Setenv("LEDGER_BACKEND", "memory")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "https://authority.test", cfg.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, LedgerBackendMemory, cfg.LedgerBackend)
}

func TestRedisLedgerNeedsURL(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "redis")
	t.Setenv("REDIS_URL", "")

	_, err := Load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestUnknownLedgerBackend(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "floppy")

	_, err := Load(viper.New())
	require.Error(t, err)
}
