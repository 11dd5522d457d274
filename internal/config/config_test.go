package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaultsWhenEnvUnset(t *testing.T) {
	t.Setenv("SENTINEL_DATA_DIR", t.TempDir())
	t.Setenv("SENTINEL_BROKER_ENV", "")
	t.Setenv("SENTINEL_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, BrokerSim, cfg.BrokerEnv)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestValidate_RejectsUnknownBrokerEnv(t *testing.T) {
	cfg := &Config{BrokerEnv: "WRONG"}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_AcceptsSimAndLive(t *testing.T) {
	assert.NoError(t, (&Config{BrokerEnv: BrokerSim, TradingMode: "long_term"}).Validate())
	assert.NoError(t, (&Config{BrokerEnv: BrokerLive, TradingMode: "long_term"}).Validate())
}

func TestValidate_RejectsUnknownTradingMode(t *testing.T) {
	cfg := &Config{BrokerEnv: BrokerSim, TradingMode: "day_trading"}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestGetEnvAsInt_FallsBackOnMalformedValue(t *testing.T) {
	t.Setenv("SENTINEL_TEST_INT", "not-a-number")
	assert.Equal(t, 42, getEnvAsInt("SENTINEL_TEST_INT", 42))
}

func TestGetEnvAsBool_FallsBackOnMalformedValue(t *testing.T) {
	t.Setenv("SENTINEL_TEST_BOOL", "not-a-bool")
	assert.Equal(t, true, getEnvAsBool("SENTINEL_TEST_BOOL", true))
}
