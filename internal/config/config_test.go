package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.RESTPort)
	assert.Equal(t, 50060, cfg.GRPCPort)
	assert.Equal(t, 120, cfg.SessionTTLSeconds)
	assert.Equal(t, 30, cfg.ReconnectTimeout)
	assert.Equal(t, 30, cfg.PollInterval)
	assert.Equal(t, 30, cfg.GapToleranceSeconds)
	assert.Equal(t, 7200, cfg.ReplayMaxGapSeconds)
	assert.Equal(t, 1, cfg.DBMinConnections)
	assert.Equal(t, 10, cfg.DBMaxConnections)
	assert.Equal(t, []string{"AAPL", "MSFT", "GOOG", "AMZN", "NVDA"}, cfg.Symbols)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("SESSION_TTL_SECONDS", "45")
	t.Setenv("SYMBOLS", "TSLA, META ,AMD")
	t.Setenv("SPREAD_BPS", "25.5")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.SessionTTLSeconds)
	assert.Equal(t, []string{"TSLA", "META", "AMD"}, cfg.Symbols)
	assert.InDelta(t, 25.5, cfg.SpreadBps, 1e-9)
	assert.True(t, cfg.LogPretty)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			SessionTTLSeconds:   120,
			ReconnectTimeout:    30,
			PollInterval:        30,
			DBMinConnections:    1,
			DBMaxConnections:    10,
			GapToleranceSeconds: 30,
			ReplayMaxGapSeconds: 7200,
			ImpactDecayRate:     0.1,
			Symbols:             []string{"AAPL"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero ttl", func(c *Config) { c.SessionTTLSeconds = 0 }, "SESSION_TTL_SECONDS"},
		{"poll too slow", func(c *Config) { c.PollInterval = 60 }, "POLL_INTERVAL"},
		{"pool inverted", func(c *Config) { c.DBMaxConnections = 0 }, "DB pool"},
		{"tolerance above cap", func(c *Config) { c.GapToleranceSeconds = 8000 }, "GAP_TOLERANCE_SECONDS"},
		{"no symbols", func(c *Config) { c.Symbols = nil }, "SYMBOLS"},
		{"decay out of range", func(c *Config) { c.ImpactDecayRate = 1.5 }, "IMPACT_DECAY_RATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetEnvAsSliceTrimsEmpties(t *testing.T) {
	t.Setenv("TEST_SYMBOLS_LIST", "AAPL,,  ,MSFT")
	assert.Equal(t, []string{"AAPL", "MSFT"}, getEnvAsSlice("TEST_SYMBOLS_LIST", nil))
}
