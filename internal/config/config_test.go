package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/fxengine/internal/market"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "fxengine", cfg.App.Name)
	assert.Equal(t, "mock", cfg.Market.Feed)
	assert.Equal(t, 300*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Guard)
	assert.Equal(t, 5, cfg.Scheduler.KillThreshold)
	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrentSignals)
	assert.Equal(t, 2*time.Hour, cfg.Validator.DedupeWindow)
	assert.Equal(t, []string{"H4", "D1"}, cfg.Validator.Timeframes)
	assert.Equal(t, 24*time.Hour, cfg.Board.MaxSignalAge)
	assert.Equal(t, ":9099", cfg.Transport.Addr)
	assert.Equal(t, 0.02, cfg.Risk.MaxRiskPerTrade)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.Vault.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
market:
  feed: binance
  symbols: [EURUSDT, GBPUSDT]
  timeframe: H4
scheduler:
  tick_interval: 60s
  guard: 5s
  kill_threshold: 3
validator:
  timeframes: [D1]
  min_agreement: 1
  dedupe_window: 90m
risk:
  max_risk_per_trade: 0.01
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.Market.Feed)
	assert.Equal(t, []string{"EURUSDT", "GBPUSDT"}, cfg.Market.Symbols)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 3, cfg.Scheduler.KillThreshold)
	assert.Equal(t, 90*time.Minute, cfg.Validator.DedupeWindow)
	assert.Equal(t, 0.01, cfg.Risk.MaxRiskPerTrade)
	assert.Equal(t, []market.Timeframe{market.TimeframeD1}, cfg.ValidatorTimeframes())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FXENGINE_MARKET_FEED", "binance")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "binance", cfg.Market.Feed)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown feed",
			yaml: "market:\n  feed: oanda\n",
			want: "market.feed",
		},
		{
			name: "unknown timeframe",
			yaml: "market:\n  timeframe: H2\n",
			want: "market.timeframe",
		},
		{
			name: "guard exceeds tick",
			yaml: "scheduler:\n  tick_interval: 5s\n  guard: 10s\n",
			want: "scheduler.guard",
		},
		{
			name: "unknown validator timeframe",
			yaml: "validator:\n  timeframes: [H7]\n",
			want: "validator.timeframes",
		},
		{
			name: "min agreement above timeframe count",
			yaml: "validator:\n  timeframes: [H4]\n  min_agreement: 2\n",
			want: "validator.min_agreement",
		},
		{
			name: "bad risk fraction",
			yaml: "risk:\n  max_risk_per_trade: 1.5\n",
			want: "risk",
		},
		{
			name: "bad telegram strength",
			yaml: "telegram:\n  enabled: true\n  min_strength: HUGE\n",
			want: "telegram.min_strength",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWatchRiskHotReload(t *testing.T) {
	path := writeConfig(t, "risk:\n  max_risk_per_trade: 0.02\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	store, err := cfg.RiskStore()
	require.NoError(t, err)
	cfg.WatchRisk(store)

	require.NoError(t, os.WriteFile(path, []byte("risk:\n  max_risk_per_trade: 0.01\n"), 0o644))
	require.Eventually(t, func() bool {
		return store.Get().MaxRiskPerTrade == 0.01
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchRiskRejectsInvalidReload(t *testing.T) {
	path := writeConfig(t, "risk:\n  max_risk_per_trade: 0.02\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	store, err := cfg.RiskStore()
	require.NoError(t, err)
	cfg.WatchRisk(store)

	require.NoError(t, os.WriteFile(path, []byte("risk:\n  max_risk_per_trade: 5.0\n"), 0o644))

	// The invalid reload must not displace the running parameters.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0.02, store.Get().MaxRiskPerTrade)
}

func TestVaultClientRequiresEnabled(t *testing.T) {
	_, err := NewVaultClient(VaultConfig{Enabled: false})
	assert.Error(t, err)
}
