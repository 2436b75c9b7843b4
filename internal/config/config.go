// Package config loads engine configuration from YAML and environment
// variables, resolves secrets from Vault, and hot-reloads the risk
// parameter section on file change.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/risk"
	"github.com/quantflow/fxengine/internal/signal"
)

// Config holds all engine configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Market     MarketConfig     `mapstructure:"market"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Validator  ValidatorConfig  `mapstructure:"validator"`
	Risk       risk.Params      `mapstructure:"risk"`
	Account    AccountConfig    `mapstructure:"account"`
	Board      BoardConfig      `mapstructure:"board"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Status     StatusConfig     `mapstructure:"status"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Vault      VaultConfig      `mapstructure:"vault"`

	v *viper.Viper
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// MarketConfig selects the price feed.
type MarketConfig struct {
	Feed        string   `mapstructure:"feed"` // "mock" or "binance"
	Symbols     []string `mapstructure:"symbols"`
	Timeframe   string   `mapstructure:"timeframe"`
	HistoryBars int      `mapstructure:"history_bars"`
}

// SchedulerConfig controls the tick loop.
type SchedulerConfig struct {
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	Guard                time.Duration `mapstructure:"guard"`
	Workers              int           `mapstructure:"workers"`
	KillThreshold        int           `mapstructure:"kill_threshold"`
	MaxConcurrentSignals int           `mapstructure:"max_concurrent_signals"`
}

// ValidatorConfig controls cross-timeframe validation and dedupe.
type ValidatorConfig struct {
	Timeframes   []string      `mapstructure:"timeframes"`
	MinAgreement int           `mapstructure:"min_agreement"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
}

// AccountConfig seeds account state before the first EA status report.
type AccountConfig struct {
	FallbackEquity float64 `mapstructure:"fallback_equity"`
}

// BoardConfig controls the on-disk signal board.
type BoardConfig struct {
	Dir          string        `mapstructure:"dir"`
	MaxSignalAge time.Duration `mapstructure:"max_signal_age"`
	MaxSignals   int           `mapstructure:"max_signals"`
}

// TransportConfig controls the EA TCP listener.
type TransportConfig struct {
	Addr                string        `mapstructure:"addr"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	SlowConsumerTimeout time.Duration `mapstructure:"slow_consumer_timeout"`
	EAInfoWindow        time.Duration `mapstructure:"ea_info_window"`
}

// DatabaseConfig contains PostgreSQL settings for the trade archive.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// RedisConfig contains Redis settings for the dedupe index.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains the signal bus settings.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// TelegramConfig contains alert channel settings.
type TelegramConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	BotToken    string  `mapstructure:"bot_token"`
	ChatIDs     []int64 `mapstructure:"chat_ids"`
	MinStrength string  `mapstructure:"min_strength"`
}

// StatusConfig contains the REST status server settings.
type StatusConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	BackendURL string `mapstructure:"backend_url"`
}

// MonitoringConfig contains Prometheus settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load reads configuration from file and FXENGINE_ environment
// variables. A missing config file is not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("FXENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.v = v

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fxengine")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("market.feed", "mock")
	v.SetDefault("market.symbols", []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD"})
	v.SetDefault("market.timeframe", "H1")
	v.SetDefault("market.history_bars", 500)

	v.SetDefault("scheduler.tick_interval", "300s")
	v.SetDefault("scheduler.guard", "10s")
	v.SetDefault("scheduler.workers", 0)
	v.SetDefault("scheduler.kill_threshold", 5)
	v.SetDefault("scheduler.max_concurrent_signals", 10)

	v.SetDefault("validator.timeframes", []string{"H4", "D1"})
	v.SetDefault("validator.min_agreement", 1)
	v.SetDefault("validator.dedupe_window", "2h")

	v.SetDefault("risk.max_risk_per_trade", 0.02)
	v.SetDefault("risk.max_daily_drawdown", 0.05)
	v.SetDefault("risk.max_correlation", 0.8)
	v.SetDefault("risk.max_exposure_per_instrument", 0.1)
	v.SetDefault("risk.max_volume_per_trade", 10000.0)
	v.SetDefault("risk.max_open_positions", 10)

	v.SetDefault("account.fallback_equity", 10000.0)

	v.SetDefault("board.dir", "signals")
	v.SetDefault("board.max_signal_age", "24h")
	v.SetDefault("board.max_signals", 50)

	v.SetDefault("transport.addr", ":9099")
	v.SetDefault("transport.heartbeat_interval", "30s")
	v.SetDefault("transport.slow_consumer_timeout", "5s")
	v.SetDefault("transport.ea_info_window", "10s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.url", "postgres://postgres@localhost:5432/fxengine?sslmode=disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "fxengine.signals")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.min_strength", "STRONG")

	v.SetDefault("status.host", "0.0.0.0")
	v.SetDefault("status.port", 8081)
	v.SetDefault("status.backend_url", "")

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.auth_method", "token")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "fxengine/production")
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Market.Feed {
	case "mock", "binance":
	default:
		return fmt.Errorf("market.feed must be mock or binance, got %q", c.Market.Feed)
	}
	if len(c.Market.Symbols) == 0 {
		return fmt.Errorf("market.symbols must not be empty")
	}
	if market.Timeframe(c.Market.Timeframe).Duration() == 0 {
		return fmt.Errorf("market.timeframe %q is not a known timeframe", c.Market.Timeframe)
	}

	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.Guard <= 0 || c.Scheduler.Guard >= c.Scheduler.TickInterval {
		return fmt.Errorf("scheduler.guard must be in (0, tick_interval)")
	}
	if c.Scheduler.KillThreshold <= 0 {
		return fmt.Errorf("scheduler.kill_threshold must be positive")
	}

	for _, tf := range c.Validator.Timeframes {
		if market.Timeframe(tf).Duration() == 0 {
			return fmt.Errorf("validator.timeframes contains unknown timeframe %q", tf)
		}
	}
	if c.Validator.MinAgreement < 0 || c.Validator.MinAgreement > len(c.Validator.Timeframes) {
		return fmt.Errorf("validator.min_agreement must be in [0, %d]", len(c.Validator.Timeframes))
	}

	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	if c.Telegram.Enabled {
		if signal.Strength(c.Telegram.MinStrength).Rank() == 0 && c.Telegram.MinStrength != string(signal.StrengthWeak) {
			return fmt.Errorf("telegram.min_strength %q is not a known strength", c.Telegram.MinStrength)
		}
	}
	return nil
}

// ValidatorTimeframes returns the validator timeframes as market types.
func (c *Config) ValidatorTimeframes() []market.Timeframe {
	out := make([]market.Timeframe, 0, len(c.Validator.Timeframes))
	for _, tf := range c.Validator.Timeframes {
		out = append(out, market.Timeframe(tf))
	}
	return out
}

// RiskStore seeds a hot-reloadable store with the loaded risk section.
func (c *Config) RiskStore() (*risk.Store, error) {
	return risk.NewStore(c.Risk)
}

// WatchRisk reloads the risk section into the store whenever the config
// file changes. Invalid reloads are rejected and the previous parameters
// stay in force.
func (c *Config) WatchRisk(store *risk.Store) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(in fsnotify.Event) {
		logger := NewLogger("config")
		var next Config
		if err := c.v.Unmarshal(&next); err != nil {
			logger.Error().Err(err).Msg("Config reload failed to parse")
			return
		}
		if err := store.Swap(next.Risk); err != nil {
			logger.Error().Err(err).Msg("Config reload rejected")
		}
	})
	c.v.WatchConfig()
}
