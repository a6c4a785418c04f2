package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dex-liquidity-bot/internal/dex"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log             LoggingConfig    `yaml:"log"`
	Gateway         GatewayConfig    `yaml:"gateway"`
	MarketSeparator string           `yaml:"market_separator"`
	SafeMode        bool             `yaml:"safe_mode"`
	Interval        time.Duration    `yaml:"interval"`
	MaxConcurrency  int              `yaml:"max_concurrency"`
	Retry           RetryConfig      `yaml:"retry"`
	Throttle        ThrottleConfig   `yaml:"throttle"`
	State           StateConfig      `yaml:"state"`
	Metrics         MetricsConfig    `yaml:"metrics"`
	Timescale       TimescaleConfig  `yaml:"timescale"`
	Telegram        TelegramConfig   `yaml:"telegram"`
	Faucet          FaucetConfig     `yaml:"faucet"`
	Strategies      []StrategyConfig `yaml:"strategies"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type GatewayConfig struct {
	URL            string        `yaml:"url"`
	Account        string        `yaml:"account"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	// WalletPassword unlocks the wallet on connect when set.
	WalletPassword string `yaml:"wallet_password"`
}

// RetryConfig is the backoff policy applied to gateway calls. A zero MaxTries
// disables retrying.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
	MaxTries        uint          `yaml:"max_tries"`
}

type ThrottleConfig struct {
	OrdersPerSecond float64 `yaml:"orders_per_second"`
	Burst           int     `yaml:"burst"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
	// Operator commands (/status, /pause, /resume) are read from ChatID.
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type FaucetConfig struct {
	URL      string        `yaml:"url"`
	Referrer string        `yaml:"referrer"`
	Timeout  time.Duration `yaml:"timeout"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 28
		}
	}
	if cfg.Gateway.URL == "" {
		cfg.Gateway.URL = "ws://cli-wallet:8092"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Gateway.ReconnectDelay == 0 {
		cfg.Gateway.ReconnectDelay = 3 * time.Second
	}
	if cfg.Gateway.PingInterval == 0 {
		cfg.Gateway.PingInterval = 30 * time.Second
	}
	if cfg.MarketSeparator == "" {
		cfg.MarketSeparator = dex.DefaultSeparator
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = 10 * time.Second
	}
	if cfg.Retry.MaxElapsedTime == 0 {
		cfg.Retry.MaxElapsedTime = time.Minute
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry.MaxTries = 4
	}
	if cfg.Throttle.OrdersPerSecond == 0 {
		cfg.Throttle.OrdersPerSecond = 5
	}
	if cfg.Throttle.Burst == 0 {
		cfg.Throttle.Burst = 1
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/liquidity-bot.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9102"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Faucet.URL == "" {
		cfg.Faucet.URL = "https://bitshares.openledger.info"
	}
	if cfg.Faucet.Timeout == 0 {
		cfg.Faucet.Timeout = 30 * time.Second
	}
	for i := range cfg.Strategies {
		s := &cfg.Strategies[i]
		applyStrategyDefaults(s, cfg.MarketSeparator)
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s-%d", s.Kind, i+1)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BOT_GATEWAY_URL")); v != "" {
		cfg.Gateway.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("BOT_ACCOUNT")); v != "" {
		cfg.Gateway.Account = v
	}
	if v := os.Getenv("BOT_WALLET_PASSWORD"); v != "" {
		cfg.Gateway.WalletPassword = v
	}
	if v := strings.TrimSpace(os.Getenv("BOT_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("BOT_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("BOT_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Gateway.Account) == "" {
		return errors.New("gateway.account is required")
	}
	if cfg.Interval < 0 {
		return errors.New("interval must be >= 0")
	}
	if cfg.MaxConcurrency < 0 {
		return errors.New("max_concurrency must be >= 0")
	}
	if cfg.Retry.InitialInterval < 0 || cfg.Retry.MaxInterval < 0 || cfg.Retry.MaxElapsedTime < 0 {
		return errors.New("retry intervals must be >= 0")
	}
	if cfg.Throttle.OrdersPerSecond < 0 || cfg.Throttle.Burst < 0 {
		return errors.New("throttle settings must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram token and chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if len(cfg.Strategies) == 0 {
		return errors.New("at least one strategy is required")
	}
	names := make(map[string]struct{}, len(cfg.Strategies))
	for i := range cfg.Strategies {
		s := &cfg.Strategies[i]
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("strategy name %q is duplicated", s.Name)
		}
		names[s.Name] = struct{}{}
		if err := s.Validate(cfg.MarketSeparator); err != nil {
			return fmt.Errorf("strategy %q: %w", s.Name, err)
		}
	}
	return nil
}
