package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Strategy StrategyConfig `yaml:"strategy"`
	Risk     RiskConfig     `yaml:"risk"`
	Margin   MarginConfig   `yaml:"margin"`
	Schedule ScheduleConfig `yaml:"schedule"`
	State    StateConfig    `yaml:"state"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Feed     FeedConfig     `yaml:"feed"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type GatewayConfig struct {
	CallsPerSecond float64       `yaml:"calls_per_second"`
	Burst          int           `yaml:"burst"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryMinDelay  time.Duration `yaml:"retry_min_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

type StrategyConfig struct {
	Tokens           []string `yaml:"tokens"`
	Venues           []string `yaml:"venues"`
	NotionalUSD      float64  `yaml:"notional_usd"`
	Leverage         float64  `yaml:"leverage"`
	MinEdgeUSD       float64  `yaml:"min_edge_usd"`
	StopFundingDiff  float64  `yaml:"stop_funding_diff"`
	TargetProfitUSD  float64  `yaml:"target_profit_usd"`
	BorrowRateHourly float64  `yaml:"borrow_rate_hourly"`

	ScanInterval       time.Duration `yaml:"scan_interval"`
	HedgeCheckInterval time.Duration `yaml:"hedge_check_interval"`
	MarginInterval     time.Duration `yaml:"margin_interval"`
	ReconInterval      time.Duration `yaml:"recon_interval"`

	ValidationTimeout time.Duration `yaml:"validation_timeout"`
	VerifyTimeout     time.Duration `yaml:"verify_timeout"`
	EmergencyTimeout  time.Duration `yaml:"emergency_timeout"`

	MinHoldTime time.Duration `yaml:"min_hold_time"`
}

type RiskConfig struct {
	MaxNotionalPerVenueUSD float64 `yaml:"max_notional_per_venue_usd"`
	MaxTotalNotionalUSD    float64 `yaml:"max_total_notional_usd"`
	MaxLeverage            float64 `yaml:"max_leverage"`
	MaxConcentrationPct    float64 `yaml:"max_concentration_pct"`
	MaxImpactRatio         float64 `yaml:"max_impact_ratio"`
	MaxHedgeGapPct         float64 `yaml:"max_hedge_gap_pct"`
}

type MarginConfig struct {
	SafetyBuffer      float64 `yaml:"safety_buffer"`
	MaxLeverage       float64 `yaml:"max_leverage"`
	DeleverageTarget  float64 `yaml:"deleverage_target"`
	MinLiqDistancePct float64 `yaml:"min_liq_distance_pct"`
}

type ScheduleConfig struct {
	MinHorizon      time.Duration `yaml:"min_horizon"`
	LookaheadWindow time.Duration `yaml:"lookahead_window"`
}

type StateConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	ClosedArchive int    `yaml:"closed_archive"`
}

type HistoryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnvOverrides lets secrets come from the environment instead of
// the config file. Environment values win.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARB_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ARB_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("ARB_HISTORY_DSN"); v != "" {
		cfg.History.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Gateway.CallsPerSecond == 0 {
		cfg.Gateway.CallsPerSecond = 10
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 5
	}
	if cfg.Gateway.RetryAttempts == 0 {
		cfg.Gateway.RetryAttempts = 3
	}
	if cfg.Gateway.RetryMinDelay == 0 {
		cfg.Gateway.RetryMinDelay = 200 * time.Millisecond
	}
	if cfg.Gateway.RetryMaxDelay == 0 {
		cfg.Gateway.RetryMaxDelay = 2 * time.Second
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 1
	}
	if cfg.Strategy.StopFundingDiff == 0 {
		cfg.Strategy.StopFundingDiff = -0.0001
	}
	if cfg.Strategy.BorrowRateHourly == 0 {
		cfg.Strategy.BorrowRateHourly = 0.00001
	}
	if cfg.Strategy.ScanInterval == 0 {
		cfg.Strategy.ScanInterval = 30 * time.Second
	}
	if cfg.Strategy.HedgeCheckInterval == 0 {
		cfg.Strategy.HedgeCheckInterval = 10 * time.Second
	}
	if cfg.Strategy.MarginInterval == 0 {
		cfg.Strategy.MarginInterval = 30 * time.Second
	}
	if cfg.Strategy.ReconInterval == 0 {
		cfg.Strategy.ReconInterval = 5 * time.Minute
	}
	if cfg.Strategy.ValidationTimeout == 0 {
		cfg.Strategy.ValidationTimeout = 10 * time.Second
	}
	if cfg.Strategy.VerifyTimeout == 0 {
		cfg.Strategy.VerifyTimeout = 30 * time.Second
	}
	if cfg.Strategy.EmergencyTimeout == 0 {
		cfg.Strategy.EmergencyTimeout = 15 * time.Second
	}
	if cfg.Strategy.MinHoldTime == 0 {
		cfg.Strategy.MinHoldTime = 10 * time.Minute
	}
	if cfg.Risk.MaxNotionalPerVenueUSD == 0 {
		cfg.Risk.MaxNotionalPerVenueUSD = 50000
	}
	if cfg.Risk.MaxTotalNotionalUSD == 0 {
		cfg.Risk.MaxTotalNotionalUSD = 200000
	}
	if cfg.Risk.MaxLeverage == 0 {
		cfg.Risk.MaxLeverage = 10
	}
	if cfg.Risk.MaxConcentrationPct == 0 {
		cfg.Risk.MaxConcentrationPct = 0.3
	}
	if cfg.Risk.MaxImpactRatio == 0 {
		cfg.Risk.MaxImpactRatio = 0.5
	}
	if cfg.Risk.MaxHedgeGapPct == 0 {
		cfg.Risk.MaxHedgeGapPct = 0.1
	}
	if cfg.Margin.SafetyBuffer == 0 {
		cfg.Margin.SafetyBuffer = 0.2
	}
	if cfg.Margin.MaxLeverage == 0 {
		cfg.Margin.MaxLeverage = 5
	}
	if cfg.Margin.DeleverageTarget == 0 {
		cfg.Margin.DeleverageTarget = 3
	}
	if cfg.Margin.MinLiqDistancePct == 0 {
		cfg.Margin.MinLiqDistancePct = 0.15
	}
	if cfg.Schedule.MinHorizon == 0 {
		cfg.Schedule.MinHorizon = 30 * time.Minute
	}
	if cfg.Schedule.LookaheadWindow == 0 {
		cfg.Schedule.LookaheadWindow = 24 * time.Hour
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-arb-bot.db"
	}
	if cfg.State.ClosedArchive == 0 {
		cfg.State.ClosedArchive = 500
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Strategy.Tokens) == 0 {
		return errors.New("strategy.tokens is required")
	}
	if len(cfg.Strategy.Venues) < 2 {
		return errors.New("strategy.venues requires at least two venues")
	}
	if cfg.Strategy.NotionalUSD <= 0 {
		return errors.New("strategy.notional_usd must be > 0")
	}
	if cfg.Strategy.NotionalUSD > cfg.Risk.MaxNotionalPerVenueUSD {
		return fmt.Errorf("strategy.notional_usd %.2f exceeds risk.max_notional_per_venue_usd %.2f",
			cfg.Strategy.NotionalUSD, cfg.Risk.MaxNotionalPerVenueUSD)
	}
	if cfg.Strategy.Leverage > cfg.Risk.MaxLeverage {
		return errors.New("strategy.leverage exceeds risk.max_leverage")
	}
	if cfg.Risk.MaxHedgeGapPct <= 0 || cfg.Risk.MaxHedgeGapPct >= 1 {
		return errors.New("risk.max_hedge_gap_pct must be in (0, 1)")
	}
	if cfg.Margin.DeleverageTarget >= cfg.Margin.MaxLeverage {
		return errors.New("margin.deleverage_target must be below margin.max_leverage")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
