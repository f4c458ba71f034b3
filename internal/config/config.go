package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	VenueKindLighter = "lighter"
	VenueKindGRVT    = "grvt"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	VenueA   VenueConfig    `yaml:"venue_a"`
	VenueB   VenueConfig    `yaml:"venue_b"`
	Stream   StreamConfig   `yaml:"stream"`
	Hedge    HedgeConfig    `yaml:"hedge"`
	State    StateConfig    `yaml:"state"`
	Journal  JournalConfig  `yaml:"journal"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
	Lark     LarkConfig     `yaml:"lark"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type VenueConfig struct {
	Kind       string        `yaml:"kind"`
	Ticker     string        `yaml:"ticker"`
	RESTURL    string        `yaml:"rest_url"`
	WSURL      string        `yaml:"ws_url"`
	Timeout    time.Duration `yaml:"timeout"`
	APIKey     string        `yaml:"api_key"`
	PrivateKey string        `yaml:"private_key"`
	SubAccount string        `yaml:"sub_account"`
}

type StreamConfig struct {
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

type HedgeConfig struct {
	NotionalUSD         float64       `yaml:"notional_usd"`
	HoldTime            time.Duration `yaml:"hold_time"`
	TakeProfitPct       float64       `yaml:"take_profit_pct"`
	StopLossPct         float64       `yaml:"stop_loss_pct"`
	Reverse             bool          `yaml:"reverse"`
	Cooldown            time.Duration `yaml:"cooldown"`
	AggressiveOffsetPct float64       `yaml:"aggressive_offset_pct"`
	FillTimeout         time.Duration `yaml:"fill_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	QtyTolerancePct     float64       `yaml:"qty_tolerance_pct"`
	DeviationWarnPct    float64       `yaml:"deviation_warn_pct"`
	CloseAttempts       int           `yaml:"close_attempts"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`
	MinBalanceUSD       float64       `yaml:"min_balance_usd"`
	MaxCycles           int           `yaml:"max_cycles"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type JournalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Token        string        `yaml:"token"`
	ChatID       string        `yaml:"chat_id"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LarkConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
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
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnvOverrides fills secrets from the environment so they never
// have to live in the yaml file. File values win when both are set.
func applyEnvOverrides(cfg *Config) {
	overrideVenue(&cfg.VenueA)
	overrideVenue(&cfg.VenueB)
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Telegram.ChatID == "" {
		cfg.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")
	}
	if cfg.Lark.WebhookURL == "" {
		cfg.Lark.WebhookURL = os.Getenv("LARK_WEBHOOK_URL")
	}
	if cfg.History.DSN == "" {
		cfg.History.DSN = os.Getenv("HISTORY_DSN")
	}
}

func overrideVenue(vc *VenueConfig) {
	prefix := strings.ToUpper(vc.Kind)
	if prefix == "" {
		return
	}
	if vc.APIKey == "" {
		vc.APIKey = os.Getenv(prefix + "_API_KEY")
	}
	if vc.PrivateKey == "" {
		vc.PrivateKey = os.Getenv(prefix + "_PRIVATE_KEY")
	}
	if vc.SubAccount == "" {
		vc.SubAccount = os.Getenv(prefix + "_SUB_ACCOUNT")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	applyVenueDefaults(&cfg.VenueA)
	applyVenueDefaults(&cfg.VenueB)
	if cfg.Stream.BackoffBase == 0 {
		cfg.Stream.BackoffBase = time.Second
	}
	if cfg.Stream.BackoffMax == 0 {
		cfg.Stream.BackoffMax = 30 * time.Second
	}
	if cfg.Stream.ReadyTimeout == 0 {
		cfg.Stream.ReadyTimeout = 30 * time.Second
	}
	if cfg.Hedge.HoldTime == 0 {
		cfg.Hedge.HoldTime = time.Minute
	}
	if cfg.Hedge.TakeProfitPct == 0 {
		cfg.Hedge.TakeProfitPct = 50
	}
	if cfg.Hedge.StopLossPct == 0 {
		cfg.Hedge.StopLossPct = 50
	}
	if cfg.Hedge.Cooldown == 0 {
		cfg.Hedge.Cooldown = 20 * time.Second
	}
	if cfg.Hedge.AggressiveOffsetPct == 0 {
		cfg.Hedge.AggressiveOffsetPct = 0.25
	}
	if cfg.Hedge.FillTimeout == 0 {
		cfg.Hedge.FillTimeout = 10 * time.Second
	}
	if cfg.Hedge.PollInterval == 0 {
		cfg.Hedge.PollInterval = 200 * time.Millisecond
	}
	if cfg.Hedge.QtyTolerancePct == 0 {
		cfg.Hedge.QtyTolerancePct = 1
	}
	if cfg.Hedge.DeviationWarnPct == 0 {
		cfg.Hedge.DeviationWarnPct = 15
	}
	if cfg.Hedge.CloseAttempts == 0 {
		cfg.Hedge.CloseAttempts = 3
	}
	if cfg.Hedge.MonitorInterval == 0 {
		cfg.Hedge.MonitorInterval = time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hedge-volume-bot.db"
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "data/journal.msgpack"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
	if cfg.History.Table == "" {
		cfg.History.Table = "hedge_cycles"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 2 * time.Second
	}
}

func applyVenueDefaults(vc *VenueConfig) {
	if vc.Timeout == 0 {
		vc.Timeout = 10 * time.Second
	}
	switch vc.Kind {
	case VenueKindLighter:
		if vc.RESTURL == "" {
			vc.RESTURL = "https://mainnet.zklighter.elliot.ai"
		}
		if vc.WSURL == "" {
			vc.WSURL = "wss://mainnet.zklighter.elliot.ai/stream"
		}
	case VenueKindGRVT:
		if vc.RESTURL == "" {
			vc.RESTURL = "https://trades.grvt.io"
		}
		if vc.WSURL == "" {
			vc.WSURL = "wss://trades.grvt.io/ws"
		}
	}
}

func validate(cfg *Config) error {
	if err := validateVenue("venue_a", cfg.VenueA); err != nil {
		return err
	}
	if err := validateVenue("venue_b", cfg.VenueB); err != nil {
		return err
	}
	if cfg.Hedge.NotionalUSD <= 0 {
		return errors.New("hedge.notional_usd must be > 0")
	}
	if cfg.Hedge.TakeProfitPct < 0 || cfg.Hedge.StopLossPct < 0 {
		return errors.New("hedge thresholds must not be negative")
	}
	if cfg.Stream.BackoffBase > cfg.Stream.BackoffMax {
		return errors.New("stream.backoff_base exceeds stream.backoff_max")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram enabled without token/chat_id")
	}
	if cfg.Lark.Enabled && cfg.Lark.WebhookURL == "" {
		return errors.New("lark enabled without webhook_url")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history enabled without dsn")
	}
	return nil
}

func validateVenue(name string, vc VenueConfig) error {
	switch vc.Kind {
	case VenueKindLighter, VenueKindGRVT:
	case "":
		return fmt.Errorf("%s.kind is required", name)
	default:
		return fmt.Errorf("%s.kind %q is not supported", name, vc.Kind)
	}
	if vc.Ticker == "" {
		return fmt.Errorf("%s.ticker is required", name)
	}
	return nil
}
