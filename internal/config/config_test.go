package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		VenueA: VenueConfig{Kind: VenueKindLighter, Ticker: "BTC"},
		VenueB: VenueConfig{Kind: VenueKindGRVT, Ticker: "BTC_USDT_Perp"},
		Hedge:  HedgeConfig{NotionalUSD: 100},
	}
}

func TestHedgeDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Hedge.HoldTime != time.Minute {
		t.Fatalf("expected hold_time default, got %v", cfg.Hedge.HoldTime)
	}
	if cfg.Hedge.Cooldown != 20*time.Second {
		t.Fatalf("expected 20s cooldown default, got %v", cfg.Hedge.Cooldown)
	}
	if cfg.Hedge.AggressiveOffsetPct != 0.25 {
		t.Fatalf("expected aggressive offset default, got %v", cfg.Hedge.AggressiveOffsetPct)
	}
	if cfg.Hedge.FillTimeout != 10*time.Second {
		t.Fatalf("expected fill timeout default, got %v", cfg.Hedge.FillTimeout)
	}
	if cfg.Hedge.QtyTolerancePct != 1 {
		t.Fatalf("expected qty tolerance default, got %v", cfg.Hedge.QtyTolerancePct)
	}
	if cfg.Hedge.DeviationWarnPct != 15 {
		t.Fatalf("expected deviation warn default, got %v", cfg.Hedge.DeviationWarnPct)
	}
	if cfg.Hedge.CloseAttempts != 3 {
		t.Fatalf("expected close attempts default, got %d", cfg.Hedge.CloseAttempts)
	}
	if cfg.Hedge.MonitorInterval != time.Second {
		t.Fatalf("expected monitor interval default, got %v", cfg.Hedge.MonitorInterval)
	}
}

func TestStreamDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Stream.BackoffBase != time.Second {
		t.Fatalf("expected 1s backoff base, got %v", cfg.Stream.BackoffBase)
	}
	if cfg.Stream.BackoffMax != 30*time.Second {
		t.Fatalf("expected 30s backoff ceiling, got %v", cfg.Stream.BackoffMax)
	}
}

func TestVenueURLDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.VenueA.RESTURL == "" || cfg.VenueA.WSURL == "" {
		t.Fatal("expected lighter url defaults")
	}
	if cfg.VenueB.RESTURL == "" || cfg.VenueB.WSURL == "" {
		t.Fatal("expected grvt url defaults")
	}
	if cfg.VenueA.Timeout != 10*time.Second {
		t.Fatalf("expected venue timeout default, got %v", cfg.VenueA.Timeout)
	}
}

func TestValidateRejectsUnknownVenueKind(t *testing.T) {
	cfg := validConfig()
	cfg.VenueA.Kind = "binance"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unsupported venue kind")
	}
}

func TestValidateRequiresNotional(t *testing.T) {
	cfg := validConfig()
	cfg.Hedge.NotionalUSD = 0
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for missing notional")
	}
}

func TestValidateTelegramNeedsCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.Enabled = true
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for telegram without token")
	}
}

func TestValidateBackoffOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Stream.BackoffBase = time.Minute
	cfg.Stream.BackoffMax = time.Second
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for base above ceiling")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log:
  level: debug
venue_a:
  kind: lighter
  ticker: BTC
venue_b:
  kind: grvt
  ticker: BTC_USDT_Perp
hedge:
  notional_usd: 100
  hold_time: 90s
  reverse: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Log.Level)
	}
	if cfg.Hedge.HoldTime != 90*time.Second {
		t.Fatalf("expected 90s hold time, got %v", cfg.Hedge.HoldTime)
	}
	if !cfg.Hedge.Reverse {
		t.Fatal("expected reverse direction")
	}
	if cfg.Hedge.Cooldown != 20*time.Second {
		t.Fatalf("expected cooldown default applied, got %v", cfg.Hedge.Cooldown)
	}
}

func TestEnvOverridesFillSecrets(t *testing.T) {
	t.Setenv("LIGHTER_API_KEY", "lk-1")
	t.Setenv("GRVT_PRIVATE_KEY", "0xabc")
	cfg := validConfig()
	applyEnvOverrides(cfg)
	if cfg.VenueA.APIKey != "lk-1" {
		t.Fatalf("expected lighter api key from env, got %q", cfg.VenueA.APIKey)
	}
	if cfg.VenueB.PrivateKey != "0xabc" {
		t.Fatalf("expected grvt private key from env, got %q", cfg.VenueB.PrivateKey)
	}
}

func TestEnvOverrideDoesNotClobberFileValue(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	cfg := validConfig()
	cfg.Telegram.Token = "file-token"
	applyEnvOverrides(cfg)
	if cfg.Telegram.Token != "file-token" {
		t.Fatalf("expected file value kept, got %q", cfg.Telegram.Token)
	}
}
