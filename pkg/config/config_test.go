package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validTuning = `
strategy:
  short_period: 9
  long_period: 21
risk:
  risk_per_trade: 0.02
  atr_multiplier: 1.5
  tp1_risk_reward: 2.0
  tp1_close_fraction: 0.5
  move_sl_to_breakeven: true
  min_balance: 100
  qty_step: 0.001
  min_order_qty: 0.001
  pending_timeout_seconds: 90
`

func writeTuning(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write tuning: %v", err)
	}
	return path
}

func TestLoadReadsEnvAndTuning(t *testing.T) {
	t.Setenv("TUNING_FILE", writeTuning(t, validTuning))
	t.Setenv("SYMBOL", "ETHUSDT")
	t.Setenv("BYBIT_TESTNET", "true")
	t.Setenv("BYBIT_API_KEY", "")
	t.Setenv("BYBIT_API_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Symbol != "ETHUSDT" {
		t.Errorf("symbol = %s", cfg.Symbol)
	}
	if cfg.Strategy.ShortPeriod != 9 || cfg.Strategy.LongPeriod != 21 {
		t.Errorf("strategy = %+v", cfg.Strategy)
	}
	if cfg.Risk.RiskPerTrade != 0.02 {
		t.Errorf("risk per trade = %v", cfg.Risk.RiskPerTrade)
	}
	if cfg.Risk.PendingTimeout != 90*time.Second {
		t.Errorf("pending timeout = %v", cfg.Risk.PendingTimeout)
	}
	if !cfg.Risk.MoveSLToBreakeven {
		t.Error("move_sl_to_breakeven lost")
	}
}

func TestLoadRejectsLiveWithoutCredentials(t *testing.T) {
	t.Setenv("TUNING_FILE", writeTuning(t, validTuning))
	t.Setenv("BYBIT_TESTNET", "false")
	t.Setenv("BYBIT_API_KEY", "")
	t.Setenv("BYBIT_API_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("live config without credentials must fail")
	}
}

func TestLoadRejectsBadRisk(t *testing.T) {
	bad := `
risk:
  risk_per_trade: 0.9
  qty_step: 0.001
  min_order_qty: 0.001
`
	t.Setenv("TUNING_FILE", writeTuning(t, bad))
	t.Setenv("BYBIT_TESTNET", "true")
	if _, err := Load(); err == nil {
		t.Fatal("risk_per_trade 0.9 must be rejected")
	}
}

func TestLoadMissingTuningFile(t *testing.T) {
	t.Setenv("TUNING_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("missing tuning file must fail")
	}
}
