// Package config loads runtime configuration: process settings from the
// environment (.env supported), strategy and risk tuning from a YAML
// file. Credentials only ever come from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradebot/internal/engine"
	"tradebot/internal/strategy"
)

// Config is the full runtime configuration.
type Config struct {
	Symbol   string
	Interval string
	Coin     string
	Testnet  bool

	DBPath   string
	HTTPAddr string

	BybitAPIKey    string
	BybitAPISecret string
	RecvWindow     int64

	TelegramToken  string
	TelegramChatID int64

	Strategy strategy.EmaRsiParams
	Risk     engine.RiskParams
}

// tuningFile is the YAML layout of the strategy/risk file.
type tuningFile struct {
	Strategy strategy.EmaRsiParams `yaml:"strategy"`
	Risk     riskYAML              `yaml:"risk"`
}

// riskYAML mirrors engine.RiskParams with the timeout in seconds, which
// reads better in a config file than a Go duration string.
type riskYAML struct {
	RiskPerTrade       float64 `yaml:"risk_per_trade"`
	ATRMultiplier      float64 `yaml:"atr_multiplier"`
	TP1RiskReward      float64 `yaml:"tp1_risk_reward"`
	TP1CloseFraction   float64 `yaml:"tp1_close_fraction"`
	MoveSLToBreakeven  bool    `yaml:"move_sl_to_breakeven"`
	MinBalance         float64 `yaml:"min_balance"`
	MaxNegativeFunding float64 `yaml:"max_negative_funding"`
	QtyStep            float64 `yaml:"qty_step"`
	MinOrderQty        float64 `yaml:"min_order_qty"`
	TrailTolerance     float64 `yaml:"trail_tolerance"`
	PendingTimeoutSec  int     `yaml:"pending_timeout_seconds"`
}

// Load reads the environment (and .env if present) plus the tuning file
// named by TUNING_FILE.
func Load() (*Config, error) {
	// .env is a development convenience; absence is not an error
	_ = godotenv.Load()

	cfg := &Config{
		Symbol:         getEnv("SYMBOL", "BTCUSDT"),
		Interval:       getEnv("INTERVAL", "5"),
		Coin:           getEnv("COIN", "USDT"),
		Testnet:        getEnvBool("BYBIT_TESTNET", true),
		DBPath:         getEnv("DB_PATH", "data/tradebot.db"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		BybitAPIKey:    os.Getenv("BYBIT_API_KEY"),
		BybitAPISecret: os.Getenv("BYBIT_API_SECRET"),
		RecvWindow:     getEnvInt64("BYBIT_RECV_WINDOW", 5000),
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: getEnvInt64("TELEGRAM_CHAT_ID", 0),
	}

	tuningPath := getEnv("TUNING_FILE", "configs/btcusdt.yaml")
	tuning, err := loadTuning(tuningPath)
	if err != nil {
		return nil, err
	}
	cfg.Strategy = tuning.Strategy
	cfg.Risk = tuning.Risk.toRiskParams()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Testnet && (c.BybitAPIKey == "" || c.BybitAPISecret == "") {
		return fmt.Errorf("live trading requires BYBIT_API_KEY and BYBIT_API_SECRET")
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 0.5 {
		return fmt.Errorf("risk_per_trade %v out of range (0, 0.5]", c.Risk.RiskPerTrade)
	}
	if c.Risk.QtyStep <= 0 || c.Risk.MinOrderQty <= 0 {
		return fmt.Errorf("qty_step and min_order_qty must be positive")
	}
	if c.Risk.TP1CloseFraction < 0 || c.Risk.TP1CloseFraction >= 1 {
		return fmt.Errorf("tp1_close_fraction %v out of range [0, 1)", c.Risk.TP1CloseFraction)
	}
	return nil
}

func loadTuning(path string) (*tuningFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuning file %s: %w", path, err)
	}
	var t tuningFile
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	return &t, nil
}

func (r riskYAML) toRiskParams() engine.RiskParams {
	timeout := time.Duration(r.PendingTimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return engine.RiskParams{
		RiskPerTrade:       r.RiskPerTrade,
		ATRMultiplier:      r.ATRMultiplier,
		TP1RiskReward:      r.TP1RiskReward,
		TP1CloseFraction:   r.TP1CloseFraction,
		MoveSLToBreakeven:  r.MoveSLToBreakeven,
		MinBalance:         r.MinBalance,
		MaxNegativeFunding: r.MaxNegativeFunding,
		QtyStep:            r.QtyStep,
		MinOrderQty:        r.MinOrderQty,
		TrailTolerance:     r.TrailTolerance,
		PendingTimeout:     timeout,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
