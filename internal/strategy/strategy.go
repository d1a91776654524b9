// Package strategy holds the signal generators that feed the decision
// engine. A strategy looks only at closed candles and never talks to
// the exchange or the database.
package strategy

import "tradebot/internal/events"

// Direction of a trade signal.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Signal is the output of one strategy evaluation on a closed candle.
// SLBasePrice is the raw level (last candle low for longs, high for
// shorts) that the engine widens by an ATR multiple to place the stop.
type Signal struct {
	Direction      string
	SLBasePrice    float64
	ATR            float64
	RiskMultiplier float64
	ADX            float64
}

// Strategy evaluates a window of closed candles, oldest first.
type Strategy interface {
	// Name identifies the strategy in logs and heartbeats.
	Name() string
	// MinCandles is the warmup length below which Evaluate returns nil.
	MinCandles() int
	// ATR returns the current average true range for the window; ok is
	// false during warmup. The engine uses it for trailing stops even
	// when no entry signal fires.
	ATR(window []events.Candle) (float64, bool)
	// Evaluate returns an entry signal or nil.
	Evaluate(window []events.Candle) *Signal
}
