package strategy

import (
	"math"

	"tradebot/internal/events"
	"tradebot/internal/indicators"
)

// EmaRsiParams tunes the EMA crossover strategy. Zero values are
// replaced by the defaults below.
type EmaRsiParams struct {
	ShortPeriod        int     `yaml:"short_period"`
	LongPeriod         int     `yaml:"long_period"`
	RSIPeriod          int     `yaml:"rsi_period"`
	RegimePeriod       int     `yaml:"regime_period"`
	ADXPeriod          int     `yaml:"adx_period"`
	ADXThreshold       float64 `yaml:"adx_threshold"`
	ATRPeriod          int     `yaml:"atr_period"`
	ConvictionRSI      float64 `yaml:"conviction_rsi"`
	HighConvictionMult float64 `yaml:"high_conviction_mult"`
	LowConvictionMult  float64 `yaml:"low_conviction_mult"`
}

// DefaultEmaRsiParams matches the production tuning.
func DefaultEmaRsiParams() EmaRsiParams {
	return EmaRsiParams{
		ShortPeriod:        9,
		LongPeriod:         21,
		RSIPeriod:          14,
		RegimePeriod:       200,
		ADXPeriod:          14,
		ADXThreshold:       20,
		ATRPeriod:          14,
		ConvictionRSI:      60,
		HighConvictionMult: 1.0,
		LowConvictionMult:  0.5,
	}
}

// EmaRsi is an EMA crossover strategy with RSI confirmation, a long-term
// EMA regime filter and an ADX trend-strength gate. A fresh cross of the
// short EMA over the long EMA on the latest closed candle fires a long;
// the mirror cross fires a short.
type EmaRsi struct {
	params EmaRsiParams
}

// NewEmaRsi builds the strategy, filling zero params with defaults.
func NewEmaRsi(p EmaRsiParams) *EmaRsi {
	def := DefaultEmaRsiParams()
	if p.ShortPeriod == 0 {
		p.ShortPeriod = def.ShortPeriod
	}
	if p.LongPeriod == 0 {
		p.LongPeriod = def.LongPeriod
	}
	if p.RSIPeriod == 0 {
		p.RSIPeriod = def.RSIPeriod
	}
	if p.RegimePeriod == 0 {
		p.RegimePeriod = def.RegimePeriod
	}
	if p.ADXPeriod == 0 {
		p.ADXPeriod = def.ADXPeriod
	}
	if p.ADXThreshold == 0 {
		p.ADXThreshold = def.ADXThreshold
	}
	if p.ATRPeriod == 0 {
		p.ATRPeriod = def.ATRPeriod
	}
	if p.ConvictionRSI == 0 {
		p.ConvictionRSI = def.ConvictionRSI
	}
	if p.HighConvictionMult == 0 {
		p.HighConvictionMult = def.HighConvictionMult
	}
	if p.LowConvictionMult == 0 {
		p.LowConvictionMult = def.LowConvictionMult
	}
	return &EmaRsi{params: p}
}

func (s *EmaRsi) Name() string { return "ema_rsi" }

func (s *EmaRsi) MinCandles() int {
	min := s.params.RegimePeriod
	if adx := 2*s.params.ADXPeriod + 1; adx > min {
		min = adx
	}
	return min + 1
}

// ATR returns the latest average true range for the window.
func (s *EmaRsi) ATR(window []events.Candle) (float64, bool) {
	if len(window) < s.params.ATRPeriod+1 {
		return 0, false
	}
	highs, lows, closes := split(window)
	atr := indicators.ATR(highs, lows, closes, s.params.ATRPeriod)
	v := atr[len(atr)-1]
	if math.IsNaN(v) || v <= 0 {
		return 0, false
	}
	return v, true
}

// Evaluate fires on a fresh EMA cross confirmed by RSI, regime and ADX.
func (s *EmaRsi) Evaluate(window []events.Candle) *Signal {
	if len(window) < s.MinCandles() {
		return nil
	}
	highs, lows, closes := split(window)

	short := indicators.EMA(closes, s.params.ShortPeriod)
	long := indicators.EMA(closes, s.params.LongPeriod)
	regime := indicators.EMA(closes, s.params.RegimePeriod)
	rsi := indicators.RSI(closes, s.params.RSIPeriod)
	adx := indicators.ADX(highs, lows, closes, s.params.ADXPeriod)
	atr, ok := s.ATR(window)
	if !ok {
		return nil
	}

	i := len(window) - 1
	if anyNaN(short[i], long[i], short[i-1], long[i-1], regime[i], rsi[i], adx[i]) {
		return nil
	}
	if adx[i] < s.params.ADXThreshold {
		return nil
	}

	crossUp := short[i-1] <= long[i-1] && short[i] > long[i]
	crossDown := short[i-1] >= long[i-1] && short[i] < long[i]
	last := window[i]

	switch {
	case crossUp && rsi[i] > 50 && last.Close > regime[i]:
		return &Signal{
			Direction:      DirectionLong,
			SLBasePrice:    last.Low,
			ATR:            atr,
			RiskMultiplier: s.conviction(rsi[i] > s.params.ConvictionRSI),
			ADX:            adx[i],
		}
	case crossDown && rsi[i] < 50 && last.Close < regime[i]:
		return &Signal{
			Direction:      DirectionShort,
			SLBasePrice:    last.High,
			ATR:            atr,
			RiskMultiplier: s.conviction(rsi[i] < 100-s.params.ConvictionRSI),
			ADX:            adx[i],
		}
	}
	return nil
}

func (s *EmaRsi) conviction(high bool) float64 {
	if high {
		return s.params.HighConvictionMult
	}
	return s.params.LowConvictionMult
}

func split(window []events.Candle) (highs, lows, closes []float64) {
	highs = make([]float64, len(window))
	lows = make([]float64, len(window))
	closes = make([]float64, len(window))
	for i, c := range window {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	return highs, lows, closes
}

func anyNaN(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
