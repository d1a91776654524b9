package strategy

import (
	"testing"
	"time"

	"tradebot/internal/events"
)

func testParams() EmaRsiParams {
	return EmaRsiParams{
		ShortPeriod:        3,
		LongPeriod:         5,
		RSIPeriod:          5,
		RegimePeriod:       10,
		ADXPeriod:          4,
		ADXThreshold:       5,
		ATRPeriod:          4,
		ConvictionRSI:      60,
		HighConvictionMult: 1.0,
		LowConvictionMult:  0.5,
	}
}

func candlesFromCloses(closes []float64) []events.Candle {
	out := make([]events.Candle, len(closes))
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = events.Candle{
			Symbol:    "BTCUSDT",
			Timestamp: ts.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    10,
		}
	}
	return out
}

// slide runs Evaluate over every growing prefix and returns the first
// signal with the window it fired on.
func slide(s Strategy, candles []events.Candle) (*Signal, []events.Candle) {
	for i := s.MinCandles(); i <= len(candles); i++ {
		window := candles[:i]
		if sig := s.Evaluate(window); sig != nil {
			return sig, window
		}
	}
	return nil, nil
}

func TestEvaluateNilDuringWarmup(t *testing.T) {
	s := NewEmaRsi(testParams())
	candles := candlesFromCloses(make([]float64, s.MinCandles()-1))
	if sig := s.Evaluate(candles); sig != nil {
		t.Fatalf("signal during warmup: %+v", sig)
	}
}

func TestEvaluateNilOnFlatMarket(t *testing.T) {
	s := NewEmaRsi(testParams())
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	if sig := s.Evaluate(candlesFromCloses(closes)); sig != nil {
		t.Fatalf("signal on flat market: %+v", sig)
	}
}

func TestVReversalFiresLong(t *testing.T) {
	s := NewEmaRsi(testParams())
	var closes []float64
	// a steep ramp keeps the lagging regime EMA well below the pullback,
	// so the dip cannot fire a short; the rally then crosses the short
	// EMA back up for a fresh long
	for i := 0; i < 20; i++ {
		closes = append(closes, 100+float64(i))
	}
	for i := 0; i < 3; i++ {
		closes = append(closes, 118-float64(i))
	}
	for i := 0; i < 15; i++ {
		closes = append(closes, 118+float64(i)*2)
	}
	sig, window := slide(s, candlesFromCloses(closes))
	if sig == nil {
		t.Fatal("no signal from V reversal")
	}
	if sig.Direction != DirectionLong {
		t.Fatalf("direction = %s, want long", sig.Direction)
	}
	last := window[len(window)-1]
	if sig.SLBasePrice != last.Low {
		t.Errorf("sl base = %v, want last low %v", sig.SLBasePrice, last.Low)
	}
	if sig.ATR <= 0 {
		t.Errorf("atr = %v, want positive", sig.ATR)
	}
	// a hard rally pins RSI above the conviction threshold
	if sig.RiskMultiplier != 1.0 {
		t.Errorf("risk multiplier = %v, want 1.0", sig.RiskMultiplier)
	}
}

func TestInvertedVFiresShort(t *testing.T) {
	s := NewEmaRsi(testParams())
	var closes []float64
	for i := 0; i < 20; i++ {
		closes = append(closes, 200-float64(i))
	}
	for i := 0; i < 3; i++ {
		closes = append(closes, 182+float64(i))
	}
	for i := 0; i < 15; i++ {
		closes = append(closes, 182-float64(i)*2)
	}
	sig, window := slide(s, candlesFromCloses(closes))
	if sig == nil {
		t.Fatal("no signal from inverted V")
	}
	if sig.Direction != DirectionShort {
		t.Fatalf("direction = %s, want short", sig.Direction)
	}
	last := window[len(window)-1]
	if sig.SLBasePrice != last.High {
		t.Errorf("sl base = %v, want last high %v", sig.SLBasePrice, last.High)
	}
}

func TestADXGateSuppressesSignal(t *testing.T) {
	p := testParams()
	p.ADXThreshold = 99 // nothing trends this hard
	s := NewEmaRsi(p)
	var closes []float64
	for i := 0; i < 20; i++ {
		closes = append(closes, 100+float64(i))
	}
	for i := 0; i < 3; i++ {
		closes = append(closes, 118-float64(i))
	}
	for i := 0; i < 15; i++ {
		closes = append(closes, 118+float64(i)*2)
	}
	if sig, _ := slide(s, candlesFromCloses(closes)); sig != nil {
		t.Fatalf("signal fired despite ADX gate: %+v", sig)
	}
}

func TestATRReportsWarmup(t *testing.T) {
	s := NewEmaRsi(testParams())
	if _, ok := s.ATR(candlesFromCloses([]float64{1, 2, 3})); ok {
		t.Fatal("ATR ok during warmup")
	}
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100
	}
	atr, ok := s.ATR(candlesFromCloses(closes))
	if !ok {
		t.Fatal("ATR not ready after warmup")
	}
	if atr != 2 { // constant high-low range of 2
		t.Errorf("atr = %v, want 2", atr)
	}
}
