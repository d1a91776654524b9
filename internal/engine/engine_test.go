package engine

import (
	"context"
	"testing"
	"time"

	"tradebot/internal/events"
	"tradebot/internal/strategy"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange/bybit"
)

type stubStrategy struct {
	signal *strategy.Signal
	atr    float64
}

func (s *stubStrategy) Name() string    { return "stub" }
func (s *stubStrategy) MinCandles() int { return 1 }
func (s *stubStrategy) ATR([]events.Candle) (float64, bool) {
	return s.atr, s.atr > 0
}
func (s *stubStrategy) Evaluate([]events.Candle) *strategy.Signal { return s.signal }

type stubExchange struct {
	pos     bybit.Position
	posErr  error
	balance float64
	price   float64
	funding float64
	err     error
}

func (s *stubExchange) Position(context.Context, string) (bybit.Position, error) {
	return s.pos, s.posErr
}
func (s *stubExchange) WalletBalance(context.Context, string) (float64, error) {
	return s.balance, s.err
}
func (s *stubExchange) LastPrice(context.Context, string) (float64, error) {
	return s.price, s.err
}
func (s *stubExchange) FundingRate(context.Context, string) (float64, error) {
	return s.funding, s.err
}

type testRig struct {
	engine  *Engine
	store   *db.Database
	ex      *stubExchange
	strat   *stubStrategy
	opens   <-chan any
	closes  <-chan any
	mods    <-chan any
	clockAt time.Time
}

func defaultRisk() RiskParams {
	return RiskParams{
		RiskPerTrade:      0.01,
		ATRMultiplier:     1.5,
		TP1RiskReward:     2,
		TP1CloseFraction:  0.5,
		MoveSLToBreakeven: true,
		MinBalance:        100,
		QtyStep:           0.001,
		MinOrderQty:       0.001,
		PendingTimeout:    120 * time.Second,
	}
}

func newTestRig(t *testing.T, risk RiskParams) *testRig {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBus()
	opens, u1 := bus.Subscribe(events.ChannelOrderNew, 16)
	closes, u2 := bus.Subscribe(events.ChannelOrderClose, 16)
	mods, u3 := bus.Subscribe(events.ChannelOrderModify, 16)
	t.Cleanup(func() { u1(); u2(); u3() })

	ex := &stubExchange{balance: 10000, price: 50000}
	strat := &stubStrategy{atr: 200}
	e := New("BTCUSDT", "USDT", store, bus, ex, strat, nil, risk, nil)

	rig := &testRig{
		engine: e, store: store, ex: ex, strat: strat,
		opens: opens, closes: closes, mods: mods,
		clockAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	e.now = func() time.Time { return rig.clockAt }
	return rig
}

func (r *testRig) candle(high, low, close float64) events.Candle {
	r.clockAt = r.clockAt.Add(time.Minute)
	return events.Candle{
		Symbol:    "BTCUSDT",
		Timestamp: r.clockAt,
		Open:      close,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1,
	}
}

func recvCmd[T any](t *testing.T, ch <-chan any) T {
	t.Helper()
	var zero T
	select {
	case msg := <-ch:
		cmd, ok := msg.(T)
		if !ok {
			t.Fatalf("command type %T", msg)
		}
		return cmd
	case <-time.After(time.Second):
		t.Fatal("no command published")
	}
	return zero
}

func assertNoCmd(t *testing.T, ch <-chan any) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected command: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEntrySignalPublishesOneOpenCommand(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	ctx := context.Background()
	rig.strat.signal = &strategy.Signal{
		Direction:      strategy.DirectionLong,
		SLBasePrice:    49600,
		ATR:            200,
		RiskMultiplier: 1,
	}

	rig.engine.handleCandle(ctx, rig.candle(50100, 49600, 50000))

	cmd := recvCmd[events.OpenCommand](t, rig.opens)
	if cmd.Side != db.SideBuy || cmd.OrderType != db.TypeMarket {
		t.Errorf("cmd = %+v", cmd)
	}
	// stop = 49600 - 200*1.5 = 49300; dist = 700; qty = 100/700 floored
	if cmd.StopLoss != 49300 {
		t.Errorf("stop = %v, want 49300", cmd.StopLoss)
	}
	if cmd.Qty != 0.142 {
		t.Errorf("qty = %v, want 0.142", cmd.Qty)
	}
	// tp1 = 50000 + 2*(50000-49300)
	if cmd.TP1Price != 51400 {
		t.Errorf("tp1 = %v, want 51400", cmd.TP1Price)
	}
	if rig.engine.state != StateOpenPending {
		t.Errorf("state = %s", rig.engine.state)
	}

	// second candle while pending must not produce another command
	rig.engine.handleCandle(ctx, rig.candle(50100, 49600, 50000))
	assertNoCmd(t, rig.opens)
}

func TestFundingVetoBlocksLongs(t *testing.T) {
	risk := defaultRisk()
	risk.MaxNegativeFunding = 0.0005
	rig := newTestRig(t, risk)
	rig.ex.funding = -0.001
	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionLong, SLBasePrice: 49600, ATR: 200, RiskMultiplier: 1,
	}

	rig.engine.handleCandle(context.Background(), rig.candle(50100, 49600, 50000))
	assertNoCmd(t, rig.opens)
	if rig.engine.state != StateFlat {
		t.Errorf("state = %s", rig.engine.state)
	}

	// shorts are unaffected by the funding veto
	rig.strat.signal.Direction = strategy.DirectionShort
	rig.strat.signal.SLBasePrice = 50400
	rig.engine.handleCandle(context.Background(), rig.candle(50400, 49900, 50000))
	cmd := recvCmd[events.OpenCommand](t, rig.opens)
	if cmd.Side != db.SideSell {
		t.Errorf("side = %s", cmd.Side)
	}
}

func TestMissingLivePriceAbortsEntry(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	rig.ex.price = 0
	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionLong, SLBasePrice: 49600, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(context.Background(), rig.candle(50100, 49600, 50000))
	assertNoCmd(t, rig.opens)
}

func TestLowBalanceAbortsEntry(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	rig.ex.balance = 50 // below MinBalance 100
	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionLong, SLBasePrice: 49600, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(context.Background(), rig.candle(50100, 49600, 50000))
	assertNoCmd(t, rig.opens)
}

func openPosition(t *testing.T, rig *testRig) events.OpenCommand {
	t.Helper()
	ctx := context.Background()
	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionLong, SLBasePrice: 49600, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(ctx, rig.candle(50100, 49600, 50000))
	cmd := recvCmd[events.OpenCommand](t, rig.opens)
	rig.strat.signal = nil

	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: cmd.ClientOrderID,
		Status:        db.StatusFilled,
		AvgPrice:      50050,
		Qty:           cmd.Qty,
		TP1Price:      51450, // recomputed from real fill by the gateway
	})
	if rig.engine.state != StateInPosition {
		t.Fatalf("state after fill = %s", rig.engine.state)
	}
	return cmd
}

func TestFillMovesToInPosition(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	cmd := openPosition(t, rig)
	pos := rig.engine.pos
	if pos.side != db.SideBuy || pos.qty != cmd.Qty || pos.entryPrice != 50050 {
		t.Errorf("pos = %+v", pos)
	}
	if pos.stopLoss != cmd.StopLoss {
		t.Errorf("sl = %v, want %v", pos.stopLoss, cmd.StopLoss)
	}
	if pos.tp1Price != 51450 {
		t.Errorf("tp1 = %v, want recomputed 51450", pos.tp1Price)
	}
}

func TestRejectedEntryReturnsToFlat(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	ctx := context.Background()
	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionLong, SLBasePrice: 49600, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(ctx, rig.candle(50100, 49600, 50000))
	cmd := recvCmd[events.OpenCommand](t, rig.opens)

	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: cmd.ClientOrderID,
		Status:        db.StatusRejected,
		Error:         "Insufficient available balance",
	})
	if rig.engine.state != StateFlat {
		t.Errorf("state = %s, want FLAT", rig.engine.state)
	}
	if rig.engine.pending != nil {
		t.Error("pending not cleared")
	}
}

func TestCancelledEntryWithResidualFillReconciles(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	ctx := context.Background()
	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionLong, SLBasePrice: 49600, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(ctx, rig.candle(50100, 49600, 50000))
	cmd := recvCmd[events.OpenCommand](t, rig.opens)
	rig.strat.signal = nil

	// the entry is cancelled after a partial fill: the exchange holds a
	// residual position the engine must adopt, not ignore
	rig.ex.pos = bybit.Position{
		Symbol: "BTCUSDT", Side: db.SideBuy, Size: 0.05, AvgPrice: 50040, StopLoss: 49300,
	}
	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: cmd.ClientOrderID,
		Status:        db.StatusCancelled,
	})
	if rig.engine.state != StateInPosition {
		t.Fatalf("state = %s, want IN_POSITION from reconciliation", rig.engine.state)
	}
	if rig.engine.pos.qty != 0.05 || rig.engine.pos.side != db.SideBuy {
		t.Errorf("pos = %+v", rig.engine.pos)
	}
}

func TestUpdatesForOtherOrdersIgnored(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	ctx := context.Background()
	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionLong, SLBasePrice: 49600, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(ctx, rig.candle(50100, 49600, 50000))
	recvCmd[events.OpenCommand](t, rig.opens)

	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: "bot_open_BTCUSDT_other",
		Status:        db.StatusFilled,
	})
	if rig.engine.state != StateOpenPending {
		t.Errorf("state = %s, unrelated update must not resolve the lock", rig.engine.state)
	}
}

func TestPendingTimeoutForcesReconciliation(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	ctx := context.Background()
	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionLong, SLBasePrice: 49600, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(ctx, rig.candle(50100, 49600, 50000))
	recvCmd[events.OpenCommand](t, rig.opens)
	rig.strat.signal = nil

	// under the timeout: lock holds
	rig.clockAt = rig.clockAt.Add(60 * time.Second)
	rig.engine.checkPendingTimeout(ctx)
	if rig.engine.pending == nil {
		t.Fatal("lock released before timeout")
	}

	// past the timeout with the exchange flat: back to FLAT
	rig.clockAt = rig.clockAt.Add(90 * time.Second)
	rig.engine.checkPendingTimeout(ctx)
	if rig.engine.pending != nil {
		t.Fatal("lock not force-released")
	}
	if rig.engine.state != StateFlat {
		t.Errorf("state = %s, want FLAT after reconciling flat exchange", rig.engine.state)
	}
}

func TestTP1CrossPartialCloseAndBreakeven(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	ctx := context.Background()
	openPosition(t, rig)
	qty := rig.engine.pos.qty

	// candle trades through tp1 at 51450
	rig.engine.handleCandle(ctx, rig.candle(51500, 51000, 51400))
	closeCmd := recvCmd[events.CloseCommand](t, rig.closes)
	if closeCmd.Side != db.SideSell {
		t.Errorf("close side = %s", closeCmd.Side)
	}
	want := floorToStep(qty*0.5, 0.001)
	if closeCmd.Qty != want {
		t.Errorf("close qty = %v, want %v", closeCmd.Qty, want)
	}
	if rig.engine.state != StateTP1Pending {
		t.Errorf("state = %s", rig.engine.state)
	}

	// partial close fills: breakeven move follows as the next command
	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: closeCmd.ClientOrderID,
		Status:        db.StatusFilled,
		Qty:           closeCmd.Qty,
		AvgPrice:      51455,
	})
	if !rig.engine.pos.isTP1Hit {
		t.Error("tp1 flag not set")
	}
	mod := recvCmd[events.ModifyCommand](t, rig.mods)
	if mod.NewStopLoss != rig.engine.pos.entryPrice {
		t.Errorf("breakeven sl = %v, want entry %v", mod.NewStopLoss, rig.engine.pos.entryPrice)
	}
	if rig.engine.state != StateTP1SLMovePending {
		t.Errorf("state = %s", rig.engine.state)
	}

	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: mod.ClientOrderID,
		Status:        db.StatusModified,
	})
	if rig.engine.state != StateInPosition {
		t.Errorf("state = %s", rig.engine.state)
	}
	if rig.engine.pos.stopLoss != rig.engine.pos.entryPrice {
		t.Errorf("sl = %v, want breakeven", rig.engine.pos.stopLoss)
	}

	// tp1 never fires twice
	rig.engine.handleCandle(ctx, rig.candle(51600, 51100, 51500))
	assertNoCmd(t, rig.closes)
}

func TestTP1DisabledWhenRiskRewardZero(t *testing.T) {
	risk := defaultRisk()
	risk.TP1RiskReward = 0
	risk.TP1CloseFraction = 0
	rig := newTestRig(t, risk)
	ctx := context.Background()
	openPosition(t, rig)
	rig.engine.pos.tp1Price = 51450 // even with a level on record

	rig.engine.handleCandle(ctx, rig.candle(52000, 51000, 51900))
	assertNoCmd(t, rig.closes)
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	risk := defaultRisk()
	risk.TP1RiskReward = 0
	risk.TP1CloseFraction = 0
	rig := newTestRig(t, risk)
	ctx := context.Background()
	openPosition(t, rig)
	sl := rig.engine.pos.stopLoss // 49300

	// candidate = low - atr*mult = 49400 - 300 = 49100 < current sl: no move
	rig.engine.handleCandle(ctx, rig.candle(50000, 49400, 49900))
	assertNoCmd(t, rig.mods)

	// candidate = 50200 - 300 = 49900 > current sl: trail
	rig.engine.handleCandle(ctx, rig.candle(50500, 50200, 50400))
	mod := recvCmd[events.ModifyCommand](t, rig.mods)
	if mod.NewStopLoss != 49900 {
		t.Errorf("trail sl = %v, want 49900", mod.NewStopLoss)
	}
	if rig.engine.state != StateTrailPending {
		t.Errorf("state = %s", rig.engine.state)
	}
	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: mod.ClientOrderID,
		Status:        db.StatusModified,
	})
	if rig.engine.pos.stopLoss != 49900 {
		t.Errorf("sl = %v, want 49900 (was %v)", rig.engine.pos.stopLoss, sl)
	}

	// a failed trail keeps the previous stop
	rig.engine.handleCandle(ctx, rig.candle(50800, 50500, 50700))
	mod = recvCmd[events.ModifyCommand](t, rig.mods)
	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: mod.ClientOrderID,
		Status:        db.StatusFailed,
		Error:         "set sl/tp failed",
	})
	if rig.engine.pos.stopLoss != 49900 {
		t.Errorf("sl = %v, failed trail must not move the stop", rig.engine.pos.stopLoss)
	}
	if rig.engine.state != StateInPosition {
		t.Errorf("state = %s", rig.engine.state)
	}
}

func TestTrailToleranceSkipsSmallMoves(t *testing.T) {
	risk := defaultRisk()
	risk.TP1RiskReward = 0
	risk.TP1CloseFraction = 0
	risk.TrailTolerance = 0.001
	rig := newTestRig(t, risk)
	ctx := context.Background()
	openPosition(t, rig)

	// candidate 50200-300 = 49900 clears sl 49300 by far more than the
	// band (0.1% of 50400)
	rig.engine.handleCandle(ctx, rig.candle(50500, 50200, 50400))
	mod := recvCmd[events.ModifyCommand](t, rig.mods)
	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: mod.ClientOrderID,
		Status:        db.StatusModified,
	})

	// candidate 50233-300 = 49933 is only 33 above sl 49900, inside the
	// 50-point band at close 50000: no modify churn
	rig.engine.handleCandle(ctx, rig.candle(50300, 50233, 50000))
	assertNoCmd(t, rig.mods)

	// candidate 50500-300 = 50200 clears the band again
	rig.engine.handleCandle(ctx, rig.candle(50800, 50500, 50700))
	mod = recvCmd[events.ModifyCommand](t, rig.mods)
	if mod.NewStopLoss != 50200 {
		t.Errorf("trail sl = %v, want 50200", mod.NewStopLoss)
	}
}

func TestOppositeSignalClosesPosition(t *testing.T) {
	risk := defaultRisk()
	risk.TP1RiskReward = 0
	risk.TP1CloseFraction = 0
	risk.ATRMultiplier = 0 // disable trailing for this test
	rig := newTestRig(t, risk)
	ctx := context.Background()
	openPosition(t, rig)
	qty := rig.engine.pos.qty

	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionShort, SLBasePrice: 50500, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(ctx, rig.candle(50500, 49900, 50000))
	closeCmd := recvCmd[events.CloseCommand](t, rig.closes)
	if closeCmd.Qty != qty || closeCmd.Side != db.SideSell {
		t.Errorf("close = %+v", closeCmd)
	}
	if rig.engine.state != StateClosePending {
		t.Errorf("state = %s", rig.engine.state)
	}

	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: closeCmd.ClientOrderID,
		Status:        db.StatusFilled,
		AvgPrice:      50010,
	})
	if rig.engine.state != StateFlat {
		t.Errorf("state = %s, want FLAT", rig.engine.state)
	}
	if rig.engine.pos.qty != 0 {
		t.Errorf("pos = %+v", rig.engine.pos)
	}
}

func TestOppositeSignalWinsOverTrailing(t *testing.T) {
	risk := defaultRisk()
	risk.TP1RiskReward = 0
	risk.TP1CloseFraction = 0
	rig := newTestRig(t, risk)
	ctx := context.Background()
	openPosition(t, rig)
	qty := rig.engine.pos.qty

	// the candle both tightens the trail candidate (50200-300 = 49900 >
	// sl 49300) and carries a short signal; the full close must win
	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionShort, SLBasePrice: 50500, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(ctx, rig.candle(50500, 50200, 50400))

	closeCmd := recvCmd[events.CloseCommand](t, rig.closes)
	if closeCmd.Qty != qty || closeCmd.Side != db.SideSell {
		t.Errorf("close = %+v", closeCmd)
	}
	assertNoCmd(t, rig.mods)
	if rig.engine.state != StateClosePending {
		t.Errorf("state = %s, want CLOSE_PENDING over TRAIL_PENDING", rig.engine.state)
	}
}

func TestFailedCloseReconcilesAgainstExchange(t *testing.T) {
	risk := defaultRisk()
	risk.TP1RiskReward = 0
	risk.TP1CloseFraction = 0
	risk.ATRMultiplier = 0
	rig := newTestRig(t, risk)
	ctx := context.Background()
	openPosition(t, rig)

	// exchange still reports the position live
	rig.ex.pos = bybit.Position{
		Symbol: "BTCUSDT", Side: db.SideBuy, Size: 0.142, AvgPrice: 50050, StopLoss: 49300,
	}

	rig.strat.signal = &strategy.Signal{
		Direction: strategy.DirectionShort, SLBasePrice: 50500, ATR: 200, RiskMultiplier: 1,
	}
	rig.engine.handleCandle(ctx, rig.candle(50500, 49900, 50000))
	closeCmd := recvCmd[events.CloseCommand](t, rig.closes)
	rig.strat.signal = nil

	rig.engine.handleOrderUpdate(ctx, events.OrderUpdate{
		ClientOrderID: closeCmd.ClientOrderID,
		Status:        db.StatusFailed,
		Error:         "connection reset",
	})
	if rig.engine.state != StateInPosition {
		t.Errorf("state = %s, want IN_POSITION from reconciliation", rig.engine.state)
	}
	if rig.engine.pos.qty != 0.142 {
		t.Errorf("pos = %+v", rig.engine.pos)
	}
}

func TestReconcileRecoversTP1Progress(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	ctx := context.Background()

	err := rig.store.CreateOrder(ctx, db.Order{
		ClientOrderID: "bot_open_BTCUSDT_prev",
		Symbol:        "BTCUSDT",
		Side:          db.SideBuy,
		OrderType:     db.TypeMarket,
		Qty:           0.2,
		StopLoss:      49300,
		Status:        db.StatusFilled,
		AvgPrice:      50050,
		TP1Price:      51450,
		IsTP1Hit:      true,
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	rig.ex.pos = bybit.Position{
		Symbol: "BTCUSDT", Side: db.SideBuy, Size: 0.1, AvgPrice: 50050, StopLoss: 50050,
	}

	if err := rig.engine.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rig.engine.state != StateInPosition {
		t.Fatalf("state = %s", rig.engine.state)
	}
	pos := rig.engine.pos
	if !pos.isTP1Hit || pos.tp1Price != 51450 || pos.entryCID != "bot_open_BTCUSDT_prev" {
		t.Errorf("pos = %+v", pos)
	}
	if pos.qty != 0.1 || pos.stopLoss != 50050 {
		t.Errorf("exchange values must win: %+v", pos)
	}
}

func TestDuplicateCandleIgnored(t *testing.T) {
	rig := newTestRig(t, defaultRisk())
	ctx := context.Background()
	c := rig.candle(50100, 49600, 50000)
	rig.engine.handleCandle(ctx, c)
	n := len(rig.engine.window)
	rig.engine.handleCandle(ctx, c) // replay
	if len(rig.engine.window) != n {
		t.Errorf("window grew on duplicate candle: %d -> %d", n, len(rig.engine.window))
	}
}
