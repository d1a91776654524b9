// Package engine is the decision side of the trading pipeline. It
// consumes closed candles, evaluates the strategy, sizes positions and
// drives the order lifecycle by publishing commands to the gateway and
// reacting to the gateway's status updates. The exchange position is
// always the source of truth; the engine's cached state is rebuilt from
// it at startup and after every anomaly.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/events"
	"tradebot/internal/monitor"
	"tradebot/internal/strategy"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange/bybit"
)

// allStates enumerates the lifecycle states for the metrics gauge.
var allStates = []string{
	string(StateFlat), string(StateOpenPending), string(StateInPosition),
	string(StateTP1Pending), string(StateTP1SLMovePending),
	string(StateTrailPending), string(StateClosePending),
}

// Exchange is the read-only slice of the REST client the engine needs.
// All order mutations go through the gateway, never directly.
type Exchange interface {
	Position(ctx context.Context, symbol string) (bybit.Position, error)
	WalletBalance(ctx context.Context, coin string) (float64, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
	FundingRate(ctx context.Context, symbol string) (float64, error)
}

// Alerter pushes human-facing notifications. Implementations must be
// safe to call with a nil receiver disabled configuration.
type Alerter interface {
	Notify(msg string)
}

// RiskParams tunes sizing and exit management.
type RiskParams struct {
	RiskPerTrade       float64       `yaml:"risk_per_trade"`
	ATRMultiplier      float64       `yaml:"atr_multiplier"`
	TP1RiskReward      float64       `yaml:"tp1_risk_reward"`
	TP1CloseFraction   float64       `yaml:"tp1_close_fraction"`
	MoveSLToBreakeven  bool          `yaml:"move_sl_to_breakeven"`
	MinBalance         float64       `yaml:"min_balance"`
	MaxNegativeFunding float64       `yaml:"max_negative_funding"`
	QtyStep            float64       `yaml:"qty_step"`
	MinOrderQty        float64       `yaml:"min_order_qty"`
	TrailTolerance     float64       `yaml:"trail_tolerance"` // fraction of the current price
	PendingTimeout     time.Duration `yaml:"pending_timeout"`
}

// Engine coordinates one symbol's trading loop.
type Engine struct {
	symbol   string
	coin     string
	store    *db.Database
	bus      *events.Bus
	exchange Exchange
	strat    strategy.Strategy
	alerter  Alerter
	risk     RiskParams
	beat     func()

	window    []events.Candle
	maxWindow int

	state   State
	pending *pendingCommand
	pos     position

	// now is swapped out in tests to control the pending timeout clock.
	now func() time.Time
}

// New creates a decision engine. alerter and beat may be nil.
func New(symbol, coin string, store *db.Database, bus *events.Bus, exchange Exchange,
	strat strategy.Strategy, alerter Alerter, risk RiskParams, beat func()) *Engine {
	if risk.PendingTimeout == 0 {
		risk.PendingTimeout = 120 * time.Second
	}
	maxWindow := strat.MinCandles() * 2
	if maxWindow < 300 {
		maxWindow = 300
	}
	return &Engine{
		symbol:    symbol,
		coin:      coin,
		store:     store,
		bus:       bus,
		exchange:  exchange,
		strat:     strat,
		alerter:   alerter,
		risk:      risk,
		beat:      beat,
		maxWindow: maxWindow,
		state:     StateFlat,
		now:       time.Now,
	}
}

// Run warms up the candle window, reconciles against the exchange and
// then processes candles and order updates until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if err := e.warmup(ctx); err != nil {
		log.Printf("WARN: engine warmup: %v", err)
	}
	if err := e.reconcile(ctx); err != nil {
		log.Printf("ERROR: startup reconciliation: %v", err)
	}

	candles, unsubCandles := e.bus.Subscribe(events.CandleChannel(e.symbol), 16)
	defer unsubCandles()
	updates, unsubUpdates := e.bus.Subscribe(events.ChannelOrderUpdate, 16)
	defer unsubUpdates()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	log.Printf("engine started for %s: state=%s window=%d candles", e.symbol, e.state, len(e.window))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.heartbeat()
			e.checkPendingTimeout(ctx)
		case msg := <-candles:
			if c, ok := msg.(events.Candle); ok {
				e.heartbeat()
				e.handleCandle(ctx, c)
			}
		case msg := <-updates:
			if u, ok := msg.(events.OrderUpdate); ok {
				e.handleOrderUpdate(ctx, u)
			}
		}
	}
}

func (e *Engine) heartbeat() {
	if e.beat != nil {
		e.beat()
	}
	monitor.SetState(e.symbol, string(e.state), allStates)
}

func (e *Engine) notify(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)
	if e.alerter != nil {
		e.alerter.Notify(msg)
	}
}

// warmup seeds the candle window from the store so the strategy is
// ready before the first live candle closes.
func (e *Engine) warmup(ctx context.Context) error {
	klines, err := e.store.RecentKlines(ctx, e.symbol, e.maxWindow)
	if err != nil {
		return err
	}
	e.window = e.window[:0]
	for _, k := range klines {
		e.window = append(e.window, events.Candle{
			Symbol:    k.Symbol,
			Timestamp: k.Timestamp,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		})
	}
	return nil
}

// reconcile rebuilds the engine's position cache from the exchange.
// TP1 progress and the planned TP1 price are not visible on the
// exchange, so they are recovered from the latest filled entry order.
func (e *Engine) reconcile(ctx context.Context) error {
	monitor.Reconciliations.Inc()
	exPos, err := e.exchange.Position(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("query position: %w", err)
	}
	e.pending = nil
	if exPos.Size == 0 {
		if e.state != StateFlat {
			log.Printf("reconciled %s: exchange is flat, clearing local position", e.symbol)
		}
		e.state = StateFlat
		e.pos = position{}
		return nil
	}

	e.state = StateInPosition
	e.pos = position{
		side:       exPos.Side,
		qty:        exPos.Size,
		entryPrice: exPos.AvgPrice,
		stopLoss:   exPos.StopLoss,
	}
	entry, err := e.store.LatestFilledEntry(ctx, e.symbol, exPos.Side)
	if err == nil {
		e.pos.tp1Price = entry.TP1Price
		e.pos.isTP1Hit = entry.IsTP1Hit
		e.pos.entryCID = entry.ClientOrderID
	} else {
		e.notify("WARN: open %s %s position has no filled entry on record, managing with trailing stop only",
			e.symbol, exPos.Side)
	}
	log.Printf("reconciled %s: %s %v @ %v sl=%v tp1=%v tp1Hit=%v",
		e.symbol, e.pos.side, e.pos.qty, e.pos.entryPrice, e.pos.stopLoss, e.pos.tp1Price, e.pos.isTP1Hit)
	return nil
}

// checkPendingTimeout force-clears a command that never resolved and
// resynchronizes with the exchange. Losing an update must not deadlock
// the symbol forever.
func (e *Engine) checkPendingTimeout(ctx context.Context) {
	if e.pending == nil {
		return
	}
	age := e.now().Sub(e.pending.issuedAt)
	if age < e.risk.PendingTimeout {
		return
	}
	monitor.PendingTimeouts.Inc()
	e.notify("CRITICAL: command %s (%s) unresolved after %s, forcing reconciliation",
		e.pending.cid, e.pending.action, age.Round(time.Second))
	e.pending = nil
	if err := e.reconcile(ctx); err != nil {
		log.Printf("ERROR: reconciliation after timeout: %v", err)
	}
}

// setPending installs the in-flight command lock.
func (e *Engine) setPending(cid, action string, qty, stopLoss float64) {
	e.pending = &pendingCommand{
		cid:      cid,
		action:   action,
		issuedAt: e.now(),
		qty:      qty,
		stopLoss: stopLoss,
	}
	e.state = stateFor(action)
}

// newCID generates a client order id. The prefix routes stream events
// back to this bot and encodes the order's role; the timestamp and uuid
// fragment make it unique across restarts.
func (e *Engine) newCID(kind string) string {
	return fmt.Sprintf("bot_%s_%s_%d_%s", kind, e.symbol, e.now().UnixMilli(), uuid.NewString()[:8])
}
