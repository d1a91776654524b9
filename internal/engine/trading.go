package engine

import (
	"context"
	"log"

	"tradebot/internal/events"
	"tradebot/internal/strategy"
	"tradebot/pkg/db"
)

// handleCandle processes one closed candle: update the window, then
// either manage the open position or look for an entry. While a command
// is in flight nothing is evaluated; the lifecycle resolves first.
func (e *Engine) handleCandle(ctx context.Context, c events.Candle) {
	if !e.appendCandle(c) {
		return
	}
	if e.pending != nil {
		e.checkPendingTimeout(ctx)
		if e.pending != nil {
			log.Printf("skipping evaluation for %s: command %s (%s) in flight",
				e.symbol, e.pending.cid, e.pending.action)
			return
		}
	}

	switch e.state {
	case StateInPosition:
		e.managePosition(ctx, c)
	case StateFlat:
		e.evaluateEntry(ctx)
	}
}

// appendCandle adds a candle to the window, dropping duplicates and
// out-of-order bars. Returns whether the candle advanced the window.
func (e *Engine) appendCandle(c events.Candle) bool {
	if n := len(e.window); n > 0 && !c.Timestamp.After(e.window[n-1].Timestamp) {
		return false
	}
	e.window = append(e.window, c)
	if len(e.window) > e.maxWindow {
		e.window = e.window[len(e.window)-e.maxWindow:]
	}
	return true
}

// managePosition runs the exit logic in priority order: partial take
// profit, opposite signal, trailing stop. A full exit always wins over
// a stop adjustment when both fire on the same candle.
func (e *Engine) managePosition(ctx context.Context, c events.Candle) {
	if e.tryTP1(ctx, c) {
		return
	}
	if e.tryOppositeExit() {
		return
	}
	e.tryTrail(c)
}

// tryTP1 closes a fraction of the position once price has traded
// through the TP1 level. The flag is monotonic: once hit, never again.
func (e *Engine) tryTP1(ctx context.Context, c events.Candle) bool {
	if e.pos.isTP1Hit || e.pos.tp1Price <= 0 {
		return false
	}
	if e.risk.TP1RiskReward <= 0 || e.risk.TP1CloseFraction <= 0 {
		return false
	}
	crossed := (e.pos.side == db.SideBuy && c.High >= e.pos.tp1Price) ||
		(e.pos.side == db.SideSell && c.Low <= e.pos.tp1Price)
	if !crossed {
		return false
	}

	closeQty := floorToStep(e.pos.qty*e.risk.TP1CloseFraction, e.risk.QtyStep)
	residual := e.pos.qty - closeQty
	if closeQty < e.risk.MinOrderQty || residual < e.risk.MinOrderQty {
		// cannot partially close; mark progress so the check stops firing
		log.Printf("tp1 hit on %s but close qty %v / residual %v below minimum, marking hit only",
			e.symbol, closeQty, residual)
		e.pos.isTP1Hit = true
		if e.pos.entryCID != "" {
			if err := e.store.MarkTP1Hit(ctx, e.pos.entryCID); err != nil {
				log.Printf("WARN: mark tp1 hit %s: %v", e.pos.entryCID, err)
			}
		}
		return false
	}

	cid := e.newCID("close")
	e.bus.Publish(events.ChannelOrderClose, events.CloseCommand{
		ClientOrderID: cid,
		Symbol:        e.symbol,
		Side:          oppositeSide(e.pos.side),
		Qty:           closeQty,
	})
	e.setPending(cid, actionTP1Close, closeQty, 0)
	e.notify("TP1 hit on %s %s: closing %v of %v", e.symbol, e.pos.side, closeQty, e.pos.qty)
	return true
}

// tryTrail tightens the stop loss behind price by an ATR multiple.
// Stops only ever tighten; a widening candidate is discarded, and moves
// inside the price-relative tolerance band are skipped to avoid API
// churn.
func (e *Engine) tryTrail(c events.Candle) bool {
	atr, ok := e.strat.ATR(e.window)
	if !ok || e.risk.ATRMultiplier <= 0 {
		return false
	}

	tol := c.Close * e.risk.TrailTolerance
	var candidate float64
	tighter := false
	if e.pos.side == db.SideBuy {
		candidate = c.Low - atr*e.risk.ATRMultiplier
		tighter = candidate > e.pos.stopLoss+tol
	} else {
		candidate = c.High + atr*e.risk.ATRMultiplier
		tighter = e.pos.stopLoss == 0 || candidate < e.pos.stopLoss-tol
	}
	if !tighter {
		return false
	}

	cid := e.newCID("mod")
	e.bus.Publish(events.ChannelOrderModify, events.ModifyCommand{
		ClientOrderID: cid,
		Symbol:        e.symbol,
		NewStopLoss:   candidate,
	})
	e.setPending(cid, actionTrail, 0, candidate)
	log.Printf("trailing %s stop %v -> %v", e.symbol, e.pos.stopLoss, candidate)
	return true
}

// tryOppositeExit closes the whole position when the strategy flips.
func (e *Engine) tryOppositeExit() bool {
	sig := e.strat.Evaluate(e.window)
	if sig == nil {
		return false
	}
	opposite := (e.pos.side == db.SideBuy && sig.Direction == strategy.DirectionShort) ||
		(e.pos.side == db.SideSell && sig.Direction == strategy.DirectionLong)
	if !opposite {
		return false
	}

	cid := e.newCID("close")
	e.bus.Publish(events.ChannelOrderClose, events.CloseCommand{
		ClientOrderID: cid,
		Symbol:        e.symbol,
		Side:          oppositeSide(e.pos.side),
		Qty:           e.pos.qty,
	})
	e.setPending(cid, actionClose, e.pos.qty, 0)
	e.notify("opposite %s signal on %s: closing %s position of %v",
		sig.Direction, e.symbol, e.pos.side, e.pos.qty)
	return true
}

// evaluateEntry sizes and submits a new position when the strategy
// fires while flat. Any missing live input (balance, price) aborts the
// entry; there is no stale-data fallback.
func (e *Engine) evaluateEntry(ctx context.Context) {
	sig := e.strat.Evaluate(e.window)
	if sig == nil {
		return
	}

	side := db.SideBuy
	if sig.Direction == strategy.DirectionShort {
		side = db.SideSell
	}

	if side == db.SideBuy && e.risk.MaxNegativeFunding > 0 {
		funding, err := e.exchange.FundingRate(ctx, e.symbol)
		if err != nil {
			log.Printf("ERROR: funding rate for %s: %v, skipping entry", e.symbol, err)
			return
		}
		if funding < -e.risk.MaxNegativeFunding {
			log.Printf("funding veto on %s long: rate %v below -%v", e.symbol, funding, e.risk.MaxNegativeFunding)
			return
		}
	}

	balance, err := e.exchange.WalletBalance(ctx, e.coin)
	if err != nil {
		log.Printf("ERROR: wallet balance: %v, skipping entry", err)
		return
	}
	if balance < e.risk.MinBalance {
		log.Printf("balance %v below minimum %v, skipping entry", balance, e.risk.MinBalance)
		return
	}

	price, err := e.exchange.LastPrice(ctx, e.symbol)
	if err != nil || price <= 0 {
		// never size off the candle close; without a live price there is
		// no trade
		log.Printf("ERROR: live price for %s unavailable (%v), skipping entry", e.symbol, err)
		return
	}

	var stop float64
	if side == db.SideBuy {
		stop = sig.SLBasePrice - sig.ATR*e.risk.ATRMultiplier
	} else {
		stop = sig.SLBasePrice + sig.ATR*e.risk.ATRMultiplier
	}

	qty, err := positionSize(balance, e.risk.RiskPerTrade, sig.RiskMultiplier,
		price, stop, e.risk.QtyStep, e.risk.MinOrderQty)
	if err != nil {
		log.Printf("sizing rejected %s %s entry: %v", e.symbol, side, err)
		return
	}

	var tp1 float64
	if e.risk.TP1RiskReward > 0 {
		if side == db.SideBuy {
			tp1 = price + e.risk.TP1RiskReward*(price-stop)
		} else {
			tp1 = price - e.risk.TP1RiskReward*(stop-price)
		}
	}

	cid := e.newCID("open")
	e.bus.Publish(events.ChannelOrderNew, events.OpenCommand{
		ClientOrderID:      cid,
		Symbol:             e.symbol,
		Side:               side,
		OrderType:          db.TypeMarket,
		Qty:                qty,
		StopLoss:           stop,
		EntryPriceEstimate: price,
		TP1Price:           tp1,
		TP1RiskReward:      e.risk.TP1RiskReward,
	})
	e.setPending(cid, actionOpen, qty, stop)
	e.pending.side = side
	e.notify("%s %s signal on %s: qty=%v entry~%v sl=%v tp1=%v (adx %.1f)",
		sig.Direction, side, e.symbol, qty, price, stop, tp1, sig.ADX)
}

func oppositeSide(side string) string {
	if side == db.SideBuy {
		return db.SideSell
	}
	return db.SideBuy
}
