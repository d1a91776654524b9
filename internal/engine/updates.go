package engine

import (
	"context"
	"log"

	"tradebot/internal/events"
	"tradebot/pkg/db"
)

// handleOrderUpdate resolves the in-flight command against a gateway
// status update. Updates for other client order ids, including replays
// for already-resolved commands, are ignored; the lifecycle only moves
// through the expected transitions.
func (e *Engine) handleOrderUpdate(ctx context.Context, u events.OrderUpdate) {
	if e.pending == nil || u.ClientOrderID != e.pending.cid {
		return
	}
	switch u.Status {
	case db.StatusSubmitted, db.StatusNew, db.StatusPartiallyFilled, db.StatusReceived, db.StatusPendingSubmission:
		// still in flight
		return
	}

	action := e.pending.action
	switch action {
	case actionOpen:
		e.resolveOpen(ctx, u)
	case actionClose:
		e.resolveClose(ctx, u)
	case actionTP1Close:
		e.resolveTP1Close(ctx, u)
	case actionSLMove:
		e.resolveStopMove(u, "breakeven move")
	case actionTrail:
		e.resolveStopMove(u, "trail")
	default:
		log.Printf("WARN: unknown pending action %q for %s", action, u.ClientOrderID)
		e.pending = nil
		e.state = StateFlat
	}
}

// resolveOpen finalizes an entry attempt. A failed entry is not simply
// forgotten: a cancellation can land after a partial fill, so the
// engine resynchronizes with the exchange instead of assuming flat.
func (e *Engine) resolveOpen(ctx context.Context, u events.OrderUpdate) {
	pending := e.pending
	e.pending = nil
	switch u.Status {
	case db.StatusFilled:
		entry := u.AvgPrice
		if entry == 0 {
			entry = u.EntryPrice
		}
		qty := u.Qty
		if qty == 0 {
			qty = pending.qty
		}
		e.state = StateInPosition
		e.pos = position{
			side:       pending.side,
			qty:        qty,
			entryPrice: entry,
			stopLoss:   pending.stopLoss,
			tp1Price:   u.TP1Price,
			entryCID:   u.ClientOrderID,
		}
		e.notify("entry filled on %s: %s %v @ %v sl=%v tp1=%v",
			e.symbol, e.pos.side, e.pos.qty, e.pos.entryPrice, e.pos.stopLoss, e.pos.tp1Price)
	case db.StatusRejected, db.StatusCancelled, db.StatusFailed:
		e.notify("entry %s on %s failed: %s %s, reconciling", u.ClientOrderID, e.symbol, u.Status, u.Error)
		if err := e.reconcile(ctx); err != nil {
			log.Printf("ERROR: reconciliation after failed entry: %v", err)
			e.state = StateFlat
			e.pos = position{}
		}
	}
}

// resolveClose finalizes a full close. A failed close is dangerous: the
// position may still be live, so the engine resynchronizes instead of
// assuming anything.
func (e *Engine) resolveClose(ctx context.Context, u events.OrderUpdate) {
	e.pending = nil
	switch u.Status {
	case db.StatusFilled:
		e.state = StateFlat
		e.pos = position{}
		e.notify("position on %s closed @ %v", e.symbol, u.AvgPrice)
	case db.StatusRejected, db.StatusCancelled, db.StatusFailed:
		e.notify("CRITICAL: close %s on %s failed (%s %s), reconciling", u.ClientOrderID, e.symbol, u.Status, u.Error)
		if err := e.reconcile(ctx); err != nil {
			log.Printf("ERROR: reconciliation after failed close: %v", err)
			e.state = StateInPosition
		}
	}
}

// resolveTP1Close finalizes the partial take profit. On success the TP1
// flag is persisted on the entry order and, if configured, the stop is
// moved to breakeven as the follow-up command.
func (e *Engine) resolveTP1Close(ctx context.Context, u events.OrderUpdate) {
	pending := e.pending
	e.pending = nil
	switch u.Status {
	case db.StatusFilled:
		closed := u.Qty
		if closed == 0 {
			closed = pending.qty
		}
		e.pos.qty -= closed
		if e.pos.qty < 0 {
			e.pos.qty = 0
		}
		// set as soon as the partial close fills, not after the follow-up
		// breakeven move resolves: if that move fails the partial close
		// must still never fire a second time
		e.pos.isTP1Hit = true
		if e.pos.entryCID != "" {
			if err := e.store.MarkTP1Hit(ctx, e.pos.entryCID); err != nil {
				log.Printf("WARN: mark tp1 hit %s: %v", e.pos.entryCID, err)
			}
		}
		e.notify("TP1 partial close filled on %s: %v off, %v remains", e.symbol, closed, e.pos.qty)

		if e.risk.MoveSLToBreakeven && e.pos.entryPrice > 0 {
			cid := e.newCID("mod")
			e.bus.Publish(events.ChannelOrderModify, events.ModifyCommand{
				ClientOrderID: cid,
				Symbol:        e.symbol,
				NewStopLoss:   e.pos.entryPrice,
			})
			e.setPending(cid, actionSLMove, 0, e.pos.entryPrice)
			return
		}
		e.state = StateInPosition
	case db.StatusRejected, db.StatusCancelled, db.StatusFailed:
		e.notify("TP1 partial close %s on %s failed: %s %s, reconciling", u.ClientOrderID, e.symbol, u.Status, u.Error)
		if err := e.reconcile(ctx); err != nil {
			log.Printf("ERROR: reconciliation after failed tp1 close: %v", err)
			e.state = StateInPosition
		}
	}
}

// resolveStopMove finalizes a trading-stop modification (trail or
// breakeven move). Failure leaves the previous stop in place.
func (e *Engine) resolveStopMove(u events.OrderUpdate, what string) {
	pending := e.pending
	e.pending = nil
	e.state = StateInPosition
	switch u.Status {
	case db.StatusModified:
		e.pos.stopLoss = pending.stopLoss
		log.Printf("%s on %s applied: sl=%v", what, e.symbol, e.pos.stopLoss)
	case db.StatusRejected, db.StatusFailed:
		log.Printf("WARN: %s on %s failed: %s %s, keeping sl=%v", what, e.symbol, u.Status, u.Error, e.pos.stopLoss)
	}
}
