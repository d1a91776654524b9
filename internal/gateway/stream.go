package gateway

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"

	"tradebot/internal/events"
	"tradebot/internal/monitor"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange/bybit"
)

const (
	cidPrefix      = "bot_"
	cidClosePrefix = "bot_close_"
)

// HandleOrderEvent processes one push event from the private order
// stream: it updates the durable row and republishes a normalized
// update on the bus. Events for orders this bot did not place are
// dropped by the client order id prefix.
func (m *Manager) HandleOrderEvent(ctx context.Context, ev bybit.OrderEvent) {
	if !strings.HasPrefix(ev.ClientOrderID, cidPrefix) {
		return
	}
	if ev.Symbol != "" && ev.Symbol != m.symbol {
		return
	}

	updated, err := m.store.MutateOrder(ctx, ev.ClientOrderID, func(o *db.Order) error {
		// terminal statuses are final; a late or replayed event must
		// not resurrect the order
		if db.IsTerminalStatus(o.Status) {
			return db.ErrSkipUpdate
		}
		o.Status = ev.Status
		if ev.ExchangeOrderID != "" {
			o.ExchangeOrderID = ev.ExchangeOrderID
		}
		if ev.AvgPrice > 0 {
			o.AvgPrice = ev.AvgPrice
		}
		if ev.RejectReason != "" && ev.RejectReason != "EC_NoError" {
			o.ErrorMessage = ev.RejectReason
		}
		recomputeTP1(o, ev)
		return nil
	})
	if errors.Is(err, db.ErrOrderNotFound) {
		// a row for our own prefix should always exist; flag it loudly
		// and forward the raw event so the engine can still react
		log.Printf("CRITICAL: order event for unknown id %s (status %s)", ev.ClientOrderID, ev.Status)
		m.bus.Publish(events.ChannelOrderUpdate, events.OrderUpdate{
			ClientOrderID:   ev.ClientOrderID,
			ExchangeOrderID: ev.ExchangeOrderID,
			Status:          ev.Status,
			AvgPrice:        ev.AvgPrice,
			Qty:             ev.Qty,
		})
		return
	}
	if err != nil {
		log.Printf("ERROR: apply order event %s: %v", ev.ClientOrderID, err)
		return
	}
	if updated.Status != ev.Status {
		// mutation was skipped by the terminal guard
		log.Printf("stale order event %s ignored: row already %s, event %s",
			ev.ClientOrderID, updated.Status, ev.Status)
		return
	}

	log.Printf("order %s -> %s (avg %v)", ev.ClientOrderID, updated.Status, updated.AvgPrice)
	monitor.OrderUpdates.WithLabelValues(updated.Status).Inc()
	m.publishUpdate(updated, updated.Status, updated.ErrorMessage)
}

// recomputeTP1 replaces the pre-trade TP1 estimate with a price derived
// from the real average fill. Slippage on a market entry would otherwise
// skew the risk-reward of the partial take profit. Closing orders and
// orders without a TP1 plan are left untouched.
func recomputeTP1(o *db.Order, ev bybit.OrderEvent) {
	if ev.Status != db.StatusFilled || o.OrderType != db.TypeMarket {
		return
	}
	if strings.HasPrefix(o.ClientOrderID, cidClosePrefix) {
		return
	}
	if o.TP1RiskReward <= 0 || ev.AvgPrice <= 0 || o.StopLoss <= 0 {
		return
	}
	risk := math.Abs(ev.AvgPrice - o.StopLoss)
	if o.Side == db.SideBuy {
		o.TP1Price = ev.AvgPrice + o.TP1RiskReward*risk
	} else {
		o.TP1Price = ev.AvgPrice - o.TP1RiskReward*risk
	}
}
