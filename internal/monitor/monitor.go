// Package monitor exposes Prometheus metrics for the trading pipeline.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CandlesStored counts confirmed candles persisted per symbol.
	CandlesStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_candles_stored_total",
		Help: "Confirmed candles persisted, by symbol.",
	}, []string{"symbol"})

	// OrdersFinalized counts order submissions by terminal outcome.
	OrdersFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_orders_finalized_total",
		Help: "Order submissions by outcome status.",
	}, []string{"status"})

	// OrderUpdates counts stream events applied per status.
	OrderUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_order_updates_total",
		Help: "Order stream updates applied, by status.",
	}, []string{"status"})

	// BusDropped counts messages dropped on full subscriber buffers.
	BusDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_bus_dropped_total",
		Help: "Bus messages dropped on full subscriber buffers, by channel.",
	}, []string{"channel"})

	// PendingTimeouts counts force-cleared in-flight commands.
	PendingTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_pending_timeouts_total",
		Help: "Commands force-cleared after the pending timeout.",
	})

	// Reconciliations counts position resyncs against the exchange.
	Reconciliations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradebot_reconciliations_total",
		Help: "Position reconciliations against the exchange.",
	})

	// LifecycleState publishes the engine state as a labeled gauge; the
	// active state is 1, all others 0.
	LifecycleState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradebot_lifecycle_state",
		Help: "Current order lifecycle state (1 = active).",
	}, []string{"symbol", "state"})
)

func init() {
	prometheus.MustRegister(
		CandlesStored,
		OrdersFinalized,
		OrderUpdates,
		BusDropped,
		PendingTimeouts,
		Reconciliations,
		LifecycleState,
	)
}

// SetState flips the lifecycle gauge to the given state.
func SetState(symbol, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		LifecycleState.WithLabelValues(symbol, s).Set(v)
	}
}
