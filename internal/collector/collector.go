// Package collector persists confirmed candles and publishes them to
// the engine. Only closed bars flow downstream; in-progress updates on
// the same bar are dropped.
package collector

import (
	"context"
	"log"

	"tradebot/internal/events"
	"tradebot/internal/monitor"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange/bybit"
)

// Collector bridges the public kline stream to the store and the bus.
type Collector struct {
	symbol string
	store  *db.Database
	bus    *events.Bus
	beat   func()
}

// New creates a collector for one symbol. beat may be nil.
func New(symbol string, store *db.Database, bus *events.Bus, beat func()) *Collector {
	return &Collector{symbol: symbol, store: store, bus: bus, beat: beat}
}

// HandleKline processes one bar from the market stream. The store's
// unique constraint makes replays after a reconnect harmless: a candle
// is published at most once.
func (c *Collector) HandleKline(ctx context.Context, ev bybit.KlineEvent) {
	if c.beat != nil {
		c.beat()
	}
	if !ev.Confirm || ev.Symbol != c.symbol {
		return
	}

	inserted, err := c.store.InsertKline(ctx, db.Kline{
		Symbol:    ev.Symbol,
		Timestamp: ev.Start,
		Open:      ev.Open,
		High:      ev.High,
		Low:       ev.Low,
		Close:     ev.Close,
		Volume:    ev.Volume,
	})
	if err != nil {
		log.Printf("ERROR: persist candle %s %s: %v", ev.Symbol, ev.Start, err)
		return
	}
	if !inserted {
		return
	}
	monitor.CandlesStored.WithLabelValues(ev.Symbol).Inc()

	c.bus.Publish(events.CandleChannel(ev.Symbol), events.Candle{
		Symbol:    ev.Symbol,
		Timestamp: ev.Start,
		Open:      ev.Open,
		High:      ev.High,
		Low:       ev.Low,
		Close:     ev.Close,
		Volume:    ev.Volume,
	})
}
