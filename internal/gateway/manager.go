// Package gateway is the execution side of the trading pipeline. It
// consumes order commands from the bus, persists them before touching
// the exchange, submits them with bounded retries and republishes
// normalized status updates. It holds no position state of its own.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"tradebot/internal/events"
	"tradebot/internal/monitor"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange/bybit"
)

// Exchange is the slice of the REST client the gateway needs.
type Exchange interface {
	PlaceOrder(ctx context.Context, req bybit.PlaceOrderRequest) (bybit.OrderAck, error)
	SetTradingStop(ctx context.Context, req bybit.TradingStopRequest) error
}

// Manager executes order commands for one symbol.
type Manager struct {
	symbol   string
	store    *db.Database
	bus      *events.Bus
	exchange Exchange
	beat     func()

	// sleep is swapped out in tests to skip backoff delays.
	sleep func(time.Duration)
}

// New creates a gateway manager. beat may be nil.
func New(symbol string, store *db.Database, bus *events.Bus, exchange Exchange, beat func()) *Manager {
	return &Manager{
		symbol:   symbol,
		store:    store,
		bus:      bus,
		exchange: exchange,
		beat:     beat,
		sleep:    time.Sleep,
	}
}

// Run consumes the command channels until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	opens, unsubOpen := m.bus.Subscribe(events.ChannelOrderNew, 16)
	defer unsubOpen()
	closes, unsubClose := m.bus.Subscribe(events.ChannelOrderClose, 16)
	defer unsubClose()
	mods, unsubMod := m.bus.Subscribe(events.ChannelOrderModify, 16)
	defer unsubMod()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	log.Printf("gateway started for %s", m.symbol)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeat()
		case msg := <-opens:
			if cmd, ok := msg.(events.OpenCommand); ok {
				m.heartbeat()
				m.handleOpen(ctx, cmd)
			}
		case msg := <-closes:
			if cmd, ok := msg.(events.CloseCommand); ok {
				m.heartbeat()
				m.handleClose(ctx, cmd)
			}
		case msg := <-mods:
			if cmd, ok := msg.(events.ModifyCommand); ok {
				m.heartbeat()
				m.handleModify(ctx, cmd)
			}
		}
	}
}

func (m *Manager) heartbeat() {
	if m.beat != nil {
		m.beat()
	}
}

// handleOpen persists the order first, then submits it. The persist
// must come first: if the process dies between the two steps the row
// remains in pending_submission and reconciliation picks it up. A
// duplicate client order id means a previous submission may already be
// live on the exchange, so it fails hard and is never retried.
func (m *Manager) handleOpen(ctx context.Context, cmd events.OpenCommand) {
	if cmd.Symbol != m.symbol {
		return
	}
	order := db.Order{
		ClientOrderID:      cmd.ClientOrderID,
		Symbol:             cmd.Symbol,
		Side:               cmd.Side,
		OrderType:          cmd.OrderType,
		Qty:                cmd.Qty,
		Price:              cmd.Price,
		StopLoss:           cmd.StopLoss,
		TakeProfit:         cmd.TakeProfit,
		Status:             db.StatusPendingSubmission,
		EntryPriceEstimate: cmd.EntryPriceEstimate,
		TP1Price:           cmd.TP1Price,
		TP1RiskReward:      cmd.TP1RiskReward,
	}
	if err := m.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, db.ErrDuplicateOrder) {
			log.Printf("ERROR: duplicate client order id %s, refusing to submit", cmd.ClientOrderID)
			m.publishFailure(cmd.ClientOrderID, "Duplicate CID")
			return
		}
		log.Printf("ERROR: persist order %s: %v", cmd.ClientOrderID, err)
		m.publishFailure(cmd.ClientOrderID, err.Error())
		return
	}

	ack, err := m.submit(ctx, bybit.PlaceOrderRequest{
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		OrderType:     cmd.OrderType,
		Qty:           cmd.Qty,
		Price:         cmd.Price,
		ClientOrderID: cmd.ClientOrderID,
		StopLoss:      cmd.StopLoss,
		TakeProfit:    cmd.TakeProfit,
	})
	m.finishSubmission(ctx, cmd.ClientOrderID, ack, err)
}

// handleClose submits a reduce-only market order against the position.
func (m *Manager) handleClose(ctx context.Context, cmd events.CloseCommand) {
	if cmd.Symbol != m.symbol {
		return
	}
	order := db.Order{
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		OrderType:     db.TypeMarket,
		Qty:           cmd.Qty,
		Status:        db.StatusPendingSubmission,
	}
	if err := m.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, db.ErrDuplicateOrder) {
			log.Printf("ERROR: duplicate client order id %s, refusing to submit", cmd.ClientOrderID)
			m.publishFailure(cmd.ClientOrderID, "Duplicate CID")
			return
		}
		log.Printf("ERROR: persist close order %s: %v", cmd.ClientOrderID, err)
		m.publishFailure(cmd.ClientOrderID, err.Error())
		return
	}

	ack, err := m.submit(ctx, bybit.PlaceOrderRequest{
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		OrderType:     db.TypeMarket,
		Qty:           cmd.Qty,
		ClientOrderID: cmd.ClientOrderID,
		ReduceOnly:    true,
	})
	m.finishSubmission(ctx, cmd.ClientOrderID, ack, err)
}

// handleModify moves SL/TP on the open position. The call is stateless
// on the exchange side, so the row exists only as an audit record and
// the terminal status arrives synchronously.
func (m *Manager) handleModify(ctx context.Context, cmd events.ModifyCommand) {
	if cmd.Symbol != m.symbol {
		return
	}
	order := db.Order{
		ClientOrderID: cmd.ClientOrderID,
		Symbol:        cmd.Symbol,
		OrderType:     "TradingStop",
		Status:        db.StatusPendingSubmission,
		PositionIdx:   cmd.PositionIdx,
		NewStopLoss:   cmd.NewStopLoss,
		NewTakeProfit: cmd.NewTakeProfit,
	}
	if err := m.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, db.ErrDuplicateOrder) {
			m.publishFailure(cmd.ClientOrderID, "Duplicate CID")
			return
		}
		m.publishFailure(cmd.ClientOrderID, err.Error())
		return
	}

	err := withRetry(ctx, m.sleep, func() error {
		return m.exchange.SetTradingStop(ctx, bybit.TradingStopRequest{
			Symbol:      cmd.Symbol,
			PositionIdx: cmd.PositionIdx,
			StopLoss:    cmd.NewStopLoss,
			TakeProfit:  cmd.NewTakeProfit,
		})
	})

	status := db.StatusModified
	errMsg := ""
	if err != nil {
		status = db.StatusFailed
		errMsg = err.Error()
		log.Printf("ERROR: modify %s: %v", cmd.ClientOrderID, err)
	} else {
		log.Printf("modified stops for %s: sl=%v tp=%v", cmd.Symbol, cmd.NewStopLoss, cmd.NewTakeProfit)
	}
	updated, uerr := m.store.MutateOrder(ctx, cmd.ClientOrderID, func(o *db.Order) error {
		o.Status = status
		o.ErrorMessage = errMsg
		return nil
	})
	if uerr != nil {
		log.Printf("ERROR: record modify result %s: %v", cmd.ClientOrderID, uerr)
	}
	m.publishUpdate(updated, status, errMsg)
}

func (m *Manager) submit(ctx context.Context, req bybit.PlaceOrderRequest) (bybit.OrderAck, error) {
	var ack bybit.OrderAck
	err := withRetry(ctx, m.sleep, func() error {
		var err error
		ack, err = m.exchange.PlaceOrder(ctx, req)
		return err
	})
	return ack, err
}

// finishSubmission records the outcome of a PlaceOrder call. Exchange
// rejections become Rejected; transport failures become failed. The
// terminal guard inside the mutation keeps a fast websocket fill from
// being overwritten by the slower REST acknowledgement.
func (m *Manager) finishSubmission(ctx context.Context, cid string, ack bybit.OrderAck, submitErr error) {
	status := db.StatusSubmitted
	errMsg := ""
	if submitErr != nil {
		var apiErr *bybit.APIError
		if errors.As(submitErr, &apiErr) && apiErr.RetCode != 0 {
			status = db.StatusRejected
		} else {
			status = db.StatusFailed
		}
		errMsg = submitErr.Error()
		log.Printf("ERROR: submit %s: %v", cid, submitErr)
	} else {
		log.Printf("submitted %s as %s", cid, ack.OrderID)
	}

	updated, err := m.store.MutateOrder(ctx, cid, func(o *db.Order) error {
		if db.IsTerminalStatus(o.Status) {
			return db.ErrSkipUpdate
		}
		if o.Status != db.StatusPendingSubmission {
			// stream already advanced this order past Submitted
			return db.ErrSkipUpdate
		}
		o.Status = status
		o.ExchangeOrderID = ack.OrderID
		o.ErrorMessage = errMsg
		return nil
	})
	if err != nil {
		log.Printf("ERROR: record submission result %s: %v", cid, err)
		return
	}
	monitor.OrdersFinalized.WithLabelValues(updated.Status).Inc()
	m.publishUpdate(updated, updated.Status, updated.ErrorMessage)
}

func (m *Manager) publishUpdate(o db.Order, status, errMsg string) {
	m.bus.Publish(events.ChannelOrderUpdate, events.OrderUpdate{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Status:          status,
		AvgPrice:        o.AvgPrice,
		Qty:             o.Qty,
		Error:           errMsg,
		EntryPrice:      o.AvgPrice,
		TP1Price:        o.TP1Price,
		IsTP1Hit:        o.IsTP1Hit,
	})
}

func (m *Manager) publishFailure(cid, reason string) {
	m.bus.Publish(events.ChannelOrderUpdate, events.OrderUpdate{
		ClientOrderID: cid,
		Status:        db.StatusFailed,
		Error:         reason,
	})
}
