package events

import "time"

// Command and update channels shared by the decision engine and the
// execution gateway. Every command payload carries a caller-generated
// client order id that acts as the idempotency key across the bus, the
// store and the exchange.
const (
	ChannelOrderNew    = "orders:new"
	ChannelOrderModify = "orders:modify"
	ChannelOrderClose  = "orders:close"
	ChannelOrderUpdate = "orders:update"
)

// CandleChannel returns the per-symbol candle channel name.
func CandleChannel(symbol string) string {
	return "candles:" + symbol
}

// Candle is one confirmed OHLCV bar published by the data collector.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// OpenCommand asks the gateway to submit a new position-opening order.
type OpenCommand struct {
	ClientOrderID      string  `json:"client_order_id"`
	Symbol             string  `json:"symbol"`
	Side               string  `json:"side"`
	OrderType          string  `json:"order_type"`
	Qty                float64 `json:"qty"`
	Price              float64 `json:"price,omitempty"`
	StopLoss           float64 `json:"stop_loss"`
	TakeProfit         float64 `json:"take_profit"`
	EntryPriceEstimate float64 `json:"entry_price_estimate"`
	TP1Price           float64 `json:"tp1_price"`
	TP1RiskReward      float64 `json:"tp1_rr"`
}

// CloseCommand asks the gateway to submit a reduce-only market order
// closing all or part of the current position.
type CloseCommand struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
}

// ModifyCommand asks the gateway to move the position's stop loss and/or
// take profit. A NewTakeProfit of 0 cancels the take profit.
type ModifyCommand struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	PositionIdx   int     `json:"position_idx"`
	NewStopLoss   float64 `json:"new_stop_loss"`
	NewTakeProfit float64 `json:"new_take_profit"`
}

// OrderUpdate is the normalized status event republished by the gateway
// for every command outcome and every exchange push event.
type OrderUpdate struct {
	ClientOrderID   string  `json:"client_order_id"`
	ExchangeOrderID string  `json:"order_id,omitempty"`
	Status          string  `json:"status"`
	AvgPrice        float64 `json:"avg_price"`
	Qty             float64 `json:"qty"`
	Error           string  `json:"error,omitempty"`
	EntryPrice      float64 `json:"entry_price"`
	TP1Price        float64 `json:"tp1_price"`
	IsTP1Hit        bool    `json:"is_tp1_hit"`
}
