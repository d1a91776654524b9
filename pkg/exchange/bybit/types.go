package bybit

import "time"

// PlaceOrderRequest captures an order intent for /v5/order/create.
type PlaceOrderRequest struct {
	Symbol        string
	Side          string // Buy or Sell
	OrderType     string // Market or Limit
	Qty           float64
	Price         float64 // required for Limit
	ClientOrderID string  // orderLinkId, the idempotency key
	StopLoss      float64
	TakeProfit    float64
	ReduceOnly    bool
	PositionIdx   int // 0 for one-way mode
}

// OrderAck returns the exchange acknowledgement of a submitted order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
}

// TradingStopRequest mutates SL/TP on the open position via
// /v5/position/trading-stop. A TakeProfit of 0 cancels the take profit.
type TradingStopRequest struct {
	Symbol      string
	PositionIdx int
	StopLoss    float64
	TakeProfit  float64
}

// Position is the exchange's view of current exposure. Size is 0 when
// flat. This always takes precedence over cached in-memory state.
type Position struct {
	Symbol      string
	Size        float64
	Side        string
	AvgPrice    float64
	PositionIdx int
	StopLoss    float64
	TakeProfit  float64
}

// OrderEvent is one push event from the private order stream.
type OrderEvent struct {
	Symbol          string
	ClientOrderID   string // orderLinkId
	ExchangeOrderID string
	Status          string
	AvgPrice        float64
	Qty             float64
	RejectReason    string
}

// KlineEvent is one bar from the public kline stream. Confirm is true
// once the bar is closed.
type KlineEvent struct {
	Symbol   string
	Start    time.Time
	Interval string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Confirm  bool
}
