package db

import "time"

// Order sides and types, matching Bybit V5 values.
const (
	SideBuy  = "Buy"
	SideSell = "Sell"

	TypeMarket = "Market"
	TypeLimit  = "Limit"
)

// Order statuses. A status only moves forward through the lifecycle; a
// terminal status is never overwritten by a stale, older one.
const (
	StatusReceived          = "received"
	StatusPendingSubmission = "pending_submission"
	StatusSubmitted         = "Submitted"
	StatusNew               = "New"
	StatusPartiallyFilled   = "PartiallyFilled"
	StatusFilled            = "Filled"
	StatusCancelled         = "Cancelled"
	StatusRejected          = "Rejected"
	StatusModified          = "Modified"
	StatusFailed            = "failed"
)

// IsTerminalStatus reports whether a status ends the order's lifecycle.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Order is the unit of exchange-facing work and the durable lock record.
// ClientOrderID is the caller-assigned idempotency key; inserting the
// same id twice fails with ErrDuplicateOrder. Rows are never deleted.
type Order struct {
	ID                 int64
	ClientOrderID      string
	ExchangeOrderID    string
	Symbol             string
	Side               string
	OrderType          string
	Qty                float64
	Price              float64
	StopLoss           float64
	TakeProfit         float64
	Status             string
	AvgPrice           float64
	ErrorMessage       string
	PositionIdx        int
	NewStopLoss        float64
	NewTakeProfit      float64
	EntryPriceEstimate float64
	TP1Price           float64
	TP1RiskReward      float64
	IsTP1Hit           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Kline is one OHLCV candle, unique on (symbol, timestamp). Append-only.
type Kline struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}
