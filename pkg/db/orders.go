package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateOrder signals a second insert with an already-used
	// client order id. Callers must treat it as "state unknown,
	// reconcile", never as a retry.
	ErrDuplicateOrder = errors.New("duplicate client order id")

	// ErrOrderNotFound signals a lookup miss by client order id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrSkipUpdate can be returned from a MutateOrder callback to roll
	// back without surfacing an error (e.g. stale status updates).
	ErrSkipUpdate = errors.New("skip order update")
)

const orderColumns = `client_order_id, COALESCE(exchange_order_id, ''), symbol, side, order_type,
	qty, COALESCE(price, 0), COALESCE(stop_loss, 0), COALESCE(take_profit, 0), status,
	COALESCE(avg_price, 0), COALESCE(error_message, ''), COALESCE(position_idx, 0),
	COALESCE(new_stop_loss, 0), COALESCE(new_take_profit, 0),
	COALESCE(entry_price_estimate, 0), COALESCE(tp1_price, 0), COALESCE(tp1_rr, 0),
	is_tp1_hit, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := row.Scan(&o.ClientOrderID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.OrderType,
		&o.Qty, &o.Price, &o.StopLoss, &o.TakeProfit, &o.Status,
		&o.AvgPrice, &o.ErrorMessage, &o.PositionIdx,
		&o.NewStopLoss, &o.NewTakeProfit,
		&o.EntryPriceEstimate, &o.TP1Price, &o.TP1RiskReward,
		&o.IsTP1Hit, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// CreateOrder inserts a new order row. A unique-constraint violation on
// client_order_id is reported as ErrDuplicateOrder.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, symbol, side, order_type, qty, price,
			stop_loss, take_profit, status, position_idx, new_stop_loss, new_take_profit,
			entry_price_estimate, tp1_price, tp1_rr, is_tp1_hit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ClientOrderID, o.Symbol, o.Side, o.OrderType, o.Qty, o.Price,
		o.StopLoss, o.TakeProfit, o.Status, o.PositionIdx, o.NewStopLoss, o.NewTakeProfit,
		o.EntryPriceEstimate, o.TP1Price, o.TP1RiskReward, o.IsTP1Hit)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: orders.client_order_id") {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder returns the order with the given client order id.
func (d *Database) GetOrder(ctx context.Context, clientOrderID string) (Order, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// MutateOrder loads the order inside an immediate transaction, applies fn
// to it and persists the mutated row. The transaction serializes
// concurrent stream updates against the same row. Returning ErrSkipUpdate
// from fn rolls back without error and returns the unmodified row.
func (d *Database) MutateOrder(ctx context.Context, clientOrderID string, fn func(*Order) error) (Order, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order for update: %w", err)
	}

	if err := fn(&o); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return o, nil
		}
		return Order{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET exchange_order_id = NULLIF(?, ''), status = ?, avg_price = ?,
			error_message = ?, entry_price_estimate = ?, tp1_price = ?, is_tp1_hit = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE client_order_id = ?
	`, o.ExchangeOrderID, o.Status, o.AvgPrice,
		o.ErrorMessage, o.EntryPriceEstimate, o.TP1Price, o.IsTP1Hit,
		o.ClientOrderID)
	if err != nil {
		return Order{}, fmt.Errorf("update order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Order{}, fmt.Errorf("commit order update: %w", err)
	}
	return o, nil
}

// MarkTP1Hit flips the monotonic is_tp1_hit flag on an order.
func (d *Database) MarkTP1Hit(ctx context.Context, clientOrderID string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET is_tp1_hit = 1, updated_at = CURRENT_TIMESTAMP
		WHERE client_order_id = ?
	`, clientOrderID)
	if err != nil {
		return fmt.Errorf("mark tp1 hit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// LatestFilledEntry returns the most recent filled, non-closing order for
// a symbol and side. Reconciliation uses it to recover entry price, TP1
// price and TP1 progress after a restart.
func (d *Database) LatestFilledEntry(ctx context.Context, symbol, side string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE symbol = ? AND side = ? AND status = ?
		  AND client_order_id NOT LIKE 'bot_close_%'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, symbol, side, StatusFilled)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query latest filled entry: %w", err)
	}
	return o, nil
}

// RecentOrders returns the newest orders for the status API.
func (d *Database) RecentOrders(ctx context.Context, limit int) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
