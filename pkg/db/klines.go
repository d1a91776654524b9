package db

import (
	"context"
	"fmt"
)

// InsertKline appends a candle. Duplicates on (symbol, timestamp) are
// ignored so websocket replays stay idempotent; the bool reports whether
// a row was actually written.
func (d *Database) InsertKline(ctx context.Context, k Kline) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO klines (symbol, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, k.Symbol, k.Timestamp.UTC(), k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return false, fmt.Errorf("insert kline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecentKlines returns up to limit candles for a symbol in chronological
// order. The engine uses it to warm up indicators on startup.
func (d *Database) RecentKlines(ctx context.Context, symbol string, limit int) ([]Kline, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, timestamp, open, high, low, close, volume
		FROM (
			SELECT symbol, timestamp, open, high, low, close, volume
			FROM klines WHERE symbol = ?
			ORDER BY timestamp DESC LIMIT ?
		)
		ORDER BY timestamp ASC
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query klines: %w", err)
	}
	defer rows.Close()

	var klines []Kline
	for rows.Next() {
		var k Kline
		if err := rows.Scan(&k.Symbol, &k.Timestamp, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume); err != nil {
			return nil, fmt.Errorf("scan kline: %w", err)
		}
		klines = append(klines, k)
	}
	return klines, rows.Err()
}
