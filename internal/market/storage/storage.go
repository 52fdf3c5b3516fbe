package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"qtune/internal/database"
	"qtune/internal/market"
)

// Storage handles market bar persistence
type Storage struct {
	db *database.DB
}

// NewStorage creates a new storage instance
func NewStorage(db *database.DB) *Storage {
	return &Storage{db: db}
}

// SaveBars upserts bars for their symbol and trade date.
func (s *Storage) SaveBars(ctx context.Context, bars []market.Bar) error {
	query := s.db.Rebind(`
		INSERT INTO market_bars (symbol, trade_date, open, high, low, close, volume, turnover, suspended)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, trade_date)
		DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			turnover = excluded.turnover,
			suspended = excluded.suspended
	`)

	return s.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare bar upsert: %w", err)
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx,
				b.Symbol, market.DateOnly(b.TradeDate),
				b.Open, b.High, b.Low, b.Close, b.Volume, b.Turnover, b.Suspended,
			); err != nil {
				return fmt.Errorf("failed to save bar %s %s: %w", b.Symbol, b.TradeDate.Format("2006-01-02"), err)
			}
		}
		return nil
	})
}

// GetDailyBars implements market.BarProvider.
func (s *Storage) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]market.Bar, error) {
	query := s.db.Rebind(`
		SELECT symbol, trade_date, open, high, low, close, volume, turnover, suspended
		FROM market_bars
		WHERE symbol = ? AND trade_date >= ? AND trade_date <= ?
		ORDER BY trade_date ASC
	`)

	rows, err := s.db.QueryContext(ctx, query, symbol, market.DateOnly(start), market.DateOnly(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []market.Bar
	for rows.Next() {
		var b market.Bar
		if err := rows.Scan(&b.Symbol, &b.TradeDate, &b.Open, &b.High, &b.Low, &b.Close,
			&b.Volume, &b.Turnover, &b.Suspended); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.TradeDate = market.DateOnly(b.TradeDate)
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bars: %w", err)
	}
	return bars, nil
}
