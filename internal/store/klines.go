package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Alias1177/Backtester/models"
)

// OpenTimes returns the cached open_time values inside [startMS, endMS],
// ascending. The gap planner works from this list.
func (s *Store) OpenTimes(ctx context.Context, key Key, startMS, endMS int64) ([]int64, error) {
	rows, err := s.QueryContext(ctx, s.rebind(`
		SELECT open_time
		FROM klines
		WHERE exchange=? AND market_type=? AND symbol=? AND timeframe=?
		  AND open_time BETWEEN ? AND ?
		ORDER BY open_time ASC
	`), key.Exchange, key.MarketType, key.Symbol, key.Timeframe, startMS, endMS)
	if err != nil {
		return nil, fmt.Errorf("query open times: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan open time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Load returns the cached klines inside [startMS, endMS], ascending.
func (s *Store) Load(ctx context.Context, key Key, startMS, endMS int64) ([]models.Kline, error) {
	rows, err := s.QueryContext(ctx, s.rebind(`
		SELECT open_time, open, high, low, close, volume, close_time
		FROM klines
		WHERE exchange=? AND market_type=? AND symbol=? AND timeframe=?
		  AND open_time BETWEEN ? AND ?
		ORDER BY open_time ASC
	`), key.Exchange, key.MarketType, key.Symbol, key.Timeframe, startMS, endMS)
	if err != nil {
		return nil, fmt.Errorf("query klines: %w", err)
	}
	defer rows.Close()

	var out []models.Kline
	for rows.Next() {
		var k models.Kline
		if err := rows.Scan(&k.OpenTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &k.CloseTime); err != nil {
			return nil, fmt.Errorf("scan kline: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// AvailableRange returns the first and last cached open_time for a key.
// ok is false when the series has no rows at all.
func (s *Store) AvailableRange(ctx context.Context, key Key) (minMS, maxMS int64, ok bool, err error) {
	var minVal, maxVal sql.NullInt64
	err = s.QueryRowContext(ctx, s.rebind(`
		SELECT MIN(open_time), MAX(open_time)
		FROM klines
		WHERE exchange=? AND market_type=? AND symbol=? AND timeframe=?
	`), key.Exchange, key.MarketType, key.Symbol, key.Timeframe).Scan(&minVal, &maxVal)
	if err != nil {
		return 0, 0, false, fmt.Errorf("query available range: %w", err)
	}
	if !minVal.Valid || !maxVal.Valid {
		return 0, 0, false, nil
	}
	return minVal.Int64, maxVal.Int64, true, nil
}

// Upsert writes klines row by row: new open_times are inserted, changed
// rows updated, identical rows skipped. Runs in one transaction so a failed
// backfill leaves the cache untouched.
func (s *Store) Upsert(ctx context.Context, key Key, klines []models.Kline) (UpsertResult, error) {
	var res UpsertResult
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	selectQ := s.rebind(`
		SELECT open, high, low, close, volume, close_time
		FROM klines
		WHERE exchange=? AND market_type=? AND symbol=? AND timeframe=? AND open_time=?
	`)
	insertQ := s.rebind(`
		INSERT INTO klines
		(exchange, market_type, symbol, timeframe, open_time,
		 open, high, low, close, volume, close_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	updateQ := s.rebind(`
		UPDATE klines
		SET open=?, high=?, low=?, close=?, volume=?, close_time=?
		WHERE exchange=? AND market_type=? AND symbol=? AND timeframe=? AND open_time=?
	`)

	for _, k := range klines {
		var existing models.Kline
		err := tx.QueryRowContext(ctx, selectQ,
			key.Exchange, key.MarketType, key.Symbol, key.Timeframe, k.OpenTime,
		).Scan(&existing.Open, &existing.High, &existing.Low, &existing.Close, &existing.Volume, &existing.CloseTime)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, insertQ,
				key.Exchange, key.MarketType, key.Symbol, key.Timeframe, k.OpenTime,
				k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime,
			); err != nil {
				return res, fmt.Errorf("insert kline %d: %w", k.OpenTime, err)
			}
			res.Inserted++
		case err != nil:
			return res, fmt.Errorf("probe kline %d: %w", k.OpenTime, err)
		case existing.Open == k.Open && existing.High == k.High && existing.Low == k.Low &&
			existing.Close == k.Close && existing.Volume == k.Volume && existing.CloseTime == k.CloseTime:
			res.Skipped++
		default:
			if _, err := tx.ExecContext(ctx, updateQ,
				k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime,
				key.Exchange, key.MarketType, key.Symbol, key.Timeframe, k.OpenTime,
			); err != nil {
				return res, fmt.Errorf("update kline %d: %w", k.OpenTime, err)
			}
			res.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}
