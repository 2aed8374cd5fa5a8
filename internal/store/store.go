// Package store caches klines in a relational database keyed by exchange,
// market type, symbol and timeframe. SQLite backs the default local cache
// file; PostgreSQL is supported through the same database/sql surface.
// Callers blank-import the driver they open.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Key identifies one kline series in the cache.
type Key struct {
	Exchange   string
	MarketType string
	Symbol     string
	Timeframe  string
}

// UpsertResult counts what an Upsert did per row.
type UpsertResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Store is a kline cache on top of database/sql.
type Store struct {
	*sql.DB
	driver string
}

// Open connects, pings, and for SQLite switches the journal to WAL so a
// reader UI and a writer fetch can coexist.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	if driver == "sqlite3" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{DB: db, driver: driver}, nil
}

// EnsureSchema creates the klines table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS klines (
			exchange TEXT NOT NULL,
			market_type TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			open_time BIGINT NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			close_time BIGINT NOT NULL,
			PRIMARY KEY (exchange, market_type, symbol, timeframe, open_time)
		)
	`)
	if err != nil {
		return fmt.Errorf("create klines table: %w", err)
	}
	return nil
}

// rebind converts ?-style placeholders to the $N style lib/pq expects.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
