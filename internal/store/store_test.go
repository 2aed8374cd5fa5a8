package store

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Alias1177/Backtester/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", filepath.Join(t.TempDir(), "klines.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return s
}

func TestUpsertDedupAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	key := Key{Exchange: "binance", MarketType: "usdtm", Symbol: "BTCUSDT", Timeframe: "4h"}
	row := models.Kline{OpenTime: 1, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100, CloseTime: 2}

	res, err := s.Upsert(ctx, key, []models.Kline{row})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 || res.Skipped != 0 {
		t.Errorf("first upsert = %+v, want 1 inserted", res)
	}

	res, err = s.Upsert(ctx, key, []models.Kline{row})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if res.Skipped != 1 || res.Inserted != 0 || res.Updated != 0 {
		t.Errorf("identical upsert = %+v, want 1 skipped", res)
	}

	row.Close = 10.8
	res, err = s.Upsert(ctx, key, []models.Kline{row})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if res.Updated != 1 || res.Inserted != 0 || res.Skipped != 0 {
		t.Errorf("changed upsert = %+v, want 1 updated", res)
	}

	got, err := s.Load(ctx, key, 0, 10)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 || got[0].Close != 10.8 {
		t.Errorf("Load() = %+v, want the updated close", got)
	}
}

func TestOpenTimesAndAvailableRange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	key := Key{Exchange: "binance", MarketType: "usdtm", Symbol: "BTCUSDT", Timeframe: "4h"}

	if _, _, ok, err := s.AvailableRange(ctx, key); err != nil || ok {
		t.Fatalf("AvailableRange(empty) = ok %v, err %v, want not ok", ok, err)
	}

	rows := []models.Kline{
		{OpenTime: 1, CloseTime: 2},
		{OpenTime: 2, CloseTime: 3},
		{OpenTime: 5, CloseTime: 6},
	}
	if _, err := s.Upsert(ctx, key, rows); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	times, err := s.OpenTimes(ctx, key, 0, 10)
	if err != nil {
		t.Fatalf("OpenTimes() error = %v", err)
	}
	if len(times) != 3 || times[0] != 1 || times[1] != 2 || times[2] != 5 {
		t.Errorf("OpenTimes() = %v, want [1 2 5]", times)
	}

	times, err = s.OpenTimes(ctx, key, 2, 5)
	if err != nil {
		t.Fatalf("OpenTimes() error = %v", err)
	}
	if len(times) != 2 || times[0] != 2 || times[1] != 5 {
		t.Errorf("bounded OpenTimes() = %v, want [2 5]", times)
	}

	minMS, maxMS, ok, err := s.AvailableRange(ctx, key)
	if err != nil || !ok {
		t.Fatalf("AvailableRange() = ok %v, err %v", ok, err)
	}
	if minMS != 1 || maxMS != 5 {
		t.Errorf("AvailableRange() = %d..%d, want 1..5", minMS, maxMS)
	}

	// A different timeframe is a separate series.
	other := key
	other.Timeframe = "1h"
	if times, err := s.OpenTimes(ctx, other, 0, 10); err != nil || len(times) != 0 {
		t.Errorf("OpenTimes(other series) = %v, %v, want empty", times, err)
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		driver   string
		query    string
		expected string
	}{
		{
			name:     "sqlite keeps question marks",
			driver:   "sqlite3",
			query:    "SELECT 1 FROM klines WHERE symbol = ? AND open_time = ?",
			expected: "SELECT 1 FROM klines WHERE symbol = ? AND open_time = ?",
		},
		{
			name:     "postgres numbers placeholders",
			driver:   "postgres",
			query:    "INSERT INTO klines VALUES (?, ?, ?)",
			expected: "INSERT INTO klines VALUES ($1, $2, $3)",
		},
		{
			name:     "postgres with no placeholders",
			driver:   "postgres",
			query:    "SELECT 1",
			expected: "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{driver: tt.driver}
			if got := s.rebind(tt.query); got != tt.expected {
				t.Errorf("rebind() = %q, want %q", got, tt.expected)
			}
		})
	}
}
