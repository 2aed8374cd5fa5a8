package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Backtester/internal/binance"
	"github.com/Alias1177/Backtester/internal/config"
	"github.com/Alias1177/Backtester/internal/resample"
	"github.com/Alias1177/Backtester/internal/store"
)

func main() {
	var (
		symbol    = flag.String("symbol", "BTCUSDT", "symbol to backfill")
		timeframe = flag.String("tf", "4h", "timeframe to backfill")
		startDate = flag.String("start", "", "start date YYYY-MM-DD (default 365 days ago)")
		endDate   = flag.String("end", "", "end date YYYY-MM-DD (default today)")
	)
	flag.Parse()

	env := config.LoadEnv()
	setupLogging(env.LogLevel)

	startMS, endMS, err := resolveDateRange(*startDate, *endDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid date range")
	}
	intervalMS, err := resample.IntervalMS(*timeframe)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid timeframe")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	st, err := store.Open(env.DBDriver, env.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open kline store")
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure store schema")
	}

	api := binance.NewClient(env)
	key := store.Key{Exchange: "binance", MarketType: "usdtm", Symbol: *symbol, Timeframe: *timeframe}

	openTimes, err := st.OpenTimes(ctx, key, startMS, endMS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read cached open times")
	}
	missing := store.MissingSegments(startMS, endMS, intervalMS, openTimes)
	segments := store.NormalizeSegments(store.OverlapSegments(missing, intervalMS), startMS, endMS)
	barsEst := store.EstimateBars(startMS, endMS, intervalMS)
	log.Info().
		Str("symbol", *symbol).
		Str("tf", *timeframe).
		Int("bars_est", barsEst).
		Int("cached", len(openTimes)).
		Int("gap_segments", len(missing)).
		Msg("Checked local cache")

	downloaded := 0
	for _, seg := range segments {
		segmentBase := downloaded
		klines, err := api.KlinesRange(ctx, *symbol, *timeframe, seg.StartMS, seg.EndMS, func(fetched int) {
			downloaded = segmentBase + fetched
			log.Info().Int("downloaded", downloaded).Int("bars_est", barsEst).Msg("Fetching klines")
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("Canceled")
				return
			}
			log.Fatal().Err(err).Msg("Failed to fetch klines")
		}
		if len(klines) == 0 {
			continue
		}
		res, err := st.Upsert(ctx, key, klines)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to upsert klines")
		}
		log.Info().
			Int("inserted", res.Inserted).
			Int("updated", res.Updated).
			Int("skipped", res.Skipped).
			Msg("Cache updated")
	}

	availStart, availEnd, ok, err := st.AvailableRange(ctx, key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read available range")
	}
	if !ok {
		log.Warn().Msg("Cache is still empty for this symbol and timeframe")
		return
	}
	log.Info().
		Str("from", time.UnixMilli(availStart).UTC().Format("2006-01-02 15:04")).
		Str("to", time.UnixMilli(availEnd).UTC().Format("2006-01-02 15:04")).
		Msg("Backfill complete")
}

// resolveDateRange parses YYYY-MM-DD bounds as UTC midnights. Empty bounds
// default to the last 365 days.
func resolveDateRange(start, end string) (int64, int64, error) {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	endT := now
	if end != "" {
		t, err := time.Parse("2006-01-02", end)
		if err != nil {
			return 0, 0, err
		}
		endT = t
	}
	startT := endT.AddDate(0, 0, -365)
	if start != "" {
		t, err := time.Parse("2006-01-02", start)
		if err != nil {
			return 0, 0, err
		}
		startT = t
	}
	return startT.UnixMilli(), endT.UnixMilli(), nil
}

// setupLogging configures the logger
func setupLogging(logLevel string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = log.Output(output)

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Logger.Level(level)
}

func setupSignalHandling(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Info().Msg("Shutdown signal received, finishing up...")
		cancel()
	}()
}
