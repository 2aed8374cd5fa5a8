package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Backtester/internal/backtest"
	"github.com/Alias1177/Backtester/internal/binance"
	"github.com/Alias1177/Backtester/internal/config"
	"github.com/Alias1177/Backtester/internal/notify"
	"github.com/Alias1177/Backtester/internal/report"
	"github.com/Alias1177/Backtester/internal/resample"
	"github.com/Alias1177/Backtester/internal/store"
	"github.com/Alias1177/Backtester/internal/strategy"
	"github.com/Alias1177/Backtester/models"
)

func main() {
	var (
		configPath = flag.String("config", "", "strategy config JSON, defaults are used when empty")
		symbol     = flag.String("symbol", "", "override symbol")
		execTF     = flag.String("exec-tf", "", "override execution timeframe")
		filterTF   = flag.String("filter-tf", "", "override filter timeframe")
		tradeMode  = flag.String("trade-mode", "", "override trade mode: both | long_only | short_only")
		startDate  = flag.String("start", "", "start date YYYY-MM-DD (default 365 days ago)")
		endDate    = flag.String("end", "", "end date YYYY-MM-DD (default today)")
		outDir     = flag.String("out", "outputs", "artifact output directory")
	)
	flag.Parse()

	env := config.LoadEnv()
	setupLogging(env.LogLevel)

	cfg, err := loadStrategy(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load strategy config")
	}
	applyOverride(&cfg.Symbol, *symbol)
	applyOverride(&cfg.ExecTF, *execTF)
	applyOverride(&cfg.FilterTF, *filterTF)
	applyOverride(&cfg.TradeMode, *tradeMode)
	applyOverride(&cfg.StartDate, *startDate)
	applyOverride(&cfg.EndDate, *endDate)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid strategy config")
	}

	startMS, endMS, err := resolveDateRange(cfg.StartDate, cfg.EndDate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid date range")
	}
	intervalMS, err := resample.IntervalMS(cfg.ExecTF)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid execution timeframe")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	runID := uuid.NewString()[:8]
	log.Info().
		Str("run_id", runID).
		Str("symbol", cfg.Symbol).
		Str("exec_tf", cfg.ExecTF).
		Str("filter_tf", cfg.FilterTF).
		Str("trade_mode", cfg.TradeMode).
		Str("start", cfg.StartDate).
		Str("end", cfg.EndDate).
		Msg("Starting backtest")

	st, err := store.Open(env.DBDriver, env.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open kline store")
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure store schema")
	}

	api := binance.NewClient(env)
	key := store.Key{Exchange: "binance", MarketType: "usdtm", Symbol: cfg.Symbol, Timeframe: cfg.ExecTF}

	if err := syncKlines(ctx, st, api, key, startMS, endMS, intervalMS); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("Canceled during fetch, nothing to simulate")
			return
		}
		log.Fatal().Err(err).Msg("Failed to sync klines")
	}

	// Clamp the requested window to what the cache actually holds.
	availStart, availEnd, ok, err := st.AvailableRange(ctx, key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read available range")
	}
	if !ok {
		log.Fatal().Msg("No cached klines for this symbol and timeframe")
	}
	if startMS < availStart || endMS > availEnd {
		startMS = max(startMS, availStart)
		endMS = min(endMS, availEnd)
		log.Info().
			Int64("start_ms", startMS).
			Int64("end_ms", endMS).
			Msg("Range clamped to available data")
	}

	klines, err := st.Load(ctx, key, startMS, endMS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load klines")
	}
	if len(klines) == 0 {
		log.Fatal().Msg("No klines in range, nothing to simulate")
	}

	barsEst := store.EstimateBars(startMS, endMS, intervalMS)
	ratio := float64(len(klines)) / float64(max(barsEst, 1))
	if inv := float64(barsEst) / float64(len(klines)); inv > ratio {
		ratio = inv
	}
	if ratio > 10 {
		log.Fatal().
			Int("bars_est", barsEst).
			Int("bars_actual", len(klines)).
			Msg("Cached bar count is implausible for the requested range")
	}

	ok, detail := resample.Validate(klines, cfg.ExecTF)
	if !ok {
		log.Fatal().
			Int64("mode_ms", detail.ModeMS).
			Int64("expected_ms", detail.ExpectedMS).
			Str("reason", detail.Reason).
			Msg("Timeframe self-check failed")
	}
	log.Info().
		Int("bars", len(klines)).
		Int64("mode_ms", detail.ModeMS).
		Msg("Timeframe self-check passed")

	filterKlines := klines
	if cfg.FilterTF != cfg.ExecTF {
		filterKlines, err = resample.OHLCV(klines, cfg.FilterTF)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to resample filter timeframe")
		}
	}
	frame := strategy.BuildFrame(klines, filterKlines, cfg.V5)
	log.Info().Int("rows", len(frame)).Msg("Signal frame built")

	engine, err := backtest.New(backtest.ConfigFromStrategy(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid backtest config")
	}
	engine.OnProgress = func(done, total int) {
		if done%500 == 0 || done == total {
			log.Debug().Int("done", done).Int("total", total).Msg("Simulating")
		}
	}

	result, err := engine.Run(ctx, frame)
	if err != nil {
		log.Fatal().Err(err).Msg("Backtest failed")
	}
	if ctx.Err() != nil {
		log.Info().Msg("Canceled mid-run, exporting partial results")
	}

	summary := report.Summarize(result.Trades, result.Equity, result.Counters, report.RunConfig{
		Symbol:         cfg.Symbol,
		ExecTF:         cfg.ExecTF,
		FilterTF:       cfg.FilterTF,
		FeeRate:        cfg.FeeRate,
		SlippageRate:   cfg.SlippageRate,
		InitialCapital: cfg.InitialCapital,
	})
	paths, err := report.Export(*outDir, cfg.Symbol+"_"+runID, result.Trades, result.Equity, summary)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to export artifacts")
	}

	notifier, err := notify.NewTelegram(env.TelegramToken, env.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram notifier unavailable")
	}
	notifier.BacktestDone(summary)

	log.Info().
		Float64("total_return", summary.TotalReturn).
		Float64("mdd", summary.MDD).
		Float64("sharpe", summary.Sharpe).
		Int("trades", summary.Trades).
		Float64("win_rate", summary.WinRate).
		Str("report", paths.ReportJSON).
		Msg("Backtest finished")
}

// syncKlines fills cache gaps in [startMS, endMS] from the exchange. Gaps are
// fetched with one bar of overlap on each side so boundary bars get
// re-checked against fresh data.
func syncKlines(ctx context.Context, st *store.Store, api models.KlineSource, key store.Key, startMS, endMS, intervalMS int64) error {
	openTimes, err := st.OpenTimes(ctx, key, startMS, endMS)
	if err != nil {
		return err
	}
	missing := store.MissingSegments(startMS, endMS, intervalMS, openTimes)
	segments := store.NormalizeSegments(store.OverlapSegments(missing, intervalMS), startMS, endMS)
	barsEst := store.EstimateBars(startMS, endMS, intervalMS)
	log.Info().
		Int("bars_est", barsEst).
		Int("cached", len(openTimes)).
		Int("gap_segments", len(missing)).
		Msg("Checked local cache")

	downloaded := 0
	for _, seg := range segments {
		segmentBase := downloaded
		klines, err := api.KlinesRange(ctx, key.Symbol, key.Timeframe, seg.StartMS, seg.EndMS, func(fetched int) {
			downloaded = segmentBase + fetched
			log.Info().Int("downloaded", downloaded).Int("bars_est", barsEst).Msg("Fetching klines")
		})
		if err != nil {
			return err
		}
		if len(klines) == 0 {
			continue
		}
		res, err := st.Upsert(ctx, key, klines)
		if err != nil {
			return err
		}
		log.Info().
			Int("inserted", res.Inserted).
			Int("updated", res.Updated).
			Int("skipped", res.Skipped).
			Msg("Cache updated")
	}
	return nil
}

// loadStrategy falls back to the built-in defaults when no file is given.
func loadStrategy(path string) (config.Strategy, error) {
	if path == "" {
		return config.DefaultStrategy(), nil
	}
	return config.LoadStrategy(path)
}

func applyOverride(dst *string, value string) {
	if value != "" {
		*dst = value
	}
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

// setupSignalHandling cancels the run context on the first interrupt so the
// pipeline can stop between bars and still export what it has.
func setupSignalHandling(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Info().Msg("Shutdown signal received, finishing up...")
		cancel()
	}()
}
