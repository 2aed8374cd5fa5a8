package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Backtester/internal/binance"
	"github.com/Alias1177/Backtester/internal/config"
	"github.com/Alias1177/Backtester/internal/livebot"
	"github.com/Alias1177/Backtester/internal/notify"
)

func main() {
	var (
		configPath  = flag.String("config", "", "strategy config JSON, defaults are used when empty")
		symbol      = flag.String("symbol", "", "override symbol")
		journalPath = flag.String("journal", "outputs/live_report.json", "action journal path")
	)
	flag.Parse()

	env := config.LoadEnv()
	setupLogging(env.LogLevel)

	cfg := config.DefaultStrategy()
	if *configPath != "" {
		loaded, err := config.LoadStrategy(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load strategy config")
		}
		cfg = loaded
	}
	if *symbol != "" {
		cfg.Symbol = *symbol
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid strategy config")
	}

	// The strategy file decides which exchange environment the session runs
	// against, not the process env.
	clientEnv := *env
	if cfg.Live.Environment != "" {
		clientEnv.BinanceEnv = cfg.Live.Environment
	}
	api := binance.NewClient(&clientEnv)

	notifier, err := notify.NewTelegram(env.TelegramToken, env.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram notifier unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	bot := livebot.New(api, cfg, *journalPath, notifier)
	if err := bot.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Live session failed")
	}
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
		log.Info().Msg("Shutdown signal received, stopping session...")
		cancel()
	}()
}
