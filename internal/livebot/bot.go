// Package livebot runs the strategy against the exchange in a polling loop.
// Each poll rebuilds the signal frame from the freshest klines and acts on
// the last bar only: open when flat on a signal, close on the opposite
// signal. DRY-RUN mode journals decisions without sending orders.
package livebot

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Backtester/internal/binance"
	"github.com/Alias1177/Backtester/internal/config"
	"github.com/Alias1177/Backtester/internal/notify"
	"github.com/Alias1177/Backtester/internal/resample"
	"github.com/Alias1177/Backtester/internal/strategy"
	"github.com/Alias1177/Backtester/models"
)

// Exchange is the slice of the REST client the loop needs.
type Exchange interface {
	LatestKlines(ctx context.Context, symbol, timeframe string, limit int) ([]models.Kline, error)
	PositionRisk(ctx context.Context, symbol string) (binance.Position, error)
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (binance.Order, error)
}

// klineWindow is how many exec bars each poll works from, enough to warm up
// every indicator and still leave a usable frame after NaN trimming.
const klineWindow = 300

// Bot is one live session over a single symbol.
type Bot struct {
	api      Exchange
	cfg      config.Strategy
	notifier *notify.Telegram
	journal  *journal
	logger   zerolog.Logger

	session        string
	lastOrderAt    time.Time
	lastSignalTime int64
	errorCount     int
}

// New builds a session. journalPath is where the JSON action log lives.
func New(api Exchange, cfg config.Strategy, journalPath string, notifier *notify.Telegram) *Bot {
	session := uuid.NewString()
	return &Bot{
		api:      api,
		cfg:      cfg,
		notifier: notifier,
		journal:  openJournal(journalPath),
		logger:   log.With().Str("component", "livebot").Str("session", session).Logger(),
		session:  session,
	}
}

// Run polls until ctx is canceled or the kill switch trips. The kill switch
// stops the loop after kill_switch_max_errors consecutive failed polls.
func (b *Bot) Run(ctx context.Context) error {
	live := b.cfg.Live
	mode := strings.ToUpper(live.Mode)
	pollSeconds := live.PollSeconds
	if pollSeconds <= 0 {
		pollSeconds = 30
	}

	b.logger.Info().
		Str("symbol", b.cfg.Symbol).
		Str("exec_tf", b.cfg.ExecTF).
		Str("mode", mode).
		Str("environment", live.Environment).
		Msg("live session started")
	b.record(map[string]interface{}{
		"action":      "start",
		"symbol":      b.cfg.Symbol,
		"exec_tf":     b.cfg.ExecTF,
		"environment": live.Environment,
		"mode":        mode,
	})
	b.notifier.Event(fmt.Sprintf("Live session started: %s %s (%s)", b.cfg.Symbol, b.cfg.ExecTF, mode))

	for {
		if err := b.pollOnce(ctx, mode); err != nil {
			if ctx.Err() != nil {
				break
			}
			b.errorCount++
			b.logger.Error().Err(err).Int("consecutive", b.errorCount).Msg("poll failed")
			b.record(map[string]interface{}{
				"action": "error",
				"symbol": b.cfg.Symbol,
				"error":  err.Error(),
			})
			if b.errorCount >= live.KillSwitchMaxErrors {
				b.logger.Error().Msg("kill switch tripped, stopping")
				b.record(map[string]interface{}{
					"action": "kill_switch",
					"symbol": b.cfg.Symbol,
				})
				b.notifier.Event(fmt.Sprintf("Kill switch tripped for %s after %d consecutive errors", b.cfg.Symbol, b.errorCount))
				break
			}
		} else {
			b.errorCount = 0
		}

		select {
		case <-ctx.Done():
			b.logger.Info().Msg("context canceled")
		case <-time.After(time.Duration(pollSeconds) * time.Second):
			continue
		}
		break
	}

	b.logger.Info().Msg("live session stopped")
	b.record(map[string]interface{}{
		"action": "stop",
		"symbol": b.cfg.Symbol,
	})
	b.notifier.Event(fmt.Sprintf("Live session stopped: %s", b.cfg.Symbol))
	return nil
}

// pollOnce rebuilds the frame from the latest klines and acts on its last
// bar.
func (b *Bot) pollOnce(ctx context.Context, mode string) error {
	execKlines, err := b.api.LatestKlines(ctx, b.cfg.Symbol, b.cfg.ExecTF, klineWindow)
	if err != nil {
		return err
	}
	if len(execKlines) == 0 {
		b.logger.Warn().Msg("no klines returned, skipping poll")
		return nil
	}

	filterKlines := execKlines
	if b.cfg.FilterTF != b.cfg.ExecTF {
		filterKlines, err = resample.OHLCV(execKlines, b.cfg.FilterTF)
		if err != nil {
			return err
		}
	}

	frame := strategy.BuildFrame(execKlines, filterKlines, b.cfg.V5)
	if len(frame) == 0 {
		b.logger.Warn().Msg("frame empty after warmup trim, skipping poll")
		return nil
	}
	last := frame[len(frame)-1]
	if math.IsNaN(last.Close) {
		b.logger.Warn().Msg("latest bar invalid, skipping poll")
		return nil
	}

	allowLong := b.cfg.TradeMode == "both" || b.cfg.TradeMode == "long_only"
	allowShort := b.cfg.TradeMode == "both" || b.cfg.TradeMode == "short_only"
	price := last.Close

	if b.lastSignalTime != last.OpenTime {
		b.lastSignalTime = last.OpenTime
		b.logger.Info().
			Int64("open_time", last.OpenTime).
			Bool("long", last.LongSignal).
			Bool("short", last.ShortSignal).
			Float64("price", price).
			Msg("signal bar")
		b.record(map[string]interface{}{
			"action":    "signal",
			"symbol":    b.cfg.Symbol,
			"open_time": last.OpenTime,
			"long":      last.LongSignal,
			"short":     last.ShortSignal,
			"price":     price,
		})
	}

	pos, err := b.api.PositionRisk(ctx, b.cfg.Symbol)
	if err != nil {
		return err
	}
	positionNotional := math.Abs(pos.Notional)
	hasPosition := math.Abs(pos.Amt) > 0

	cooldown := time.Duration(b.cfg.Live.CooldownSeconds) * time.Second
	if time.Since(b.lastOrderAt) < cooldown {
		return nil
	}

	if !hasPosition {
		if last.LongSignal && allowLong {
			return b.openPosition(ctx, "BUY", price, mode, positionNotional)
		}
		if last.ShortSignal && allowShort {
			return b.openPosition(ctx, "SELL", price, mode, positionNotional)
		}
		return nil
	}
	if pos.Amt > 0 && last.ShortSignal && allowShort {
		return b.closePosition(ctx, "SELL", math.Abs(pos.Amt), mode)
	}
	if pos.Amt < 0 && last.LongSignal && allowLong {
		return b.closePosition(ctx, "BUY", math.Abs(pos.Amt), mode)
	}
	return nil
}

func (b *Bot) openPosition(ctx context.Context, side string, price float64, mode string, positionNotional float64) error {
	maxNotional := b.cfg.Live.MaxNotionalUSDT
	maxPosition := b.cfg.Live.MaxPositionUSDT
	if maxNotional <= 0 {
		b.logger.Warn().Msg("max_notional_usdt not configured, skipping order")
		return nil
	}
	if maxPosition > 0 && positionNotional+maxNotional > maxPosition {
		b.logger.Warn().
			Float64("position_notional", positionNotional).
			Float64("max_position_usdt", maxPosition).
			Msg("position cap reached, skipping order")
		return nil
	}
	qty := 0.0
	if price > 0 {
		qty = maxNotional / price
	}
	if qty <= 0 {
		b.logger.Warn().Msg("computed quantity invalid, skipping order")
		return nil
	}

	if mode != "LIVE" {
		b.logger.Info().Str("side", side).Float64("qty", qty).Float64("price", price).Msg("dry-run open")
		b.record(map[string]interface{}{
			"action": "open",
			"mode":   mode,
			"symbol": b.cfg.Symbol,
			"side":   side,
			"qty":    qty,
			"price":  price,
			"result": "dry_run",
		})
		b.lastOrderAt = time.Now()
		return nil
	}

	order, err := b.api.PlaceMarketOrder(ctx, b.cfg.Symbol, side, qty, false)
	b.lastOrderAt = time.Now()
	if err != nil {
		return err
	}
	b.logger.Info().Str("side", side).Float64("qty", qty).Int64("order_id", order.OrderID).Msg("position opened")
	b.record(map[string]interface{}{
		"action":   "open",
		"mode":     mode,
		"symbol":   b.cfg.Symbol,
		"side":     side,
		"qty":      qty,
		"price":    price,
		"order_id": order.OrderID,
		"status":   order.Status,
	})
	b.notifier.Event(fmt.Sprintf("Opened %s %s qty=%.6f @ %.4f", side, b.cfg.Symbol, qty, price))
	return nil
}

func (b *Bot) closePosition(ctx context.Context, side string, qty float64, mode string) error {
	if qty <= 0 {
		return nil
	}
	if mode != "LIVE" {
		b.logger.Info().Str("side", side).Float64("qty", qty).Msg("dry-run close")
		b.record(map[string]interface{}{
			"action": "close",
			"mode":   mode,
			"symbol": b.cfg.Symbol,
			"side":   side,
			"qty":    qty,
			"result": "dry_run",
		})
		b.lastOrderAt = time.Now()
		return nil
	}

	order, err := b.api.PlaceMarketOrder(ctx, b.cfg.Symbol, side, qty, true)
	b.lastOrderAt = time.Now()
	if err != nil {
		return err
	}
	b.logger.Info().Str("side", side).Float64("qty", qty).Int64("order_id", order.OrderID).Msg("position closed")
	b.record(map[string]interface{}{
		"action":   "close",
		"mode":     mode,
		"symbol":   b.cfg.Symbol,
		"side":     side,
		"qty":      qty,
		"order_id": order.OrderID,
		"status":   order.Status,
	})
	b.notifier.Event(fmt.Sprintf("Closed %s %s qty=%.6f", side, b.cfg.Symbol, qty))
	return nil
}

// record writes one journal entry tagged with the session id. Journal write
// failures are logged, never fatal to the loop.
func (b *Bot) record(payload map[string]interface{}) {
	payload["session"] = b.session
	if err := b.journal.record(payload); err != nil {
		b.logger.Warn().Err(err).Msg("journal write failed")
	}
}
