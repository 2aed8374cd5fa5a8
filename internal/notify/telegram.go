// Package notify pushes run results and live-loop events to Telegram.
// A nil *Telegram is a valid no-op notifier, so callers never branch on
// whether notifications are configured.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Backtester/internal/report"
)

// Telegram sends messages to a single chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// NewTelegram connects to the bot API. An empty token or zero chat id
// returns (nil, nil): notifications are simply off.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: log.With().Str("component", "notify").Logger(),
	}, nil
}

// Event sends a plain text message.
func (t *Telegram) Event(text string) error {
	if t == nil || t.bot == nil {
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error().Err(err).Msg("telegram send failed")
		return err
	}
	return nil
}

// BacktestDone sends a one-message digest of a finished run.
func (t *Telegram) BacktestDone(s report.Summary) error {
	if t == nil || t.bot == nil {
		return nil
	}
	text := fmt.Sprintf(
		"Backtest %s finished\n"+
			"return: %.2f%% | mdd: %.2f%% | sharpe: %.2f\n"+
			"trades: %d | win rate: %.1f%% | profit factor: %.2f",
		s.Symbol,
		s.TotalReturn*100,
		s.MDD*100,
		s.Sharpe,
		s.Trades,
		s.WinRate*100,
		s.ProfitFactor,
	)
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error().Err(err).Msg("telegram send failed")
		return err
	}
	return nil
}
