package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Notifier pushes operator alerts to Telegram. A nil Notifier is valid and
// drops everything, so callers never guard their sends.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New connects the Telegram bot. Returns nil (a no-op notifier) when the
// token or chat ID is unset.
func New(token string, chatID int64) *Notifier {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram notifications disabled")
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Error().Err(err).Msg("Telegram bot init failed, notifications disabled")
		return nil
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("📱 Telegram notifications enabled")
	return &Notifier{bot: bot, chatID: chatID}
}

func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

func (n *Notifier) OrderPlaced(symbol, side, kind string, amount decimal.Decimal) {
	n.send(fmt.Sprintf("📤 %s %s %s (%s)", symbol, side, amount.String(), kind))
}

func (n *Notifier) OrderFilled(symbol, side string, qty, price decimal.Decimal) {
	n.send(fmt.Sprintf("✅ %s %s filled: %s @ %s", symbol, side, qty.String(), price.String()))
}

func (n *Notifier) CycleComplete(symbol string, profit decimal.Decimal, profitPct decimal.Decimal) {
	n.send(fmt.Sprintf("🎉 %s cycle complete: profit %s (%s%%)", symbol, profit.StringFixed(2), profitPct.StringFixed(2)))
}

func (n *Notifier) CycleError(symbol, reason string) {
	n.send(fmt.Sprintf("⚠️ %s cycle moved to error: %s", symbol, reason))
}

func (n *Notifier) Critical(text string) {
	n.send("🚨 " + text)
}
