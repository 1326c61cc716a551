// Package telegram отправляет уведомления операторам через Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/metrics"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier пишет HTML-сообщения в один чат операторов.
type Notifier struct {
	bot    sender
	chatID int64
	log    zerolog.Logger
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier создаёт уведомитель поверх клиента Bot API.
func NewNotifier(bot sender, chatID int64, logger zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, chatID: chatID, log: logger}
}

// Connect создаёт клиент Bot API по токену.
func Connect(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return bot, nil
}

// Notify отправляет текст, при необходимости несколькими сообщениями.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	target := strconv.FormatInt(n.chatID, 10)
	for i, part := range Split(text, MessageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(n.chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := n.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", target, start, err)
		if err != nil {
			metrics.NotifyErrors.Inc()
			n.log.Error().Err(err).Int("part", i+1).Msg("telegram: не удалось отправить уведомление")
			return fmt.Errorf("telegram: часть %d: %w", i+1, err)
		}
	}
	return nil
}
