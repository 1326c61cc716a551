package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestNotifySendsHTMLParts(t *testing.T) {
	bot := &fakeSender{}
	n := NewNotifier(bot, 42, zerolog.Nop())
	text := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 3000)
	if err := n.Notify(context.Background(), text); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("ожидали 2 сообщения, получили %d", len(bot.sent))
	}
	for _, msg := range bot.sent {
		if msg.ChatID != 42 || msg.ParseMode != tgbotapi.ModeHTML || !msg.DisableWebPagePreview {
			t.Fatalf("неожиданные параметры сообщения: %+v", msg)
		}
	}
}

func TestNotifyReturnsSendError(t *testing.T) {
	boom := errors.New("forbidden")
	n := NewNotifier(&fakeSender{err: boom}, 42, zerolog.Nop())
	if err := n.Notify(context.Background(), "итоги"); !errors.Is(err, boom) {
		t.Fatalf("ожидали ошибку отправки, получили %v", err)
	}
}

func TestNotifyStopsOnCancelledContext(t *testing.T) {
	bot := &fakeSender{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewNotifier(bot, 42, zerolog.Nop()).Notify(ctx, "итоги"); !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали context.Canceled, получили %v", err)
	}
	if len(bot.sent) != 0 {
		t.Fatalf("после отмены ничего не отправляется")
	}
}
