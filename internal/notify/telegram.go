package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "medremind/pkg/logx"
)

// TelegramConfig configures the Telegram delivery channel.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

// TelegramSender delivers reminders as Telegram messages and retracts them
// by deletion. It is the channel of choice when the device owner wants
// reminders to follow them off-device.
type TelegramSender struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

func NewTelegramSender(cfg TelegramConfig, log logx.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramSender{bot: b, chatID: cfg.ChatID, log: log}, nil
}

func (t *TelegramSender) Send(ctx context.Context, n Notification) (string, error) {
	_ = ctx // telebot manages its own request deadlines

	text := fmt.Sprintf("💊 %s", n.Medicine)
	if n.Dosage != "" {
		text += " — " + n.Dosage
	}
	if n.TimeLabel != "" {
		text += "\nScheduled for " + n.TimeLabel
	}

	msg, err := t.bot.Send(tele.ChatID(t.chatID), text)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(msg.ID), nil
}

func (t *TelegramSender) Retract(ctx context.Context, ref string) error {
	_ = ctx
	id, err := strconv.Atoi(ref)
	if err != nil {
		return fmt.Errorf("bad message ref %q: %w", ref, err)
	}
	return t.bot.Delete(&tele.Message{ID: id, Chat: &tele.Chat{ID: t.chatID}})
}
