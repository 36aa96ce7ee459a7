// Package notify delivers operational alerts about attendance to admins.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// LateEvent describes a late check-in.
type LateEvent struct {
	UserID      string
	Name        string
	Day         string
	CheckInAt   time.Time
	LateMinutes int
}

// Notifier receives attendance alerts. Implementations must be safe for
// concurrent use.
type Notifier interface {
	LateCheckIn(ctx context.Context, e LateEvent) error
}

// Nop drops every alert.
type Nop struct{}

func (Nop) LateCheckIn(context.Context, LateEvent) error { return nil }

// TelegramConfig configures the Telegram notifier.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	Endpoint string // defaults to the public Bot API; overridden in tests
	Location *time.Location
	Timeout  time.Duration
}

// Telegram posts alerts to one admin chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	loc    *time.Location
	logger *zap.Logger
}

// NewTelegram connects to the Bot API (it calls getMe to validate the token).
func NewTelegram(cfg TelegramConfig, logger *zap.Logger) (*Telegram, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram notifier: token and chat id are required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger.Info("telegram notifier connected", zap.String("bot", bot.Self.UserName))
	return &Telegram{bot: bot, chatID: cfg.ChatID, loc: loc, logger: logger}, nil
}

// LateCheckIn sends a Markdown message to the admin chat.
func (t *Telegram) LateCheckIn(ctx context.Context, e LateEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, FormatLate(e, t.loc))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// FormatLate renders the alert text.
func FormatLate(e LateEvent, loc *time.Location) string {
	name := e.Name
	if name == "" {
		name = e.UserID
	}
	return fmt.Sprintf("⏰ *Late check-in*\n%s checked in at %s on %s (%d min late)",
		escapeMarkdown(name), e.CheckInAt.In(loc).Format("15:04"), e.Day, e.LateMinutes)
}

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
