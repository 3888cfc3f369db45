package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"livewatch/internal/httpx"
)

// TelegramSink posts an HTML rendering of the event to a chat.
type TelegramSink struct {
	name   string
	bot    *tele.Bot
	chatID int64
}

// NewTelegramSink builds an offline bot (no getMe on startup). apiURL may
// be empty for the public Bot API.
func NewTelegramSink(name, token string, chatID int64, apiURL string, timeout time.Duration) (*TelegramSink, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     strings.TrimSpace(apiURL),
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{name: name, bot: b, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return s.name }

func (s *TelegramSink) Deliver(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := telegramHTML(ev)
	if utf8.RuneCountInString(text) > maxTelegramRunes {
		// Long segment lists could break markup if cut; fall back to plain text.
		_, err := s.bot.Send(&tele.Chat{ID: s.chatID}, truncRunes(ev.Summary(), maxTelegramRunes), &tele.SendOptions{DisableWebPagePreview: true})
		return classifyTelegram(err)
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.chatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	return classifyTelegram(err)
}

func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return httpx.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code >= 500:
			return &httpx.Error{Kind: httpx.Retryable, Status: apiErr.Code, Err: err}
		case apiErr.Code >= 400:
			return &httpx.Error{Kind: httpx.Fatal, Status: apiErr.Code, Err: err}
		}
	}
	// Transport failure.
	return err
}
