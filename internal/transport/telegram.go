package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

type TelegramClientConfig struct {
	Token       string
	APIEndpoint string // format string with two %s verbs: token, method
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// TelegramClient drives the Telegram Bot API by explicit getUpdates calls so
// inbound discovery goes through the same poller as the other cloud flavour.
type TelegramClient struct {
	cfg    TelegramClientConfig
	logger *slog.Logger

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	offset int
}

func NewTelegramClient(cfg TelegramClientConfig) *TelegramClient {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TelegramClient{cfg: cfg, logger: cfg.Logger.With("flavour", "telegram")}
}

func (t *TelegramClient) Name() string { return "telegram" }

// Verify calls getMe.
func (t *TelegramClient) Verify(ctx context.Context) (string, error) {
	if t.cfg.Token == "" {
		return "", fmt.Errorf("telegram token missing")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, t.cfg.APIEndpoint, t.cfg.HTTPClient)
	if err != nil {
		return "", fmt.Errorf("telegram getMe: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	return "@" + bot.Self.UserName, nil
}

func (t *TelegramClient) api() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot == nil {
		return nil, domain.ErrNotReady
	}
	return t.bot, nil
}

func parseChatID(to string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(to, "telegram:"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", to)
	}
	return id, nil
}

// Send delivers text, or a photo by URL with body as caption.
func (t *TelegramClient) Send(ctx context.Context, to, body, mediaURL string) (string, error) {
	bot, err := t.api()
	if err != nil {
		return "", err
	}
	chatID, err := parseChatID(to)
	if err != nil {
		return "", err
	}

	var c tgbotapi.Chattable
	if mediaURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(mediaURL))
		photo.Caption = body
		c = photo
	} else {
		c = tgbotapi.NewMessage(chatID, body)
	}

	for attempt := 0; ; attempt++ {
		msg, err := bot.Send(c)
		if err == nil {
			return strconv.Itoa(msg.MessageID), nil
		}
		if attempt >= maxRetries || !isTelegramRateLimit(err) {
			return "", fmt.Errorf("telegram send: %w", err)
		}
		backoff := time.Duration(attempt+1) * 3 * retryBase
		t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func isTelegramRateLimit(err error) bool {
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429")
}

// Typing sends a chat action. Telegram shows it for about five seconds.
func (t *TelegramClient) Typing(ctx context.Context, to string) error {
	bot, err := t.api()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(to)
	if err != nil {
		return err
	}
	_, err = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

// ListInbound drains pending updates past the private offset and keeps the
// private messages sent at or after sentAfter.
func (t *TelegramClient) ListInbound(ctx context.Context, sentAfter time.Time) ([]domain.InboundMessage, error) {
	bot, err := t.api()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	updates, err := bot.GetUpdates(tgbotapi.UpdateConfig{Offset: offset, Limit: 100, Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}

	lower := sentAfter.Truncate(time.Second)
	var out []domain.InboundMessage
	for _, u := range updates {
		if u.UpdateID >= offset {
			offset = u.UpdateID + 1
		}
		m := u.Message
		if m == nil || m.Chat == nil {
			continue
		}
		sent := time.Unix(int64(m.Date), 0)
		if sent.Before(lower) {
			continue
		}
		out = append(out, telegramInbound(m, sent))
	}

	t.mu.Lock()
	if offset > t.offset {
		t.offset = offset
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func telegramInbound(m *tgbotapi.Message, sent time.Time) domain.InboundMessage {
	chat := strconv.FormatInt(m.Chat.ID, 10)
	msg := domain.InboundMessage{
		ID:         chat + ":" + strconv.Itoa(m.MessageID),
		From:       chat,
		Body:       m.Text,
		ReceivedAt: sent,
	}
	if msg.Body == "" {
		msg.Body = m.Caption
	}
	if len(m.Photo) > 0 {
		msg.HasMedia = true
		msg.MediaRefs = append(msg.MediaRefs, m.Photo[len(m.Photo)-1].FileID)
	}
	if m.Document != nil {
		msg.HasMedia = true
		msg.MediaRefs = append(msg.MediaRefs, m.Document.FileID)
	}
	if m.Voice != nil {
		msg.HasMedia = true
		msg.MediaRefs = append(msg.MediaRefs, m.Voice.FileID)
	}
	if r := m.ReplyToMessage; r != nil {
		msg.ReplyToBody = r.Text
		if msg.ReplyToBody == "" {
			msg.ReplyToBody = r.Caption
		}
	}
	return msg
}
