package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"LeadNurture/internal/config"
	"LeadNurture/internal/ports"
)

// Telegram rejects messages above 4096 characters.
const maxMessageLen = 4000

// Bot is the subset of tgbotapi.BotAPI the notifier needs.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates Bot instances (allows mocking).
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// Notifier sends scheduler digests to a Telegram chat via bot API.
type Notifier struct {
	token    string
	chatID   int64
	endpoint string
	client   *http.Client
	factory  BotFactory

	mu  sync.Mutex
	bot Bot
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier. The bot is authorised lazily
// on the first digest so startup does not depend on Telegram being reachable.
func NewNotifier(cfg config.TelegramConfig) (*Notifier, error) {
	return NewNotifierWithFactory(cfg, defaultBotFactory)
}

// NewNotifierWithFactory creates a Notifier with a custom bot factory (for testing).
func NewNotifierWithFactory(cfg config.TelegramConfig, factory BotFactory) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", cfg.ChatID, err)
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Notifier{
		token:    cfg.BotToken,
		chatID:   chatID,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		factory:  factory,
	}, nil
}

// PublishDigest posts the digest as plain text, split into Telegram-sized chunks.
func (n *Notifier) PublishDigest(ctx context.Context, digest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := n.ensureBot()
	if err != nil {
		return err
	}

	for _, chunk := range split(digest, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(tgbotapi.NewMessage(n.chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func (n *Notifier) ensureBot() (Bot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bot != nil {
		return n.bot, nil
	}
	bot, err := n.factory(n.token, n.endpoint, n.client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	n.bot = bot
	return bot, nil
}

// split cuts s at the last newline before max where possible.
func split(s string, max int) []string {
	var out []string
	for len(s) > max {
		idx := strings.LastIndex(s[:max], "\n")
		if idx <= 0 {
			idx = max
			for idx > 0 && !utf8.RuneStart(s[idx]) {
				idx--
			}
			if idx == 0 {
				idx = max
			}
		}
		out = append(out, s[:idx])
		s = strings.TrimPrefix(s[idx:], "\n")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
