package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadNurture/internal/config"
)

type mockBot struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.err != nil {
		return tgbotapi.Message{}, m.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func TestPublishDigest(t *testing.T) {
	bot := &mockBot{}
	created := 0
	n, err := NewNotifierWithFactory(config.TelegramConfig{BotToken: "123:abc", ChatID: "-100200"},
		func(token, endpoint string, _ *http.Client) (Bot, error) {
			created++
			assert.Equal(t, "123:abc", token)
			assert.Equal(t, tgbotapi.APIEndpoint, endpoint)
			return bot, nil
		})
	require.NoError(t, err)

	require.NoError(t, n.PublishDigest(context.Background(), "Campaign tick summary\n- hot-leads: evaluated 3"))
	require.NoError(t, n.PublishDigest(context.Background(), "second"))

	assert.Equal(t, 1, created)
	require.Len(t, bot.sent, 2)
	assert.Equal(t, int64(-100200), bot.sent[0].ChatID)
	assert.Contains(t, bot.sent[0].Text, "hot-leads")
}

func TestPublishDigestErrors(t *testing.T) {
	_, err := NewNotifierWithFactory(config.TelegramConfig{BotToken: "t", ChatID: "general"}, nil)
	require.Error(t, err)

	_, err = NewNotifierWithFactory(config.TelegramConfig{ChatID: "1"}, nil)
	require.Error(t, err)

	n, err := NewNotifierWithFactory(config.TelegramConfig{BotToken: "t", ChatID: "1"},
		func(string, string, *http.Client) (Bot, error) { return nil, errors.New("unauthorized") })
	require.NoError(t, err)
	require.ErrorContains(t, n.PublishDigest(context.Background(), "x"), "create telegram bot")

	n, err = NewNotifierWithFactory(config.TelegramConfig{BotToken: "t", ChatID: "1"},
		func(string, string, *http.Client) (Bot, error) {
			return &mockBot{err: errors.New("chat not found")}, nil
		})
	require.NoError(t, err)
	require.ErrorContains(t, n.PublishDigest(context.Background(), "x"), "chat not found")
}

func TestSplit(t *testing.T) {
	long := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	parts := split(long, 40)
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("a", 30), parts[0])
	assert.Equal(t, strings.Repeat("b", 30), parts[1])

	parts = split(strings.Repeat("c", 90), 40)
	assert.Len(t, parts, 3)
}

func TestSplitKeepsMultiByteRunesWhole(t *testing.T) {
	// "é" is two bytes, so a 41-byte cut lands inside a rune.
	text := strings.Repeat("é", 60)
	parts := split(text, 41)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.True(t, utf8.ValidString(p), p)
		assert.LessOrEqual(t, len(p), 41)
	}
	assert.Equal(t, text, strings.Join(parts, ""))
}
