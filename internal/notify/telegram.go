package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	telegramAPI = "https://api.telegram.org"
	// Telegram rejects messages longer than this.
	telegramMaxText = 4096
)

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. It uses a default HTTP client with a 10-second timeout.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message to the configured chat. The title is rendered in
// bold; identifiers in the body are sent as plain text.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.baseURL, "/"), t.token)
	text := truncate(fmt.Sprintf("<b>%s</b>\n%s", htmlEscape(title), htmlEscape(message)), telegramMaxText)

	return postJSON(ctx, t.client, "telegram", url, map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// htmlEscape escapes the three characters Telegram's HTML mode reserves.
func htmlEscape(s string) string {
	return htmlReplacer.Replace(s)
}
