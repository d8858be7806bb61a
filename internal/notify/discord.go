package notify

import (
	"context"
	"net/http"
	"time"
)

// Discord limits embed descriptions to this many characters.
const discordMaxDescription = 4096

// alertColor is the embed side bar colour (red).
const alertColor = 0xD7263D

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL. It uses a
// default HTTP client with a 10-second timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

// Send posts the alert to the webhook as a single embed. Discord answers
// 204 No Content on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]any{
		"embeds": []discordEmbed{{
			Title:       truncate(title, 256),
			Description: truncate(message, discordMaxDescription),
			Color:       alertColor,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
		"allowed_mentions": map[string]any{"parse": []string{}},
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
