package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordMaxLength is the content limit of a webhook message.
const DiscordMaxLength = 2000

// Discord posts reports through a channel webhook; no bot session is opened.
type Discord struct {
	Session   *discordgo.Session
	WebhookID string
	Token     string
	Username  string
	Pause     time.Duration
}

func NewDiscord(webhookURL string) (*Discord, error) {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	return &Discord{Session: s, WebhookID: id, Token: token, Username: "clarity", Pause: time.Second}, nil
}

// ParseWebhookURL extracts the id and token of
// https://discord.com/api/webhooks/<id>/<token>.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid webhook url: %s", u.Redacted())
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, title, body string) error {
	chunks := Chunk(compose(title, body), DiscordMaxLength)
	return sendChunks(ctx, chunks, d.Pause, func(text string) error {
		_, err := d.Session.WebhookExecute(d.WebhookID, d.Token, false, &discordgo.WebhookParams{
			Content:  text,
			Username: d.Username,
		}, discordgo.WithContext(ctx))
		return err
	})
}
