package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// discordMaxContent is the webhook limit on message content.
const discordMaxContent = 2000

type discordPayload struct {
	Content         string `json:"content"`
	Username        string `json:"username,omitempty"`
	AllowedMentions struct {
		Parse []string `json:"parse"`
	} `json:"allowed_mentions"`
}

// DiscordSender posts alerts to a Discord channel webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender posts to webhookURL as username. An empty username keeps
// the name configured on the webhook.
func NewDiscordSender(webhookURL, username string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the title in bold followed by the message. Mentions in the
// message are never resolved.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	p := discordPayload{
		Content:  truncate(fmt.Sprintf("**%s**\n%s", title, message), discordMaxContent),
		Username: d.username,
	}
	p.AllowedMentions.Parse = []string{}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
