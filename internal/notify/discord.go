package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
)

// Discord severity colors for embed sidebars.
const (
	colorCritical = 0xE74C3C
	colorWarning  = 0xF39C12
	colorInfo     = 0x3498DB
)

// DiscordProvider posts notifications as rich embeds to a discord
// webhook URL.
type DiscordProvider struct {
	client *http.Client
}

func NewDiscord() *DiscordProvider {
	return &DiscordProvider{client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordProvider) Name() string { return model.ProviderDiscord }

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Color       int                 `json:"color"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (d *DiscordProvider) Send(ctx context.Context, endpoint string, n model.Notification) error {
	embed := discordEmbed{
		Title:       n.Title,
		Description: n.Message,
		Color:       severityColor(n.Severity),
	}
	if !n.Timestamp.IsZero() {
		embed.Timestamp = n.Timestamp.UTC().Format(time.RFC3339)
	}
	if n.Severity != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "Severity", Value: n.Severity, Inline: true})
	}

	body, err := json.Marshal(map[string]any{"embeds": []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("discord: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// TestConnection fetches the webhook's metadata. Discord answers GET on
// a valid webhook URL without posting anything to the channel.
func (d *DiscordProvider) TestConnection(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("discord: build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discord: webhook lookup returned status %d", resp.StatusCode)
	}
	return nil
}

func severityColor(severity string) int {
	switch severity {
	case model.SeverityCritical:
		return colorCritical
	case model.SeverityWarning:
		return colorWarning
	default:
		return colorInfo
	}
}
