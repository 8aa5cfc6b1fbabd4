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

const telegramAPIBase = "https://api.telegram.org"

// TelegramProvider sends notifications through a telegram bot. The
// endpoint blob is JSON: {"token": "...", "chat_id": "..."}.
type TelegramProvider struct {
	baseURL string
	client  *http.Client
}

func NewTelegram() *TelegramProvider {
	return &TelegramProvider{
		baseURL: telegramAPIBase,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramProvider) Name() string { return model.ProviderTelegram }

type telegramEndpoint struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
}

func parseTelegramEndpoint(endpoint string) (telegramEndpoint, error) {
	var ep telegramEndpoint
	if err := json.Unmarshal([]byte(endpoint), &ep); err != nil {
		return ep, fmt.Errorf("telegram: parse endpoint: %w", err)
	}
	if ep.Token == "" || ep.ChatID == "" {
		return ep, fmt.Errorf("telegram: endpoint missing token or chat_id")
	}
	return ep, nil
}

func (t *TelegramProvider) Send(ctx context.Context, endpoint string, n model.Notification) error {
	ep, err := parseTelegramEndpoint(endpoint)
	if err != nil {
		return err
	}

	text := n.Message
	if n.Title != "" {
		text = n.Title + "\n\n" + n.Message
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": ep.ChatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, ep.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// TestConnection calls getMe, which validates the bot token without
// posting to the chat.
func (t *TelegramProvider) TestConnection(ctx context.Context, endpoint string) error {
	ep, err := parseTelegramEndpoint(endpoint)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/getMe", t.baseURL, ep.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: getMe returned status %d", resp.StatusCode)
	}
	return nil
}
