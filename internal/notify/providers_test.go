package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotification() model.Notification {
	return model.Notification{
		RuleID:    1,
		AlertType: "threshold",
		Severity:  model.SeverityCritical,
		Title:     "High CPU Usage",
		Message:   "CPU Usage is 95 %",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestForProvider(t *testing.T) {
	for _, name := range []string{model.ProviderDiscord, model.ProviderTelegram, model.ProviderGotify} {
		p, err := ForProvider(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	_, err := ForProvider("pager")
	assert.Error(t, err)
}

func TestDiscord_Send(t *testing.T) {
	var payload struct {
		Embeds []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
			Timestamp   string `json:"timestamp"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewDiscord()
	require.NoError(t, p.Send(context.Background(), srv.URL, testNotification()))

	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, "High CPU Usage", payload.Embeds[0].Title)
	assert.Equal(t, "CPU Usage is 95 %", payload.Embeds[0].Description)
	assert.Equal(t, colorCritical, payload.Embeds[0].Color)
	assert.Equal(t, "2025-03-01T12:00:00Z", payload.Embeds[0].Timestamp)
}

func TestDiscord_SendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad webhook", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscord().Send(context.Background(), srv.URL, testNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestDiscord_TestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"id":"1","name":"alerts"}`))
	}))
	defer srv.Close()

	assert.NoError(t, NewDiscord().TestConnection(context.Background(), srv.URL))
}

func TestSeverityColor(t *testing.T) {
	assert.Equal(t, colorCritical, severityColor(model.SeverityCritical))
	assert.Equal(t, colorWarning, severityColor(model.SeverityWarning))
	assert.Equal(t, colorInfo, severityColor(model.SeverityInfo))
	assert.Equal(t, colorInfo, severityColor(""))
}

func TestTelegram_Send(t *testing.T) {
	var gotPath string
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := NewTelegram()
	p.baseURL = srv.URL

	endpoint := `{"token":"123:abc","chat_id":"-100200"}`
	require.NoError(t, p.Send(context.Background(), endpoint, testNotification()))

	assert.Equal(t, "/bot123:abc/sendMessage", gotPath)
	assert.Equal(t, "-100200", payload["chat_id"])
	assert.Equal(t, "High CPU Usage\n\nCPU Usage is 95 %", payload["text"])
}

func TestTelegram_MalformedEndpoint(t *testing.T) {
	p := NewTelegram()

	err := p.Send(context.Background(), "not-json", testNotification())
	assert.Error(t, err)

	err = p.Send(context.Background(), `{"token":"123:abc"}`, testNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat_id")
}

func TestTelegram_TestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:abc/getMe", r.URL.Path)
		w.Write([]byte(`{"ok":true,"result":{"username":"beacon_bot"}}`))
	}))
	defer srv.Close()

	p := NewTelegram()
	p.baseURL = srv.URL
	assert.NoError(t, p.TestConnection(context.Background(), `{"token":"123:abc","chat_id":"1"}`))
}

func TestGotify_Send(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message", r.URL.Path)
		assert.Equal(t, "app-token", r.Header.Get("X-Gotify-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	endpoint := `{"url":"` + srv.URL + `","token":"app-token"}`
	require.NoError(t, NewGotify().Send(context.Background(), endpoint, testNotification()))

	assert.Equal(t, "High CPU Usage", payload["title"])
	assert.Equal(t, float64(8), payload["priority"], "critical maps to priority 8")
}

func TestGotify_TestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"health":"green"}`))
	}))
	defer srv.Close()

	endpoint := `{"url":"` + srv.URL + `/","token":"x"}`
	assert.NoError(t, NewGotify().TestConnection(context.Background(), endpoint))
}

func TestSeverityToGotifyPriority(t *testing.T) {
	assert.Equal(t, 8, severityToGotifyPriority(model.SeverityCritical))
	assert.Equal(t, 5, severityToGotifyPriority(model.SeverityWarning))
	assert.Equal(t, 2, severityToGotifyPriority(model.SeverityInfo))
}

func FuzzParseTelegramEndpoint(f *testing.F) {
	f.Add(`{"token":"123:abc","chat_id":"456"}`)
	f.Add(`{"token":""}`)
	f.Add(`not json`)
	f.Add(`{}`)
	f.Fuzz(func(t *testing.T, endpoint string) {
		// Must not panic; errors are fine
		_, _ = parseTelegramEndpoint(endpoint)
	})
}

func FuzzParseGotifyEndpoint(f *testing.F) {
	f.Add(`{"url":"https://gotify.local","token":"abc"}`)
	f.Add(`{"url":"https://gotify.local/"}`)
	f.Add(`not json`)
	f.Fuzz(func(t *testing.T, endpoint string) {
		_, _ = parseGotifyEndpoint(endpoint)
	})
}
