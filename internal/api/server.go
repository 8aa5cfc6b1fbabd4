// Package api exposes the ops/admin HTTP surface: status snapshots, the
// live websocket stream, manual poll triggers and webhook/rule/template
// test endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/RoyalKiwi/beacon/internal/model"
	"github.com/RoyalKiwi/beacon/internal/poller"
	"github.com/RoyalKiwi/beacon/internal/render"
	"github.com/RoyalKiwi/beacon/internal/store"
	"github.com/RoyalKiwi/beacon/internal/stream"
)

// StatusService is the status poller surface the API exposes.
type StatusService interface {
	Snapshot() []poller.CardStatus
	PollNow(ctx context.Context, integrationID int64, force bool) error
	Restart()
	RegisterClient(id string, sink stream.Sink) error
	UnregisterClient(id string)
}

// MetricService is the metric poller surface the API exposes.
type MetricService interface {
	PollNow(ctx context.Context, integrationID int64, force bool) error
}

// AlertService triggers rule test sends.
type AlertService interface {
	TestRule(ctx context.Context, ruleID int64) error
}

// WebhookTester sends a canned test message through a webhook.
type WebhookTester interface {
	TestWebhook(ctx context.Context, webhook *model.WebhookConfig) error
}

// Server is the HTTP server for Beacon.
type Server struct {
	store    *store.Store
	status   StatusService
	metrics  MetricService
	alerts   AlertService
	webhooks WebhookTester
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	server   *http.Server
}

// NewServer creates the HTTP server with the standard middleware chain.
func NewServer(addr string, st *store.Store, status StatusService, metrics MetricService, alerts AlertService, webhooks WebhookTester) *Server {
	srv := &Server{
		store:    st,
		status:   status,
		metrics:  metrics,
		alerts:   alerts,
		webhooks: webhooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		mux: http.NewServeMux(),
	}

	srv.registerRoutes()

	srv.server = &http.Server{
		Addr:         addr,
		Handler:      SecurityHeadersMiddleware(RecoveryMiddleware(LoggingMiddleware(srv.mux))),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)

	s.mux.HandleFunc("POST /api/poll/{id}", s.handlePollNow)
	s.mux.HandleFunc("POST /api/restart", s.handleRestart)

	s.mux.HandleFunc("POST /api/webhooks/{id}/test", s.handleTestWebhook)
	s.mux.HandleFunc("POST /api/rules/{id}/test", s.handleTestRule)
	s.mux.HandleFunc("POST /api/templates/preview", s.handleTemplatePreview)

	s.mux.HandleFunc("GET /api/history", s.handleHistory)
}

// writeJSON marshals v to a buffer first so marshalling errors become a
// proper 500 before any bytes reach the client.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]any{"cards": s.status.Snapshot()})
}

// handleStatusStream upgrades to a websocket, delivers the full status
// snapshot and then streams diffs until the peer disconnects.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	client := stream.NewWSClient(conn)
	if err := s.status.RegisterClient(id, client); err != nil {
		slog.Warn("registering stream client failed", "id", id, "error", err)
		client.Close()
		return
	}
	slog.Debug("stream client connected", "id", id, "remote", r.RemoteAddr)

	// Drain the connection; the first read error means the peer is gone.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.status.UnregisterClient(id)
	slog.Debug("stream client disconnected", "id", id)
}

func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid integration id")
		return
	}
	force := r.URL.Query().Get("force") == "1"

	in, err := s.store.GetIntegration(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "integration not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	// Status backends feed the card status map; threshold-only backends
	// get a capability sync + rule evaluation pass instead.
	if in.Type.SupportsStatus() {
		err = s.status.PollNow(r.Context(), id, force)
	} else {
		err = s.metrics.PollNow(r.Context(), id, force)
	}
	var rateErr *poller.RateLimitError
	switch {
	case err == nil:
		writeJSON(w, r, map[string]any{"success": true})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())+1))
		writeError(w, r, http.StatusTooManyRequests, rateErr.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "integration not found")
	default:
		writeError(w, r, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.status.Restart()
	writeJSON(w, r, map[string]any{"success": true})
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid webhook id")
		return
	}

	webhook, err := s.store.GetWebhook(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.webhooks.TestWebhook(r.Context(), webhook); err != nil {
		writeJSON(w, r, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, r, map[string]any{"success": true, "message": "test notification sent"})
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid rule id")
		return
	}

	if err := s.alerts.TestRule(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "rule not found")
			return
		}
		writeJSON(w, r, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, r, map[string]any{"success": true, "message": "test alert sent"})
}

type previewRequest struct {
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Variables map[string]string `json:"variables,omitempty"`
}

func (s *Server) handleTemplatePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	vars := req.Variables
	if len(vars) == 0 {
		vars = render.SampleVariables()
	}
	title, message := render.Preview(req.Title, req.Message, vars)
	writeJSON(w, r, map[string]string{"title": title, "message": message})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.store.ListHistory(limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, r, map[string]any{"history": entries})
}
