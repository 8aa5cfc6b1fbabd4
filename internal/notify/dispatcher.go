package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
	"github.com/RoyalKiwi/beacon/internal/secret"
)

// HistoryStore records dispatch outcomes.
type HistoryStore interface {
	InsertHistory(e *model.HistoryEntry) (int64, error)
}

// Dispatcher sends notifications through the provider matching a
// webhook's type, retrying transient failures, and appends an audit row
// for every terminal outcome.
type Dispatcher struct {
	history HistoryStore
	box     *secret.Box

	// lookup resolves a provider name; tests swap it for a fake.
	lookup func(name string) (Provider, error)
	// delays between retry attempts.
	delays []time.Duration
}

func NewDispatcher(history HistoryStore, box *secret.Box) *Dispatcher {
	return &Dispatcher{
		history: history,
		box:     box,
		lookup:  ForProvider,
		delays:  []time.Duration{time.Second, 3 * time.Second, 9 * time.Second},
	}
}

// Dispatch sends a notification through the given webhook. It makes up
// to three attempts; each failed non-final attempt appends a retrying
// audit row, and the last attempt's error is returned after a failed
// row is written. A nil return means the provider accepted the payload
// and a sent row was recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, webhook *model.WebhookConfig, n model.Notification) error {
	provider, err := d.lookup(webhook.Provider)
	if err != nil {
		d.record(n.RuleID, webhook.ID, model.HistoryFailed, 0, err)
		return err
	}

	plain, err := d.box.Open(webhook.Endpoint)
	if err != nil {
		err = fmt.Errorf("decrypting webhook endpoint: %w", err)
		d.record(n.RuleID, webhook.ID, model.HistoryFailed, 0, err)
		return err
	}
	endpoint := string(plain)

	attempts := len(d.delays)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = provider.Send(ctx, endpoint, n)
		if lastErr == nil {
			d.record(n.RuleID, webhook.ID, model.HistorySent, attempt, nil)
			return nil
		}

		slog.Warn("notification send failed",
			"provider", provider.Name(),
			"webhook_id", webhook.ID,
			"rule_id", n.RuleID,
			"attempt", attempt,
			"error", lastErr)

		if attempt < attempts {
			d.record(n.RuleID, webhook.ID, model.HistoryRetrying, attempt, lastErr)
			select {
			case <-time.After(d.delays[attempt-1]):
			case <-ctx.Done():
				lastErr = ctx.Err()
				d.record(n.RuleID, webhook.ID, model.HistoryFailed, attempt, lastErr)
				return lastErr
			}
		}
	}

	d.record(n.RuleID, webhook.ID, model.HistoryFailed, attempts, lastErr)
	return fmt.Errorf("sending via %s after %d attempts: %w", provider.Name(), attempts, lastErr)
}

// TestWebhook sends a fixed canned message through the webhook's
// provider, bypassing rules, cooldown and retry. Used by the admin
// surface for connectivity verification.
func (d *Dispatcher) TestWebhook(ctx context.Context, webhook *model.WebhookConfig) error {
	provider, err := d.lookup(webhook.Provider)
	if err != nil {
		return err
	}
	plain, err := d.box.Open(webhook.Endpoint)
	if err != nil {
		return fmt.Errorf("decrypting webhook endpoint: %w", err)
	}
	endpoint := string(plain)

	n := model.Notification{
		AlertType: "test",
		Severity:  model.SeverityInfo,
		Title:     "Test Notification",
		Message:   fmt.Sprintf("Webhook %q is configured correctly.", webhook.Name),
		Timestamp: time.Now(),
	}
	if err := provider.Send(ctx, endpoint, n); err != nil {
		return fmt.Errorf("test send via %s: %w", provider.Name(), err)
	}
	return nil
}

func (d *Dispatcher) record(ruleID, webhookID int64, status string, attempts int, sendErr error) {
	entry := &model.HistoryEntry{
		RuleID:    ruleID,
		WebhookID: webhookID,
		Status:    status,
		Attempts:  attempts,
		CreatedAt: time.Now(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if _, err := d.history.InsertHistory(entry); err != nil {
		slog.Error("recording notification history failed", "rule_id", ruleID, "webhook_id", webhookID, "error", err)
	}
}
