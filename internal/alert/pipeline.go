package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
)

// PipelineStore is the store subset the pipeline reads.
type PipelineStore interface {
	GetRule(id int64) (*model.NotificationRule, error)
	GetWebhook(id int64) (*model.WebhookConfig, error)
	MaintenanceMode() bool
}

// Sender delivers a notification through a webhook. Implemented by
// notify.Dispatcher.
type Sender interface {
	Dispatch(ctx context.Context, webhook *model.WebhookConfig, n model.Notification) error
}

// TemplateRenderer produces the final title and message.
type TemplateRenderer interface {
	Render(n model.Notification, templateID *int64) (string, string)
}

// Pipeline routes evaluated alerts through the maintenance gate,
// cooldown, optional aggregation, template rendering and dispatch, and
// records cooldown state after a successful send.
type Pipeline struct {
	store      PipelineStore
	renderer   TemplateRenderer
	dispatcher Sender
	cooldown   *Cooldown
	catalog    Catalog
	aggregator *Aggregator
}

// NewPipeline wires the alert delivery path. A zero window disables
// aggregation; alerts then dispatch individually.
func NewPipeline(store PipelineStore, catalog Catalog, renderer TemplateRenderer, dispatcher Sender, cooldown *Cooldown, aggregationWindow time.Duration) *Pipeline {
	p := &Pipeline{
		store:      store,
		renderer:   renderer,
		dispatcher: dispatcher,
		cooldown:   cooldown,
		catalog:    catalog,
	}
	if aggregationWindow > 0 {
		p.aggregator = NewAggregator(aggregationWindow, func(rule *model.NotificationRule, n model.Notification) {
			if err := p.deliver(context.Background(), rule, n, false); err != nil {
				slog.Error("delivering aggregated alert failed", "rule_id", rule.ID, "error", err)
			}
		})
	}
	return p
}

// SendAlert pushes one evaluated notification into the delivery path.
// bypass (used only by explicit test actions) skips the maintenance
// gate, cooldown check, cooldown record and aggregation.
func (p *Pipeline) SendAlert(ctx context.Context, rule *model.NotificationRule, n model.Notification, bypass bool) error {
	if !bypass {
		if p.store.MaintenanceMode() {
			slog.Debug("suppressing alert, maintenance mode active", "rule_id", rule.ID)
			return nil
		}
		if !p.cooldown.CanSend(rule.ID, rule.Cooldown) {
			slog.Debug("suppressing alert, rule in cooldown", "rule_id", rule.ID, "cooldown", rule.Cooldown)
			return nil
		}
		if p.aggregator != nil {
			p.aggregator.Add(rule, n)
			return nil
		}
	}
	return p.deliver(ctx, rule, n, bypass)
}

func (p *Pipeline) deliver(ctx context.Context, rule *model.NotificationRule, n model.Notification, bypass bool) error {
	n.Title, n.Message = p.renderer.Render(n, rule.TemplateID)

	webhook, err := p.store.GetWebhook(rule.WebhookID)
	if err != nil {
		return fmt.Errorf("loading webhook %d for rule %d: %w", rule.WebhookID, rule.ID, err)
	}
	if !webhook.Active {
		slog.Debug("suppressing alert, webhook inactive", "rule_id", rule.ID, "webhook_id", webhook.ID)
		return nil
	}

	if err := p.dispatcher.Dispatch(ctx, webhook, n); err != nil {
		return err
	}
	if !bypass {
		if err := p.cooldown.Record(rule.ID); err != nil {
			slog.Error("recording cooldown failed", "rule_id", rule.ID, "error", err)
		}
	}
	return nil
}

// TestRule sends a synthetic alert for a rule with bypass enabled, so
// an admin can verify the full render and dispatch path without waiting
// for a real trigger.
func (p *Pipeline) TestRule(ctx context.Context, ruleID int64) error {
	rule, err := p.store.GetRule(ruleID)
	if err != nil {
		return fmt.Errorf("loading rule %d: %w", ruleID, err)
	}

	n := syntheticNotification(p.catalog, rule)
	return p.SendAlert(ctx, rule, n, true)
}

// FlushAll drains any open aggregation batches. Called on shutdown.
func (p *Pipeline) FlushAll() {
	if p.aggregator != nil {
		p.aggregator.FlushAll()
	}
}

func syntheticNotification(catalog Catalog, rule *model.NotificationRule) model.Notification {
	n := model.Notification{
		RuleID:    rule.ID,
		AlertType: "test",
		Severity:  rule.Severity,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"test": "true"},
	}

	switch rule.ConditionType {
	case model.ConditionThreshold:
		display, unit := ResolveLabel(catalog, rule.MetricKey)
		n.Title = fmt.Sprintf("Test: %s Alert", display)
		n.Message = fmt.Sprintf("Rule %q would fire when %s %s %s %s",
			rule.Name, display, rule.Operator, formatValue(rule.Threshold), unit)
		n.Metadata["metricName"] = rule.MetricKey
		n.Metadata["displayName"] = display
		n.Metadata["threshold"] = formatValue(rule.Threshold)
		n.Metadata["unit"] = unit
	case model.ConditionStatusChange:
		from, to := "any", "any"
		if rule.FromStatus != nil {
			from = *rule.FromStatus
		}
		if rule.ToStatus != nil {
			to = *rule.ToStatus
		}
		n.Title = fmt.Sprintf("Test: %s", rule.Name)
		n.Message = fmt.Sprintf("Rule %q would fire on status change %s to %s", rule.Name, from, to)
		n.Metadata["oldStatus"] = from
		n.Metadata["newStatus"] = to
	default:
		n.Title = fmt.Sprintf("Test: %s", rule.Name)
		n.Message = fmt.Sprintf("Rule %q test notification", rule.Name)
	}
	return n
}
