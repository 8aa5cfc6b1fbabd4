package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoyalKiwi/beacon/internal/alert"
	"github.com/RoyalKiwi/beacon/internal/model"
)

const defaultMetricInterval = 60 * time.Second

// thresholdOperators are the comparisons offered for catalog rows
// synced from driver capabilities.
var thresholdOperators = []string{"gt", "lt", "gte", "lte", "eq"}

// MetricStore is the store subset the metric poller uses.
type MetricStore interface {
	GetIntegration(id int64) (*model.Integration, error)
	ListIntegrations(activeOnly bool) ([]*model.Integration, error)
	UpdateIntegrationPollStatus(id int64, polledAt time.Time, outcome string) error
	UpsertMetricDefinition(d *model.MetricDefinition) error
	GetMetricDefinition(key string) (*model.MetricDefinition, error)
	ListActiveRules(conditionType string) ([]*model.NotificationRule, error)
}

// MetricPoller runs the coarser metric cadence: for every active
// threshold-capable integration it syncs discovered capabilities into
// the metric-definition catalog and evaluates threshold and presence
// rules against freshly fetched values. One integration failing never
// aborts the rest of the cycle.
type MetricPoller struct {
	store    MetricStore
	factory  DriverFactory
	alerts   AlertSink
	interval time.Duration

	cycleMu sync.Mutex

	mu       sync.Mutex
	lastPoll map[int64]time.Time
}

func NewMetricPoller(store MetricStore, factory DriverFactory, alerts AlertSink, interval time.Duration) *MetricPoller {
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	return &MetricPoller{
		store:    store,
		factory:  factory,
		alerts:   alerts,
		interval: interval,
		lastPoll: make(map[int64]time.Time),
	}
}

func (p *MetricPoller) Name() string            { return "metrics" }
func (p *MetricPoller) Interval() time.Duration { return p.interval }

// Run drives the metric loop until ctx is cancelled.
func (p *MetricPoller) Run(ctx context.Context) error {
	slog.Info("metric poller started", "interval", p.interval)

	if err := p.Collect(ctx); err != nil {
		slog.Error("metric poll failed", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("metric poller stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := p.Collect(ctx); err != nil {
				slog.Error("metric poll failed", "error", err)
			}
		}
	}
}

// Collect runs one metric cycle across all threshold-capable
// integrations.
func (p *MetricPoller) Collect(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	integrations, err := p.store.ListIntegrations(true)
	if err != nil {
		return fmt.Errorf("listing integrations: %w", err)
	}

	thresholdRules, err := p.store.ListActiveRules(model.ConditionThreshold)
	if err != nil {
		return fmt.Errorf("listing threshold rules: %w", err)
	}
	presenceRules, err := p.store.ListActiveRules(model.ConditionPresence)
	if err != nil {
		return fmt.Errorf("listing presence rules: %w", err)
	}

	for _, in := range integrations {
		if !in.Type.SupportsThresholds() {
			continue
		}
		if err := p.pollOne(ctx, in, thresholdRules, presenceRules); err != nil {
			slog.Warn("metric poll failed for integration", "integration_id", in.ID, "name", in.Name, "error", err)
			p.recordOutcome(in.ID, model.PollFailed)
		}
	}
	return nil
}

// PollNow triggers an immediate metric poll of one threshold-capable
// integration. Without force it is rejected when called before the
// integration's own interval has elapsed since its last metric poll.
func (p *MetricPoller) PollNow(ctx context.Context, integrationID int64, force bool) error {
	in, err := p.store.GetIntegration(integrationID)
	if err != nil {
		return fmt.Errorf("loading integration %d: %w", integrationID, err)
	}
	if !in.Active {
		return fmt.Errorf("integration %q is inactive", in.Name)
	}
	if !in.Type.SupportsThresholds() {
		return fmt.Errorf("integration type %s exposes no metrics", in.Type)
	}

	interval := in.PollInterval
	if interval <= 0 {
		interval = p.interval
	}
	p.mu.Lock()
	last, polled := p.lastPoll[integrationID]
	p.mu.Unlock()
	if !force && polled {
		if elapsed := time.Since(last); elapsed < interval {
			return &RateLimitError{RetryAfter: interval - elapsed}
		}
	}

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	thresholdRules, err := p.store.ListActiveRules(model.ConditionThreshold)
	if err != nil {
		return fmt.Errorf("listing threshold rules: %w", err)
	}
	presenceRules, err := p.store.ListActiveRules(model.ConditionPresence)
	if err != nil {
		return fmt.Errorf("listing presence rules: %w", err)
	}

	if err := p.pollOne(ctx, in, thresholdRules, presenceRules); err != nil {
		p.recordOutcome(in.ID, model.PollFailed)
		return err
	}
	return nil
}

func (p *MetricPoller) pollOne(ctx context.Context, in *model.Integration, thresholdRules, presenceRules []*model.NotificationRule) error {
	p.mu.Lock()
	p.lastPoll[in.ID] = time.Now()
	p.mu.Unlock()

	d, err := p.factory.ForIntegration(in)
	if err != nil {
		return err
	}

	p.syncCatalog(in, d.Capabilities(ctx))

	keys := referencedKeys(in.ID, thresholdRules, presenceRules)
	partial := false
	for key := range keys {
		value, err := d.FetchMetric(ctx, key)
		if err != nil {
			slog.Warn("metric fetch failed", "integration_id", in.ID, "key", key, "error", err)
			partial = true
			continue
		}
		p.evaluate(ctx, in, key, value, thresholdRules, presenceRules)
	}

	if partial {
		p.recordOutcome(in.ID, model.PollPartial)
	} else {
		p.recordOutcome(in.ID, model.PollSuccess)
	}
	return nil
}

// syncCatalog mirrors discovered capabilities into the metric-definition
// catalog. Upsert only: rows are never deleted by a poll, so rules keep
// their definitions across transient capability gaps.
func (p *MetricPoller) syncCatalog(in *model.Integration, caps []model.Capability) {
	for _, c := range caps {
		def := &model.MetricDefinition{
			Key:             c.Key,
			DisplayName:     c.DisplayName,
			IntegrationType: in.Type,
			Operators:       thresholdOperators,
			Unit:            c.Unit,
			Category:        c.Category,
			ConditionStyle:  model.ConditionThreshold,
		}
		if err := p.store.UpsertMetricDefinition(def); err != nil {
			slog.Error("syncing metric definition failed", "key", c.Key, "error", err)
		}
	}
}

func (p *MetricPoller) evaluate(ctx context.Context, in *model.Integration, key string, value *model.MetricValue, thresholdRules, presenceRules []*model.NotificationRule) {
	for _, rule := range thresholdRules {
		if rule.MetricKey != key {
			continue
		}
		n, fired := alert.EvaluateThreshold(p.store, rule, in, value)
		if !fired {
			continue
		}
		if err := p.alerts.SendAlert(ctx, rule, n, false); err != nil {
			slog.Error("sending threshold alert failed", "rule_id", rule.ID, "error", err)
		}
	}
	for _, rule := range presenceRules {
		if rule.MetricKey != key {
			continue
		}
		n, fired := alert.EvaluatePresence(p.store, rule, in, value)
		if !fired {
			continue
		}
		if err := p.alerts.SendAlert(ctx, rule, n, false); err != nil {
			slog.Error("sending presence alert failed", "rule_id", rule.ID, "error", err)
		}
	}
}

func (p *MetricPoller) recordOutcome(id int64, outcome string) {
	if err := p.store.UpdateIntegrationPollStatus(id, time.Now(), outcome); err != nil {
		slog.Error("updating integration poll status failed", "integration_id", id, "error", err)
	}
}

// referencedKeys returns the metric keys that rules scoped to this
// integration actually watch. Only those keys are fetched.
func referencedKeys(integrationID int64, ruleSets ...[]*model.NotificationRule) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, rules := range ruleSets {
		for _, r := range rules {
			if r.MetricKey == "" || !r.MatchesIntegration(integrationID) {
				continue
			}
			keys[r.MetricKey] = struct{}{}
		}
	}
	return keys
}
