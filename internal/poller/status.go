// Package poller runs the two periodic collection loops: the status
// poller that derives card statuses from monitor lists, and the metric
// poller that feeds threshold rules.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoyalKiwi/beacon/internal/alert"
	"github.com/RoyalKiwi/beacon/internal/driver"
	"github.com/RoyalKiwi/beacon/internal/model"
	"github.com/RoyalKiwi/beacon/internal/stream"
)

const defaultStatusInterval = 30 * time.Second

// StatusStore is the store subset the status poller uses.
type StatusStore interface {
	GetIntegration(id int64) (*model.Integration, error)
	ListStatusCards() ([]*model.Card, error)
	UpdateIntegrationPollStatus(id int64, polledAt time.Time, outcome string) error
	UpdateCardStatus(id int64, status string) error
	StatusSourceID() (int64, error)
	ListActiveRules(conditionType string) ([]*model.NotificationRule, error)
}

// DriverFactory resolves an integration to its driver. Implemented by
// driver.Factory.
type DriverFactory interface {
	ForIntegration(in *model.Integration) (driver.Driver, error)
}

// AlertSink receives evaluated notifications. Implemented by
// alert.Pipeline.
type AlertSink interface {
	SendAlert(ctx context.Context, rule *model.NotificationRule, n model.Notification, bypass bool) error
}

// CardStatus is one entry of the derived status map.
type CardStatus struct {
	CardID int64  `json:"card_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// RateLimitError rejects a manual poll attempted before the
// integration's interval has elapsed.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("poll rate limited, retry after %ds", int(e.RetryAfter.Seconds())+1)
}

// StatusPoller owns the status cadence: it polls every referenced
// integration's monitor list, resolves each card's status, diffs
// against the previous cycle and fans changes out to live subscribers
// and status-change rules.
type StatusPoller struct {
	store    StatusStore
	factory  DriverFactory
	hub      *stream.Hub
	alerts   AlertSink
	interval time.Duration

	// cycleMu serializes poll cycles; fanMu orders subscriber
	// registration against diff broadcasts so a new subscriber always
	// sees its snapshot first.
	cycleMu sync.Mutex
	fanMu   sync.Mutex

	mu         sync.Mutex
	snapshots  map[int64]map[string]bool // integration id -> lowercased monitor name -> up
	reachable  map[int64]bool
	statuses   map[int64]CardStatus
	lastPoll   map[int64]time.Time
	generation uint64

	restart chan struct{}
}

func NewStatusPoller(store StatusStore, factory DriverFactory, hub *stream.Hub, alerts AlertSink, interval time.Duration) *StatusPoller {
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	return &StatusPoller{
		store:     store,
		factory:   factory,
		hub:       hub,
		alerts:    alerts,
		interval:  interval,
		snapshots: make(map[int64]map[string]bool),
		reachable: make(map[int64]bool),
		statuses:  make(map[int64]CardStatus),
		lastPoll:  make(map[int64]time.Time),
		restart:   make(chan struct{}, 1),
	}
}

func (p *StatusPoller) Name() string { return "status" }

// Interval returns the current cadence: the global status source's
// configured poll interval when one is set, the default otherwise.
func (p *StatusPoller) Interval() time.Duration {
	sourceID, err := p.store.StatusSourceID()
	if err != nil || sourceID == 0 {
		return p.interval
	}
	in, err := p.store.GetIntegration(sourceID)
	if err != nil || in.PollInterval <= 0 {
		return p.interval
	}
	return in.PollInterval
}

// Run drives the polling loop until ctx is cancelled. A Restart signal
// re-reads the cadence and starts a fresh cycle immediately.
func (p *StatusPoller) Run(ctx context.Context) error {
	interval := p.Interval()
	slog.Info("status poller started", "interval", interval)

	if err := p.Collect(ctx); err != nil {
		slog.Error("status poll failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("status poller stopped")
			return ctx.Err()
		case <-p.restart:
			interval = p.Interval()
			ticker.Reset(interval)
			slog.Info("status poller restarted", "interval", interval)
			if err := p.Collect(ctx); err != nil {
				slog.Error("status poll failed", "error", err)
			}
		case <-ticker.C:
			if err := p.Collect(ctx); err != nil {
				slog.Error("status poll failed", "error", err)
			}
		}
	}
}

// Restart clears every cache, invalidates in-flight cycle results and
// signals the run loop to re-read its configuration. Called when the
// status source or card bindings change.
func (p *StatusPoller) Restart() {
	p.mu.Lock()
	p.generation++
	p.snapshots = make(map[int64]map[string]bool)
	p.reachable = make(map[int64]bool)
	p.statuses = make(map[int64]CardStatus)
	p.mu.Unlock()

	select {
	case p.restart <- struct{}{}:
	default:
	}
}

// Collect runs one full poll cycle.
func (p *StatusPoller) Collect(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()

	cards, err := p.store.ListStatusCards()
	if err != nil {
		return fmt.Errorf("listing status cards: %w", err)
	}
	sourceID, err := p.store.StatusSourceID()
	if err != nil {
		return fmt.Errorf("reading status source: %w", err)
	}

	ids := referencedIntegrations(cards, sourceID)
	results := make(map[int64]map[string]bool, len(ids))
	reach := make(map[int64]bool, len(ids))
	for id := range ids {
		monitors, err := p.pollIntegration(ctx, id)
		now := time.Now()
		if err != nil {
			slog.Warn("integration unreachable", "integration_id", id, "error", err)
			reach[id] = false
			p.recordPollOutcome(id, now, model.PollFailed)
			continue
		}
		reach[id] = true
		results[id] = monitors
		p.recordPollOutcome(id, now, model.PollSuccess)
	}

	return p.apply(ctx, gen, cards, sourceID, reach, results)
}

// apply merges poll results into the caches, recomputes card statuses
// and fans out the diff. Results from a cycle superseded by a Restart
// are discarded.
func (p *StatusPoller) apply(ctx context.Context, gen uint64, cards []*model.Card, sourceID int64, reach map[int64]bool, results map[int64]map[string]bool) error {
	p.mu.Lock()
	if p.generation != gen {
		p.mu.Unlock()
		slog.Debug("discarding poll results from superseded cycle")
		return nil
	}
	for id, up := range reach {
		p.reachable[id] = up
		p.lastPoll[id] = time.Now()
	}
	for id, monitors := range results {
		p.snapshots[id] = monitors
	}

	old := p.statuses
	next := make(map[int64]CardStatus, len(cards))
	for _, c := range cards {
		next[c.ID] = CardStatus{
			CardID: c.ID,
			Name:   c.Name,
			Status: p.resolveLocked(c, sourceID),
		}
	}
	p.statuses = next
	p.mu.Unlock()

	changes := diffStatuses(old, next)
	if len(changes) == 0 {
		return nil
	}

	for _, ch := range changes {
		if err := p.store.UpdateCardStatus(ch.CardID, ch.To); err != nil {
			slog.Error("persisting card status failed", "card_id", ch.CardID, "error", err)
		}
	}

	p.fanMu.Lock()
	p.hub.Broadcast(model.EventStatusChanged, changes)
	p.fanMu.Unlock()

	p.evaluateStatusRules(ctx, changes)
	return nil
}

// resolveLocked derives one card's status from the current snapshots.
// Missing data at any step degrades to warning so a card never
// disappears. Caller holds p.mu.
func (p *StatusPoller) resolveLocked(c *model.Card, sourceID int64) string {
	integrationID := sourceID
	if c.IntegrationID != nil {
		integrationID = *c.IntegrationID
	}
	if integrationID == 0 || c.MonitorName == "" {
		return model.StatusWarning
	}
	if !p.reachable[integrationID] {
		return model.StatusWarning
	}
	up, ok := p.snapshots[integrationID][strings.ToLower(c.MonitorName)]
	if !ok {
		return model.StatusWarning
	}
	if up {
		return model.StatusOnline
	}
	return model.StatusOffline
}

func (p *StatusPoller) pollIntegration(ctx context.Context, id int64) (map[string]bool, error) {
	in, err := p.store.GetIntegration(id)
	if err != nil {
		return nil, fmt.Errorf("loading integration: %w", err)
	}
	if !in.Active {
		return nil, fmt.Errorf("integration %q is inactive", in.Name)
	}

	d, err := p.factory.ForIntegration(in)
	if err != nil {
		return nil, err
	}
	lister, ok := d.(driver.MonitorLister)
	if !ok {
		return nil, fmt.Errorf("integration type %s has no monitor list", in.Type)
	}

	monitors, err := lister.FetchMonitors(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]bool, len(monitors))
	for _, m := range monitors {
		snapshot[strings.ToLower(m.Name)] = m.Up
	}
	return snapshot, nil
}

// PollNow triggers an immediate poll of one integration. Without force
// it is rejected when called before the integration's own interval has
// elapsed since its last poll.
func (p *StatusPoller) PollNow(ctx context.Context, integrationID int64, force bool) error {
	in, err := p.store.GetIntegration(integrationID)
	if err != nil {
		return fmt.Errorf("loading integration %d: %w", integrationID, err)
	}
	interval := in.PollInterval
	if interval <= 0 {
		interval = p.interval
	}

	p.mu.Lock()
	last, polled := p.lastPoll[integrationID]
	gen := p.generation
	p.mu.Unlock()

	if !force && polled {
		if elapsed := time.Since(last); elapsed < interval {
			return &RateLimitError{RetryAfter: interval - elapsed}
		}
	}

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	cards, err := p.store.ListStatusCards()
	if err != nil {
		return fmt.Errorf("listing status cards: %w", err)
	}
	sourceID, err := p.store.StatusSourceID()
	if err != nil {
		return fmt.Errorf("reading status source: %w", err)
	}

	monitors, pollErr := p.pollIntegration(ctx, integrationID)
	now := time.Now()
	reach := map[int64]bool{integrationID: pollErr == nil}
	results := map[int64]map[string]bool{}
	if pollErr != nil {
		p.recordPollOutcome(integrationID, now, model.PollFailed)
	} else {
		results[integrationID] = monitors
		p.recordPollOutcome(integrationID, now, model.PollSuccess)
	}

	if err := p.apply(ctx, gen, cards, sourceID, reach, results); err != nil {
		return err
	}
	return pollErr
}

// Snapshot returns the current derived status of every card, sorted by
// card id.
func (p *StatusPoller) Snapshot() []CardStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CardStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CardID < out[j].CardID })
	return out
}

// RegisterClient delivers the full current snapshot to the sink, then
// subscribes it to future diffs. The snapshot is guaranteed to arrive
// before any diff broadcast.
func (p *StatusPoller) RegisterClient(id string, sink stream.Sink) error {
	p.fanMu.Lock()
	defer p.fanMu.Unlock()

	if err := sink.Send(stream.Event{Type: model.EventStatusSnapshot, Payload: p.Snapshot()}); err != nil {
		return fmt.Errorf("sending initial snapshot: %w", err)
	}
	p.hub.Register(id, sink)
	return nil
}

// UnregisterClient drops a subscriber.
func (p *StatusPoller) UnregisterClient(id string) {
	p.hub.Unregister(id)
}

func (p *StatusPoller) evaluateStatusRules(ctx context.Context, changes []model.StatusChange) {
	rules, err := p.store.ListActiveRules(model.ConditionStatusChange)
	if err != nil {
		slog.Error("listing status-change rules failed", "error", err)
		return
	}
	for _, ch := range changes {
		for _, rule := range rules {
			n, fired := alert.EvaluateStatusChange(rule, ch)
			if !fired {
				continue
			}
			if err := p.alerts.SendAlert(ctx, rule, n, false); err != nil {
				slog.Error("sending status-change alert failed", "rule_id", rule.ID, "card_id", ch.CardID, "error", err)
			}
		}
	}
}

func (p *StatusPoller) recordPollOutcome(id int64, polledAt time.Time, outcome string) {
	if err := p.store.UpdateIntegrationPollStatus(id, polledAt, outcome); err != nil {
		slog.Error("updating integration poll status failed", "integration_id", id, "error", err)
	}
}

// referencedIntegrations collects the distinct integration ids the
// cycle must poll: the global source plus any per-card overrides.
func referencedIntegrations(cards []*model.Card, sourceID int64) map[int64]struct{} {
	ids := make(map[int64]struct{})
	if sourceID != 0 {
		ids[sourceID] = struct{}{}
	}
	for _, c := range cards {
		if c.IntegrationID != nil && *c.IntegrationID != 0 {
			ids[*c.IntegrationID] = struct{}{}
		}
	}
	return ids
}

// diffStatuses returns the cards whose status differs between two
// cycles. Running it on identical maps yields nothing.
func diffStatuses(old, next map[int64]CardStatus) []model.StatusChange {
	var changes []model.StatusChange
	for id, n := range next {
		o, ok := old[id]
		if ok && o.Status == n.Status {
			continue
		}
		changes = append(changes, model.StatusChange{
			CardID:   id,
			CardName: n.Name,
			From:     o.Status,
			To:       n.Status,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].CardID < changes[j].CardID })
	return changes
}
