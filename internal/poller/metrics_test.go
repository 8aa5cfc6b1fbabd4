package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetricStore struct {
	mu           sync.Mutex
	integrations []*model.Integration
	rules        []*model.NotificationRule
	definitions  map[string]*model.MetricDefinition
	outcomes     map[int64]string
}

func newFakeMetricStore() *fakeMetricStore {
	return &fakeMetricStore{
		definitions: make(map[string]*model.MetricDefinition),
		outcomes:    make(map[int64]string),
	}
}

func (f *fakeMetricStore) GetIntegration(id int64) (*model.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range f.integrations {
		if in.ID == id {
			return in, nil
		}
	}
	return nil, errors.New("integration not found")
}

func (f *fakeMetricStore) ListIntegrations(activeOnly bool) ([]*model.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Integration
	for _, in := range f.integrations {
		if !activeOnly || in.Active {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeMetricStore) UpdateIntegrationPollStatus(id int64, _ time.Time, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = outcome
	return nil
}

func (f *fakeMetricStore) UpsertMetricDefinition(d *model.MetricDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.definitions[d.Key] = d
	return nil
}

func (f *fakeMetricStore) GetMetricDefinition(key string) (*model.MetricDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.definitions[key]; ok {
		return d, nil
	}
	return nil, errors.New("definition not found")
}

func (f *fakeMetricStore) ListActiveRules(conditionType string) ([]*model.NotificationRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.NotificationRule
	for _, r := range f.rules {
		if r.ConditionType == conditionType && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func cpuRule(threshold float64) *model.NotificationRule {
	return &model.NotificationRule{
		ID:            1,
		WebhookID:     1,
		Name:          "high cpu",
		ConditionType: model.ConditionThreshold,
		MetricKey:     "cpu_usage",
		Operator:      "gt",
		Threshold:     threshold,
		TargetScope:   model.ScopeAll,
		Severity:      model.SeverityWarning,
		Active:        true,
	}
}

func newMetricHarness(t *testing.T, cpuValue float64) (*MetricPoller, *fakeMetricStore, *fakeFactory, *alertRecorder) {
	t.Helper()

	store := newFakeMetricStore()
	store.integrations = []*model.Integration{
		{ID: 1, Name: "server", Type: model.TypeUnraid, Active: true},
	}
	store.rules = []*model.NotificationRule{cpuRule(90)}

	factory := &fakeFactory{drivers: map[int64]*fakeDriver{
		1: {
			caps: []model.Capability{
				{Key: "cpu_usage", Metric: "cpu_usage", DisplayName: "CPU Usage", Unit: "%", Category: model.CategoryPerformance},
			},
			metrics: map[string]*model.MetricValue{
				"cpu_usage": {Key: "cpu_usage", Value: cpuValue, Unit: "%", Timestamp: time.Now()},
			},
		},
	}}

	alerts := &alertRecorder{}
	p := NewMetricPoller(store, factory, alerts, time.Minute)
	return p, store, factory, alerts
}

func TestMetricPoller_ThresholdRuleFires(t *testing.T) {
	p, store, _, alerts := newMetricHarness(t, 95)

	require.NoError(t, p.Collect(context.Background()))

	sent := alerts.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "CPU Usage Alert", sent[0].Title)
	assert.Equal(t, "95", sent[0].Metadata["value"])
	assert.Equal(t, model.PollSuccess, store.outcomes[1])
}

func TestMetricPoller_BelowThresholdStaysQuiet(t *testing.T) {
	p, _, _, alerts := newMetricHarness(t, 50)

	require.NoError(t, p.Collect(context.Background()))
	assert.Empty(t, alerts.all())
}

func TestMetricPoller_SyncsCatalog(t *testing.T) {
	p, store, _, _ := newMetricHarness(t, 50)

	require.NoError(t, p.Collect(context.Background()))

	def, err := store.GetMetricDefinition("cpu_usage")
	require.NoError(t, err)
	assert.Equal(t, "CPU Usage", def.DisplayName)
	assert.Equal(t, model.TypeUnraid, def.IntegrationType)
	assert.Equal(t, thresholdOperators, def.Operators)

	// A renamed driver capability is synced over the old row and the
	// new display name flows into alert text the same cycle.
	p2, store2, factory2, alerts := newMetricHarness(t, 95)
	factory2.drivers[1].caps[0].DisplayName = "Processor Load"
	require.NoError(t, p2.Collect(context.Background()))

	def, err = store2.GetMetricDefinition("cpu_usage")
	require.NoError(t, err)
	assert.Equal(t, "Processor Load", def.DisplayName)
	require.Len(t, alerts.all(), 1)
	assert.Equal(t, "Processor Load Alert", alerts.all()[0].Title)
}

func TestMetricPoller_SkipsStatusOnlyBackends(t *testing.T) {
	p, store, factory, alerts := newMetricHarness(t, 95)
	store.integrations = append(store.integrations, &model.Integration{ID: 2, Name: "kuma", Type: model.TypeUptimeKuma, Active: true})

	require.NoError(t, p.Collect(context.Background()))

	factory.mu.Lock()
	_, polled := factory.drivers[2]
	factory.mu.Unlock()
	assert.False(t, polled)
	assert.NotContains(t, store.outcomes, int64(2), "uptime backends are left to the status poller")
	assert.Len(t, alerts.all(), 1)
}

func TestMetricPoller_OneFailureDoesNotAbortCycle(t *testing.T) {
	p, store, factory, alerts := newMetricHarness(t, 95)

	// Integration 2 has no driver: ForIntegration fails.
	store.integrations = append([]*model.Integration{
		{ID: 2, Name: "broken", Type: model.TypeNetdata, Active: true},
	}, store.integrations...)

	require.NoError(t, p.Collect(context.Background()))

	assert.Equal(t, model.PollFailed, store.outcomes[2])
	assert.Equal(t, model.PollSuccess, store.outcomes[1])
	assert.Len(t, alerts.all(), 1, "healthy integration still evaluated")
	require.NotNil(t, factory.drivers[1])
}

func TestMetricPoller_FetchFailureIsPartial(t *testing.T) {
	p, store, factory, _ := newMetricHarness(t, 95)
	factory.drivers[1].err = errors.New("timeout")

	require.NoError(t, p.Collect(context.Background()))
	assert.Equal(t, model.PollPartial, store.outcomes[1])
}

func TestMetricPoller_AbsentMetricSkipsRule(t *testing.T) {
	p, store, factory, alerts := newMetricHarness(t, 95)
	delete(factory.drivers[1].metrics, "cpu_usage")

	require.NoError(t, p.Collect(context.Background()))
	assert.Empty(t, alerts.all(), "a nil metric value never triggers a threshold rule")
	assert.Equal(t, model.PollSuccess, store.outcomes[1])
}

func TestMetricPoller_OnlyReferencedKeysFetched(t *testing.T) {
	keys := referencedKeys(1, []*model.NotificationRule{
		cpuRule(90),
		{ConditionType: model.ConditionThreshold, MetricKey: "memory_usage", TargetScope: model.ScopeAll, Active: true},
		{ConditionType: model.ConditionThreshold, MetricKey: "array_usage", TargetScope: model.ScopeIntegration, TargetID: intPtr(2), Active: true},
	})

	assert.Contains(t, keys, "cpu_usage")
	assert.Contains(t, keys, "memory_usage")
	assert.NotContains(t, keys, "array_usage", "rules scoped to another integration are ignored")
}

func TestMetricPoller_PresenceRuleFiresOnMissingData(t *testing.T) {
	p, store, _, alerts := newMetricHarness(t, 95)
	store.rules = []*model.NotificationRule{{
		ID:            2,
		WebhookID:     1,
		Name:          "array gone",
		ConditionType: model.ConditionPresence,
		MetricKey:     "array_usage",
		TargetScope:   model.ScopeAll,
		Severity:      model.SeverityWarning,
		Active:        true,
	}}

	require.NoError(t, p.Collect(context.Background()))

	sent := alerts.all()
	require.Len(t, sent, 1)
	assert.Equal(t, model.ConditionPresence, sent[0].AlertType)
}

func TestMetricPoller_PollNowEvaluatesRules(t *testing.T) {
	p, store, _, alerts := newMetricHarness(t, 95)

	require.NoError(t, p.PollNow(context.Background(), 1, false))

	require.Len(t, alerts.all(), 1)
	assert.Equal(t, model.PollSuccess, store.outcomes[1])
}

func TestMetricPoller_PollNowRateLimited(t *testing.T) {
	p, _, _, alerts := newMetricHarness(t, 95)

	require.NoError(t, p.PollNow(context.Background(), 1, false))

	err := p.PollNow(context.Background(), 1, false)
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Positive(t, rateErr.RetryAfter)

	require.NoError(t, p.PollNow(context.Background(), 1, true), "force bypasses the rate limit")
	assert.Len(t, alerts.all(), 2)
}

func TestMetricPoller_PollNowRejectsStatusOnlyBackend(t *testing.T) {
	p, store, _, _ := newMetricHarness(t, 95)
	store.integrations = append(store.integrations, &model.Integration{ID: 2, Name: "kuma", Type: model.TypeUptimeKuma, Active: true})

	err := p.PollNow(context.Background(), 2, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exposes no metrics")
}

func intPtr(i int64) *int64 { return &i }
