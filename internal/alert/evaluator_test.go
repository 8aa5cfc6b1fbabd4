package alert

import (
	"errors"
	"testing"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	defs map[string]*model.MetricDefinition
}

func (f *fakeCatalog) GetMetricDefinition(key string) (*model.MetricDefinition, error) {
	if d, ok := f.defs[key]; ok {
		return d, nil
	}
	return nil, errors.New("not found")
}

func strPtr(s string) *string { return &s }
func intPtr(i int64) *int64   { return &i }

func TestCompare(t *testing.T) {
	cases := []struct {
		value     float64
		op        string
		threshold float64
		want      bool
	}{
		{90.001, "gt", 90, true},
		{90, "gt", 90, false},
		{89.999, "gt", 90, false},
		{89.999, "lt", 90, true},
		{90, "lt", 90, false},
		{90, "gte", 90, true},
		{89.999, "gte", 90, false},
		{90, "lte", 90, true},
		{90.001, "lte", 90, false},
		{90, "eq", 90, true},
		{90.0000001, "eq", 90, false},
		{90, "between", 90, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Compare(tc.value, tc.op, tc.threshold),
			"Compare(%v, %s, %v)", tc.value, tc.op, tc.threshold)
	}
}

func TestResolveLabel(t *testing.T) {
	catalog := &fakeCatalog{defs: map[string]*model.MetricDefinition{
		"cpu_usage": {Key: "cpu_usage", DisplayName: "Processor Load", Unit: "percent"},
	}}

	name, unit := ResolveLabel(catalog, "cpu_usage")
	assert.Equal(t, "Processor Load", name)
	assert.Equal(t, "percent", unit)

	// Catalog miss falls back to the legacy table.
	name, unit = ResolveLabel(catalog, "memory_usage")
	assert.Equal(t, "Memory Usage", name)
	assert.Equal(t, "%", unit)

	// Both lookups miss: raw key, no unit.
	name, unit = ResolveLabel(catalog, "custom.metric")
	assert.Equal(t, "custom.metric", name)
	assert.Empty(t, unit)

	name, _ = ResolveLabel(nil, "array_usage")
	assert.Equal(t, "Array Usage", name)
}

func thresholdRule() *model.NotificationRule {
	return &model.NotificationRule{
		ID:            1,
		WebhookID:     2,
		Name:          "high cpu",
		ConditionType: model.ConditionThreshold,
		MetricKey:     "cpu_usage",
		Operator:      "gt",
		Threshold:     90,
		TargetScope:   model.ScopeAll,
		Severity:      model.SeverityWarning,
		Active:        true,
	}
}

func TestEvaluateThreshold(t *testing.T) {
	integration := &model.Integration{ID: 10, Name: "homelab"}
	value := &model.MetricValue{Key: "cpu_usage", Value: 95.5, Unit: "%", Timestamp: time.Now()}

	n, fired := EvaluateThreshold(nil, thresholdRule(), integration, value)
	require.True(t, fired)
	assert.Equal(t, int64(1), n.RuleID)
	assert.Equal(t, model.ConditionThreshold, n.AlertType)
	assert.Equal(t, model.SeverityWarning, n.Severity)
	assert.Equal(t, "CPU Usage Alert", n.Title)
	assert.Equal(t, "CPU Usage is 95.5 % (threshold: 90)", n.Message)
	assert.Equal(t, "95.5", n.Metadata["value"])
	assert.Equal(t, "homelab", n.Metadata["integration"])
	assert.Equal(t, "10", n.Metadata["integration_id"])
}

func TestEvaluateThreshold_NotTriggered(t *testing.T) {
	integration := &model.Integration{ID: 10, Name: "homelab"}
	value := &model.MetricValue{Key: "cpu_usage", Value: 50}

	_, fired := EvaluateThreshold(nil, thresholdRule(), integration, value)
	assert.False(t, fired)
}

func TestEvaluateThreshold_NilValueSkips(t *testing.T) {
	integration := &model.Integration{ID: 10}
	_, fired := EvaluateThreshold(nil, thresholdRule(), integration, nil)
	assert.False(t, fired)
}

func TestEvaluateThreshold_ScopeMismatch(t *testing.T) {
	rule := thresholdRule()
	rule.TargetScope = model.ScopeIntegration
	rule.TargetID = intPtr(99)

	integration := &model.Integration{ID: 10}
	value := &model.MetricValue{Key: "cpu_usage", Value: 95}

	_, fired := EvaluateThreshold(nil, rule, integration, value)
	assert.False(t, fired)

	rule.TargetID = intPtr(10)
	_, fired = EvaluateThreshold(nil, rule, integration, value)
	assert.True(t, fired)
}

func statusRule() *model.NotificationRule {
	return &model.NotificationRule{
		ID:            2,
		WebhookID:     2,
		Name:          "service down",
		ConditionType: model.ConditionStatusChange,
		ToStatus:      strPtr(model.StatusOffline),
		TargetScope:   model.ScopeAll,
		Severity:      model.SeverityCritical,
		Active:        true,
	}
}

func TestEvaluateStatusChange(t *testing.T) {
	change := model.StatusChange{CardID: 3, CardName: "plex", From: model.StatusOnline, To: model.StatusOffline}

	n, fired := EvaluateStatusChange(statusRule(), change)
	require.True(t, fired)
	assert.Equal(t, "plex is offline", n.Title)
	assert.Equal(t, "plex changed from online to offline", n.Message)
	assert.Equal(t, model.StatusOnline, n.Metadata["oldStatus"])
	assert.Equal(t, model.StatusOffline, n.Metadata["newStatus"])
}

func TestEvaluateStatusChange_WildcardMatchesAnyDirection(t *testing.T) {
	rule := statusRule()
	rule.FromStatus = nil
	rule.ToStatus = nil

	for _, change := range []model.StatusChange{
		{CardID: 1, CardName: "a", From: model.StatusOnline, To: model.StatusOffline},
		{CardID: 1, CardName: "a", From: model.StatusOffline, To: model.StatusOnline},
		{CardID: 1, CardName: "a", From: model.StatusWarning, To: model.StatusOnline},
	} {
		_, fired := EvaluateStatusChange(rule, change)
		assert.True(t, fired, "wildcard rule must match %s->%s", change.From, change.To)
	}
}

func TestEvaluateStatusChange_DirectionFiltered(t *testing.T) {
	rule := statusRule()
	rule.FromStatus = strPtr(model.StatusOnline)

	_, fired := EvaluateStatusChange(rule, model.StatusChange{CardID: 1, From: model.StatusWarning, To: model.StatusOffline})
	assert.False(t, fired, "from_status online must not match a warning origin")

	_, fired = EvaluateStatusChange(rule, model.StatusChange{CardID: 1, From: model.StatusOnline, To: model.StatusOffline})
	assert.True(t, fired)
}

func TestEvaluateStatusChange_CardScope(t *testing.T) {
	rule := statusRule()
	rule.TargetScope = model.ScopeCard
	rule.TargetID = intPtr(7)

	_, fired := EvaluateStatusChange(rule, model.StatusChange{CardID: 3, From: model.StatusOnline, To: model.StatusOffline})
	assert.False(t, fired)

	_, fired = EvaluateStatusChange(rule, model.StatusChange{CardID: 7, From: model.StatusOnline, To: model.StatusOffline})
	assert.True(t, fired)
}

func TestEvaluatePresence(t *testing.T) {
	rule := &model.NotificationRule{
		ID:            3,
		ConditionType: model.ConditionPresence,
		MetricKey:     "array_usage",
		TargetScope:   model.ScopeAll,
		Severity:      model.SeverityWarning,
	}
	integration := &model.Integration{ID: 10, Name: "nas"}

	n, fired := EvaluatePresence(nil, rule, integration, nil)
	require.True(t, fired)
	assert.Equal(t, "Array Usage Missing", n.Title)

	_, fired = EvaluatePresence(nil, rule, integration, &model.MetricValue{Value: 1})
	assert.False(t, fired, "presence rules only fire on absent data")
}
