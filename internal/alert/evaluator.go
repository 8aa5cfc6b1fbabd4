// Package alert evaluates notification rules against fresh metric and
// status data and drives matching alerts through cooldown, aggregation,
// rendering and dispatch.
package alert

import (
	"fmt"
	"strconv"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
)

// Catalog is the metric-definition lookup the evaluator uses to resolve
// display names and units.
type Catalog interface {
	GetMetricDefinition(key string) (*model.MetricDefinition, error)
}

// Compare applies a rule operator to a metric value. eq is exact float
// equality with no epsilon; rules on continuously-varying metrics
// should prefer gte or lte.
func Compare(value float64, op string, threshold float64) bool {
	switch op {
	case "gt":
		return value > threshold
	case "lt":
		return value < threshold
	case "gte":
		return value >= threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}

// ResolveLabel returns the display name and unit for a metric key:
// catalog row first, then the legacy table, then the raw key itself.
func ResolveLabel(catalog Catalog, key string) (string, string) {
	if catalog != nil {
		if def, err := catalog.GetMetricDefinition(key); err == nil {
			return def.DisplayName, def.Unit
		}
	}
	if l, ok := legacyMetricLabels[key]; ok {
		return l.name, l.unit
	}
	return key, ""
}

// EvaluateThreshold checks one threshold rule against a metric value
// from the given integration. A nil value (metric absent from live
// data) never triggers. The returned notification is fully formed but
// not yet rendered or sent.
func EvaluateThreshold(catalog Catalog, rule *model.NotificationRule, integration *model.Integration, value *model.MetricValue) (model.Notification, bool) {
	if value == nil || rule.ConditionType != model.ConditionThreshold {
		return model.Notification{}, false
	}
	if !rule.MatchesIntegration(integration.ID) {
		return model.Notification{}, false
	}
	if !Compare(value.Value, rule.Operator, rule.Threshold) {
		return model.Notification{}, false
	}

	display, unit := ResolveLabel(catalog, rule.MetricKey)
	if unit == "" {
		unit = value.Unit
	}

	n := model.Notification{
		RuleID:    rule.ID,
		AlertType: model.ConditionThreshold,
		Severity:  rule.Severity,
		Title:     fmt.Sprintf("%s Alert", display),
		Message: fmt.Sprintf("%s is %s %s (threshold: %s)",
			display, formatValue(value.Value), unit, formatValue(rule.Threshold)),
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"metricName":     rule.MetricKey,
			"displayName":    display,
			"value":          formatValue(value.Value),
			"threshold":      formatValue(rule.Threshold),
			"operator":       rule.Operator,
			"unit":           unit,
			"integration":    integration.Name,
			"integration_id": strconv.FormatInt(integration.ID, 10),
		},
	}
	return n, true
}

// EvaluateStatusChange checks one status-change rule against a card
// transition. A nil from or to status in the rule matches any status.
func EvaluateStatusChange(rule *model.NotificationRule, change model.StatusChange) (model.Notification, bool) {
	if rule.ConditionType != model.ConditionStatusChange {
		return model.Notification{}, false
	}
	if !rule.MatchesCard(change.CardID) {
		return model.Notification{}, false
	}
	if rule.FromStatus != nil && *rule.FromStatus != change.From {
		return model.Notification{}, false
	}
	if rule.ToStatus != nil && *rule.ToStatus != change.To {
		return model.Notification{}, false
	}

	n := model.Notification{
		RuleID:    rule.ID,
		AlertType: model.ConditionStatusChange,
		Severity:  rule.Severity,
		Title:     fmt.Sprintf("%s is %s", change.CardName, change.To),
		Message:   fmt.Sprintf("%s changed from %s to %s", change.CardName, change.From, change.To),
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"cardName":  change.CardName,
			"card_id":   strconv.FormatInt(change.CardID, 10),
			"oldStatus": change.From,
			"newStatus": change.To,
		},
	}
	return n, true
}

// EvaluatePresence checks one presence rule: it triggers when the
// metric the rule watches is absent from live data.
func EvaluatePresence(catalog Catalog, rule *model.NotificationRule, integration *model.Integration, value *model.MetricValue) (model.Notification, bool) {
	if rule.ConditionType != model.ConditionPresence || value != nil {
		return model.Notification{}, false
	}
	if !rule.MatchesIntegration(integration.ID) {
		return model.Notification{}, false
	}

	display, _ := ResolveLabel(catalog, rule.MetricKey)
	n := model.Notification{
		RuleID:    rule.ID,
		AlertType: model.ConditionPresence,
		Severity:  rule.Severity,
		Title:     fmt.Sprintf("%s Missing", display),
		Message:   fmt.Sprintf("%s reported no data for %s", integration.Name, display),
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"metricName":     rule.MetricKey,
			"displayName":    display,
			"integration":    integration.Name,
			"integration_id": strconv.FormatInt(integration.ID, 10),
		},
	}
	return n, true
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
