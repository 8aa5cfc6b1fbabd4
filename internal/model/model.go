// Package model defines all shared domain types for Beacon.
package model

import "time"

// IntegrationType identifies a monitored backend kind. The set is closed;
// adding a backend means adding a driver and a new constant here.
type IntegrationType string

const (
	TypeUptimeKuma IntegrationType = "uptime_kuma"
	TypeNetdata    IntegrationType = "netdata"
	TypeUnraid     IntegrationType = "unraid"
)

// SupportsThresholds reports whether integrations of this type expose
// numeric metrics the metric poller should feed into threshold rules.
// Pure-uptime backends are covered by the status poller instead.
func (t IntegrationType) SupportsThresholds() bool {
	return t == TypeNetdata || t == TypeUnraid
}

// SupportsStatus reports whether integrations of this type can supply a
// monitor list for card status resolution.
func (t IntegrationType) SupportsStatus() bool {
	return t == TypeUptimeKuma || t == TypeUnraid
}

// Poll outcome values recorded on an integration after each poll.
const (
	PollSuccess = "success"
	PollPartial = "partial"
	PollFailed  = "failed"
)

// Integration is a configured monitored backend.
type Integration struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Type         IntegrationType `json:"type"`
	Credentials  string          `json:"-"` // encrypted blob, see internal/secret
	PollInterval time.Duration   `json:"poll_interval"`
	Active       bool            `json:"active"`
	LastPoll     *time.Time      `json:"last_poll,omitempty"`
	LastOutcome  string          `json:"last_outcome,omitempty"`
}

// Card statuses derived by the status poller. Absence of data always
// degrades to warning, never to a missing entry.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusWarning = "warning"
)

// Card is a dashboard-visible item that may display a derived status.
type Card struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	IntegrationID *int64 `json:"integration_id,omitempty"` // override; nil = global status source
	MonitorName   string `json:"monitor_name,omitempty"`   // case-insensitive key into the monitor list
	ShowStatus    bool   `json:"show_status"`
	Status        string `json:"status,omitempty"` // cached copy of the last derived status
}

// Capability categories.
const (
	CategoryPerformance = "performance"
	CategoryHealth      = "health"
	CategoryStatus      = "status"
	CategoryNetwork     = "network"
)

// Capability is a discovered, fetchable metric exposed by a driver at a
// point in time. Capabilities are recomputed per poll, not persisted.
type Capability struct {
	Key         string `json:"key"`              // stable machine id
	Target      string `json:"target,omitempty"` // sub-resource (disk, container, chart)
	Metric      string `json:"metric"`
	DisplayName string `json:"display_name"`
	Unit        string `json:"unit,omitempty"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// MetricValue is a timestamped value resolved from a capability key.
type MetricValue struct {
	Key       string            `json:"key"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MonitorStatus is one entry of a status-capable backend's monitor list.
type MonitorStatus struct {
	Name string `json:"name"`
	Up   bool   `json:"up"`
}

// Condition styles for metric definitions and rules.
const (
	ConditionThreshold    = "threshold"
	ConditionStatusChange = "status_change"
	ConditionPresence     = "presence"
)

// MetricDefinition is a catalog row for rule authoring, synced
// idempotently from driver capabilities.
type MetricDefinition struct {
	Key             string          `json:"key"`
	DisplayName     string          `json:"display_name"`
	IntegrationType IntegrationType `json:"integration_type"`
	Operators       []string        `json:"operators"`
	Unit            string          `json:"unit,omitempty"`
	Category        string          `json:"category"`
	ConditionStyle  string          `json:"condition_style"`
}

// Rule target scopes.
const (
	ScopeAll         = "all"
	ScopeCard        = "card"
	ScopeIntegration = "integration"
)

// Severity levels, ordered by SeverityRank.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SeverityRank orders severities for digest synthesis (critical highest).
func SeverityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// NotificationRule is a user-defined alerting rule.
type NotificationRule struct {
	ID            int64         `json:"id"`
	WebhookID     int64         `json:"webhook_id"`
	Name          string        `json:"name"`
	ConditionType string        `json:"condition_type"` // threshold | status_change | presence
	MetricKey     string        `json:"metric_key,omitempty"`
	Operator      string        `json:"operator,omitempty"` // gt | lt | gte | lte | eq
	Threshold     float64       `json:"threshold,omitempty"`
	FromStatus    *string       `json:"from_status,omitempty"` // nil = wildcard
	ToStatus      *string       `json:"to_status,omitempty"`   // nil = wildcard
	TargetScope   string        `json:"target_scope"`          // all | card | integration
	TargetID      *int64        `json:"target_id,omitempty"`
	Severity      string        `json:"severity"`
	Cooldown      time.Duration `json:"cooldown"`
	TemplateID    *int64        `json:"template_id,omitempty"`
	Active        bool          `json:"active"`
}

// MatchesIntegration reports whether a rule's scope covers an integration.
func (r *NotificationRule) MatchesIntegration(integrationID int64) bool {
	if r.TargetScope == ScopeAll {
		return true
	}
	return r.TargetScope == ScopeIntegration && r.TargetID != nil && *r.TargetID == integrationID
}

// MatchesCard reports whether a rule's scope covers a card.
func (r *NotificationRule) MatchesCard(cardID int64) bool {
	if r.TargetScope == ScopeAll {
		return true
	}
	return r.TargetScope == ScopeCard && r.TargetID != nil && *r.TargetID == cardID
}

// Webhook provider types. Closed set; extended only by adding a provider
// implementation in internal/notify.
const (
	ProviderDiscord  = "discord"
	ProviderTelegram = "telegram"
	ProviderGotify   = "gotify"
)

// WebhookConfig is a configured notification destination. Endpoint holds
// the encrypted secret/URL blob.
type WebhookConfig struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Endpoint string `json:"-"`
	Active   bool   `json:"active"`
}

// NotificationTemplate renders the final title/message. Exactly one
// template may be flagged default at a time.
type NotificationTemplate struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Default bool   `json:"default"`
	Active  bool   `json:"active"`
}

// History statuses for notification dispatch attempts.
const (
	HistorySent     = "sent"
	HistoryFailed   = "failed"
	HistoryRetrying = "retrying"
)

// HistoryEntry is an append-only audit row per attempted send.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	RuleID    int64     `json:"rule_id"`
	WebhookID int64     `json:"webhook_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is the payload handed from rule evaluation to the
// dispatch pipeline.
type Notification struct {
	RuleID    int64             `json:"rule_id"`
	AlertType string            `json:"alert_type"`
	Severity  string            `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StatusChange describes one card's status transition within a poll cycle.
type StatusChange struct {
	CardID   int64  `json:"card_id"`
	CardName string `json:"card_name"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Event names pushed to live subscribers.
const (
	EventStatusSnapshot = "status_snapshot"
	EventStatusChanged  = "status_changed"
)
