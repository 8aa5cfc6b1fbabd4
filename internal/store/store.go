// Package store provides SQLite persistence for Beacon.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by keyed lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database for Beacon data persistence.
type Store struct {
	db *sql.DB
}

// New opens or creates a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", dbPath, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- integrations ---

const integrationCols = "id, name, type, credentials, poll_interval, active, last_poll, last_outcome"

func scanIntegration(row interface{ Scan(...any) error }) (*model.Integration, error) {
	var in model.Integration
	var intervalSecs int64
	var active int
	var lastPoll sql.NullInt64
	var lastOutcome sql.NullString
	if err := row.Scan(&in.ID, &in.Name, &in.Type, &in.Credentials, &intervalSecs, &active, &lastPoll, &lastOutcome); err != nil {
		return nil, err
	}
	in.PollInterval = time.Duration(intervalSecs) * time.Second
	in.Active = active != 0
	if lastPoll.Valid {
		t := time.Unix(lastPoll.Int64, 0)
		in.LastPoll = &t
	}
	in.LastOutcome = lastOutcome.String
	return &in, nil
}

// GetIntegration returns one integration by id.
func (s *Store) GetIntegration(id int64) (*model.Integration, error) {
	row := s.db.QueryRow("SELECT "+integrationCols+" FROM integrations WHERE id = ?", id)
	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("integration %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying integration %d: %w", id, err)
	}
	return in, nil
}

// ListIntegrations returns integrations, optionally only active ones.
func (s *Store) ListIntegrations(activeOnly bool) ([]*model.Integration, error) {
	query := "SELECT " + integrationCols + " FROM integrations ORDER BY id"
	if activeOnly {
		query = "SELECT " + integrationCols + " FROM integrations WHERE active = 1 ORDER BY id"
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", err)
	}
	defer rows.Close()

	var out []*model.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// InsertIntegration creates an integration and returns its id. Admin
// surfaces own creation; pollers never call this.
func (s *Store) InsertIntegration(in *model.Integration) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO integrations (name, type, credentials, poll_interval, active)
		VALUES (?, ?, ?, ?, ?)`,
		in.Name, in.Type, in.Credentials, int64(in.PollInterval.Seconds()), boolToInt(in.Active),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting integration %s: %w", in.Name, err)
	}
	return res.LastInsertId()
}

// UpdateIntegrationPollStatus records the outcome of a poll cycle.
func (s *Store) UpdateIntegrationPollStatus(id int64, polledAt time.Time, outcome string) error {
	_, err := s.db.Exec(
		"UPDATE integrations SET last_poll = ?, last_outcome = ? WHERE id = ?",
		polledAt.Unix(), outcome, id,
	)
	if err != nil {
		return fmt.Errorf("updating poll status for integration %d: %w", id, err)
	}
	return nil
}

// DeleteIntegration removes an integration. Cards referencing it fall back
// to the global status source via ON DELETE SET NULL.
func (s *Store) DeleteIntegration(id int64) error {
	if _, err := s.db.Exec("DELETE FROM integrations WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting integration %d: %w", id, err)
	}
	return nil
}

// --- cards ---

const cardCols = "id, name, integration_id, monitor_name, show_status, status"

func scanCard(row interface{ Scan(...any) error }) (*model.Card, error) {
	var c model.Card
	var integrationID sql.NullInt64
	var show int
	if err := row.Scan(&c.ID, &c.Name, &integrationID, &c.MonitorName, &show, &c.Status); err != nil {
		return nil, err
	}
	if integrationID.Valid {
		c.IntegrationID = &integrationID.Int64
	}
	c.ShowStatus = show != 0
	return &c, nil
}

// GetCard returns one card by id.
func (s *Store) GetCard(id int64) (*model.Card, error) {
	row := s.db.QueryRow("SELECT "+cardCols+" FROM cards WHERE id = ?", id)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying card %d: %w", id, err)
	}
	return c, nil
}

// ListStatusCards returns all cards with status display enabled.
func (s *Store) ListStatusCards() ([]*model.Card, error) {
	rows, err := s.db.Query("SELECT " + cardCols + " FROM cards WHERE show_status = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying status cards: %w", err)
	}
	defer rows.Close()

	var out []*model.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCard creates a card and returns its id.
func (s *Store) InsertCard(c *model.Card) (int64, error) {
	var integrationID any
	if c.IntegrationID != nil {
		integrationID = *c.IntegrationID
	}
	res, err := s.db.Exec(`
		INSERT INTO cards (name, integration_id, monitor_name, show_status, status)
		VALUES (?, ?, ?, ?, ?)`,
		c.Name, integrationID, c.MonitorName, boolToInt(c.ShowStatus), c.Status,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting card %s: %w", c.Name, err)
	}
	return res.LastInsertId()
}

// UpdateCardStatus updates the cached status field of a card.
func (s *Store) UpdateCardStatus(id int64, status string) error {
	if _, err := s.db.Exec("UPDATE cards SET status = ? WHERE id = ?", status, id); err != nil {
		return fmt.Errorf("updating card %d status: %w", id, err)
	}
	return nil
}

// CardBinding pairs a card with its monitor binding for batch saves.
type CardBinding struct {
	CardID        int64
	IntegrationID *int64
	MonitorName   string
	ShowStatus    bool
}

// SaveCardBindings updates many card-to-monitor bindings in one
// transaction, so a partially applied mapping edit is never visible.
func (s *Store) SaveCardBindings(bindings []CardBinding) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting binding transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE cards SET integration_id = ?, monitor_name = ?, show_status = ? WHERE id = ?")
	if err != nil {
		return fmt.Errorf("preparing binding update: %w", err)
	}
	defer stmt.Close()

	for _, b := range bindings {
		var integrationID any
		if b.IntegrationID != nil {
			integrationID = *b.IntegrationID
		}
		if _, err := stmt.Exec(integrationID, b.MonitorName, boolToInt(b.ShowStatus), b.CardID); err != nil {
			return fmt.Errorf("updating binding for card %d: %w", b.CardID, err)
		}
	}
	return tx.Commit()
}

// --- metric definitions ---

// UpsertMetricDefinition inserts or updates a catalog row. Pollers only
// upsert; catalog rows are never deleted by a poll cycle.
func (s *Store) UpsertMetricDefinition(d *model.MetricDefinition) error {
	_, err := s.db.Exec(`
		INSERT INTO metric_definitions (key, display_name, integration_type, operators, unit, category, condition_style)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			display_name = excluded.display_name,
			integration_type = excluded.integration_type,
			operators = excluded.operators,
			unit = excluded.unit,
			category = excluded.category,
			condition_style = excluded.condition_style`,
		d.Key, d.DisplayName, d.IntegrationType, strings.Join(d.Operators, ","),
		d.Unit, d.Category, d.ConditionStyle,
	)
	if err != nil {
		return fmt.Errorf("upserting metric definition %s: %w", d.Key, err)
	}
	return nil
}

// GetMetricDefinition returns one catalog row by key.
func (s *Store) GetMetricDefinition(key string) (*model.MetricDefinition, error) {
	row := s.db.QueryRow(
		"SELECT key, display_name, integration_type, operators, unit, category, condition_style FROM metric_definitions WHERE key = ?",
		key,
	)
	d, err := scanMetricDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metric definition %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying metric definition %s: %w", key, err)
	}
	return d, nil
}

// ListMetricDefinitions returns the full catalog.
func (s *Store) ListMetricDefinitions() ([]*model.MetricDefinition, error) {
	rows, err := s.db.Query("SELECT key, display_name, integration_type, operators, unit, category, condition_style FROM metric_definitions ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying metric definitions: %w", err)
	}
	defer rows.Close()

	var out []*model.MetricDefinition
	for rows.Next() {
		d, err := scanMetricDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning metric definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanMetricDefinition(row interface{ Scan(...any) error }) (*model.MetricDefinition, error) {
	var d model.MetricDefinition
	var ops string
	var unit sql.NullString
	if err := row.Scan(&d.Key, &d.DisplayName, &d.IntegrationType, &ops, &unit, &d.Category, &d.ConditionStyle); err != nil {
		return nil, err
	}
	if ops != "" {
		d.Operators = strings.Split(ops, ",")
	}
	d.Unit = unit.String
	return &d, nil
}

// --- notification rules ---

const ruleCols = "id, webhook_id, name, condition_type, metric_key, operator, threshold, from_status, to_status, target_scope, target_id, severity, cooldown_mins, template_id, active"

func scanRule(row interface{ Scan(...any) error }) (*model.NotificationRule, error) {
	var r model.NotificationRule
	var metricKey, operator, fromStatus, toStatus sql.NullString
	var threshold sql.NullFloat64
	var targetID, templateID sql.NullInt64
	var cooldownMins int64
	var active int
	err := row.Scan(&r.ID, &r.WebhookID, &r.Name, &r.ConditionType, &metricKey, &operator,
		&threshold, &fromStatus, &toStatus, &r.TargetScope, &targetID, &r.Severity,
		&cooldownMins, &templateID, &active)
	if err != nil {
		return nil, err
	}
	r.MetricKey = metricKey.String
	r.Operator = operator.String
	r.Threshold = threshold.Float64
	if fromStatus.Valid {
		r.FromStatus = &fromStatus.String
	}
	if toStatus.Valid {
		r.ToStatus = &toStatus.String
	}
	if targetID.Valid {
		r.TargetID = &targetID.Int64
	}
	if templateID.Valid {
		r.TemplateID = &templateID.Int64
	}
	r.Cooldown = time.Duration(cooldownMins) * time.Minute
	r.Active = active != 0
	return &r, nil
}

// GetRule returns one rule by id.
func (s *Store) GetRule(id int64) (*model.NotificationRule, error) {
	row := s.db.QueryRow("SELECT "+ruleCols+" FROM notification_rules WHERE id = ?", id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying rule %d: %w", id, err)
	}
	return r, nil
}

// ListActiveRules returns active rules of the given condition type; an
// empty conditionType returns all active rules.
func (s *Store) ListActiveRules(conditionType string) ([]*model.NotificationRule, error) {
	query := "SELECT " + ruleCols + " FROM notification_rules WHERE active = 1"
	args := []any{}
	if conditionType != "" {
		query += " AND condition_type = ?"
		args = append(args, conditionType)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying active rules: %w", err)
	}
	defer rows.Close()

	var out []*model.NotificationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRule creates a rule and returns its id.
func (s *Store) InsertRule(r *model.NotificationRule) (int64, error) {
	var fromStatus, toStatus any
	if r.FromStatus != nil {
		fromStatus = *r.FromStatus
	}
	if r.ToStatus != nil {
		toStatus = *r.ToStatus
	}
	var targetID, templateID any
	if r.TargetID != nil {
		targetID = *r.TargetID
	}
	if r.TemplateID != nil {
		templateID = *r.TemplateID
	}
	res, err := s.db.Exec(`
		INSERT INTO notification_rules
		(webhook_id, name, condition_type, metric_key, operator, threshold, from_status, to_status,
		 target_scope, target_id, severity, cooldown_mins, template_id, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.WebhookID, r.Name, r.ConditionType, r.MetricKey, r.Operator, r.Threshold,
		fromStatus, toStatus, r.TargetScope, targetID, r.Severity,
		int64(r.Cooldown.Minutes()), templateID, boolToInt(r.Active),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting rule %s: %w", r.Name, err)
	}
	return res.LastInsertId()
}

// --- webhooks ---

// GetWebhook returns one webhook config by id.
func (s *Store) GetWebhook(id int64) (*model.WebhookConfig, error) {
	row := s.db.QueryRow("SELECT id, name, provider, endpoint, active FROM webhooks WHERE id = ?", id)
	var w model.WebhookConfig
	var active int
	err := row.Scan(&w.ID, &w.Name, &w.Provider, &w.Endpoint, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying webhook %d: %w", id, err)
	}
	w.Active = active != 0
	return &w, nil
}

// InsertWebhook creates a webhook config and returns its id.
func (s *Store) InsertWebhook(w *model.WebhookConfig) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO webhooks (name, provider, endpoint, active) VALUES (?, ?, ?, ?)",
		w.Name, w.Provider, w.Endpoint, boolToInt(w.Active),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting webhook %s: %w", w.Name, err)
	}
	return res.LastInsertId()
}

// --- templates ---

func scanTemplate(row interface{ Scan(...any) error }) (*model.NotificationTemplate, error) {
	var t model.NotificationTemplate
	var isDefault, active int
	if err := row.Scan(&t.ID, &t.Name, &t.Title, &t.Message, &isDefault, &active); err != nil {
		return nil, err
	}
	t.Default = isDefault != 0
	t.Active = active != 0
	return &t, nil
}

// GetTemplate returns one template by id.
func (s *Store) GetTemplate(id int64) (*model.NotificationTemplate, error) {
	row := s.db.QueryRow("SELECT id, name, title, message, is_default, active FROM notification_templates WHERE id = ?", id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying template %d: %w", id, err)
	}
	return t, nil
}

// GetDefaultTemplate returns the active template flagged as default.
func (s *Store) GetDefaultTemplate() (*model.NotificationTemplate, error) {
	row := s.db.QueryRow("SELECT id, name, title, message, is_default, active FROM notification_templates WHERE is_default = 1 AND active = 1 LIMIT 1")
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("default template: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying default template: %w", err)
	}
	return t, nil
}

// InsertTemplate creates a template and returns its id. Flagging a
// template default clears the flag on every other row in the same
// transaction, preserving the at-most-one-default invariant.
func (s *Store) InsertTemplate(t *model.NotificationTemplate) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting template transaction: %w", err)
	}
	defer tx.Rollback()

	if t.Default {
		if _, err := tx.Exec("UPDATE notification_templates SET is_default = 0"); err != nil {
			return 0, fmt.Errorf("clearing default template flag: %w", err)
		}
	}
	res, err := tx.Exec(
		"INSERT INTO notification_templates (name, title, message, is_default, active) VALUES (?, ?, ?, ?, ?)",
		t.Name, t.Title, t.Message, boolToInt(t.Default), boolToInt(t.Active),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting template %s: %w", t.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// --- notification history ---

// InsertHistory appends a dispatch audit row and returns its id. A zero
// CreatedAt is stamped with the current time so a row can never predate
// the retention cutoff at birth.
func (s *Store) InsertHistory(e *model.HistoryEntry) (int64, error) {
	ts := e.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.Exec(
		"INSERT INTO notification_history (rule_id, webhook_id, status, attempts, error, ts) VALUES (?, ?, ?, ?, ?, ?)",
		e.RuleID, e.WebhookID, e.Status, e.Attempts, e.Error, ts.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting history row: %w", err)
	}
	return res.LastInsertId()
}

// ListHistory returns the most recent audit rows, newest first.
func (s *Store) ListHistory(limit int) ([]*model.HistoryEntry, error) {
	rows, err := s.db.Query(
		"SELECT id, rule_id, webhook_id, status, attempts, COALESCE(error, ''), ts FROM notification_history ORDER BY ts DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []*model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.RuleID, &e.WebhookID, &e.Status, &e.Attempts, &e.Error, &ts); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.CreatedAt = time.Unix(ts, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- settings ---

// GetSetting returns a setting value, or "" with ErrNotFound if unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// StatusSourceID returns the configured global status source integration
// id, or 0 if none is set.
func (s *Store) StatusSourceID() (int64, error) {
	v, err := s.GetSetting(SettingStatusSource)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing status source id %q: %w", v, err)
	}
	return id, nil
}

// MaintenanceMode reports whether alert dispatch is suppressed.
func (s *Store) MaintenanceMode() bool {
	v, err := s.GetSetting(SettingMaintenanceMode)
	if err != nil {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
