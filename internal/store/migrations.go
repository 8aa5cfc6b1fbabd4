package store

const schema = `
-- Configured monitored backends
CREATE TABLE IF NOT EXISTS integrations (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    name          TEXT    NOT NULL,
    type          TEXT    NOT NULL,
    credentials   TEXT    NOT NULL,
    poll_interval INTEGER NOT NULL DEFAULT 30,  -- seconds
    active        INTEGER NOT NULL DEFAULT 1,
    last_poll     INTEGER,                      -- unix epoch
    last_outcome  TEXT
);

-- Dashboard cards, optionally bound to a monitor
CREATE TABLE IF NOT EXISTS cards (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    name           TEXT    NOT NULL,
    integration_id INTEGER REFERENCES integrations(id) ON DELETE SET NULL,
    monitor_name   TEXT    NOT NULL DEFAULT '',
    show_status    INTEGER NOT NULL DEFAULT 0,
    status         TEXT    NOT NULL DEFAULT ''
);

-- Metric catalog for rule authoring, synced from driver capabilities
CREATE TABLE IF NOT EXISTS metric_definitions (
    key              TEXT PRIMARY KEY,
    display_name     TEXT NOT NULL,
    integration_type TEXT NOT NULL,
    operators        TEXT NOT NULL,  -- comma separated
    unit             TEXT,
    category         TEXT NOT NULL,
    condition_style  TEXT NOT NULL
);

-- User-defined alert rules
CREATE TABLE IF NOT EXISTS notification_rules (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    webhook_id     INTEGER NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
    name           TEXT    NOT NULL,
    condition_type TEXT    NOT NULL,
    metric_key     TEXT,
    operator       TEXT,
    threshold      REAL,
    from_status    TEXT,
    to_status      TEXT,
    target_scope   TEXT    NOT NULL DEFAULT 'all',
    target_id      INTEGER,
    severity       TEXT    NOT NULL DEFAULT 'warning',
    cooldown_mins  INTEGER NOT NULL DEFAULT 30,
    template_id    INTEGER REFERENCES notification_templates(id) ON DELETE SET NULL,
    active         INTEGER NOT NULL DEFAULT 1
);

-- Notification destinations
CREATE TABLE IF NOT EXISTS webhooks (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    name     TEXT NOT NULL,
    provider TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    active   INTEGER NOT NULL DEFAULT 1
);

-- Title/message templates; at most one flagged default
CREATE TABLE IF NOT EXISTS notification_templates (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL,
    title      TEXT NOT NULL,
    message    TEXT NOT NULL,
    is_default INTEGER NOT NULL DEFAULT 0,
    active     INTEGER NOT NULL DEFAULT 1
);

-- Append-only dispatch audit log (age-pruned)
CREATE TABLE IF NOT EXISTS notification_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id    INTEGER NOT NULL,
    webhook_id INTEGER NOT NULL,
    status     TEXT    NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    error      TEXT,
    ts         INTEGER NOT NULL
);

-- Key/value settings, including serialized cooldown state
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_active ON notification_rules(active, condition_type);
CREATE INDEX IF NOT EXISTS idx_history_ts ON notification_history(ts);
CREATE INDEX IF NOT EXISTS idx_cards_show ON cards(show_status);
`

// Well-known settings keys.
const (
	SettingStatusSource    = "status.source_integration_id"
	SettingMaintenanceMode = "status.maintenance_mode"
	SettingCooldownState   = "alert.cooldown_state"
)
