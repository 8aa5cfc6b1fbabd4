package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoyalKiwi/beacon/internal/store"
)

// SettingsStore persists the serialized cooldown map.
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Cooldown suppresses repeat alerts per rule. The last-fired map is
// persisted as one serialized blob after every record so active
// cooldowns survive a process restart.
type Cooldown struct {
	mu        sync.Mutex
	settings  SettingsStore
	lastFired map[int64]time.Time
	now       func() time.Time
}

func NewCooldown(settings SettingsStore) *Cooldown {
	c := &Cooldown{
		settings:  settings,
		lastFired: make(map[int64]time.Time),
		now:       time.Now,
	}
	c.load()
	return c
}

func (c *Cooldown) load() {
	blob, err := c.settings.GetSetting(store.SettingCooldownState)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("loading cooldown state failed, starting empty", "error", err)
		return
	}
	if err := json.Unmarshal([]byte(blob), &c.lastFired); err != nil {
		slog.Warn("cooldown state blob is malformed, starting empty", "error", err)
		c.lastFired = make(map[int64]time.Time)
	}
}

// CanSend reports whether a rule is outside its cooldown window. A rule
// with no prior record can always send.
func (c *Cooldown) CanSend(ruleID int64, cooldown time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.lastFired[ruleID]
	if !ok {
		return true
	}
	return c.now().Sub(last) >= cooldown
}

// Record marks a rule as having just fired and persists the map
// immediately.
func (c *Cooldown) Record(ruleID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastFired[ruleID] = c.now()

	blob, err := json.Marshal(c.lastFired)
	if err != nil {
		return fmt.Errorf("marshaling cooldown state: %w", err)
	}
	if err := c.settings.SetSetting(store.SettingCooldownState, string(blob)); err != nil {
		return fmt.Errorf("persisting cooldown state: %w", err)
	}
	return nil
}
