package alert

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RoyalKiwi/beacon/internal/model"
)

// digestMaxSummaries caps how many batched alerts are listed in a
// digest message before the "and N more" tail.
const digestMaxSummaries = 10

// DispatchFunc delivers one notification for a rule. The aggregator
// calls it from its flush timer goroutine.
type DispatchFunc func(rule *model.NotificationRule, n model.Notification)

type batch struct {
	rule          *model.NotificationRule
	notifications []model.Notification
	timer         *time.Timer
}

// Aggregator batches near-simultaneous alerts for the same rule into a
// single digest. The first alert for a rule opens a window; alerts for
// that rule arriving before the window closes join the batch instead of
// dispatching individually.
type Aggregator struct {
	mu       sync.Mutex
	window   time.Duration
	batches  map[int64]*batch
	dispatch DispatchFunc
}

func NewAggregator(window time.Duration, dispatch DispatchFunc) *Aggregator {
	return &Aggregator{
		window:   window,
		batches:  make(map[int64]*batch),
		dispatch: dispatch,
	}
}

// Add buffers a notification for its rule, opening a new window if none
// is active.
func (a *Aggregator) Add(rule *model.NotificationRule, n model.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.batches[rule.ID]; ok {
		b.notifications = append(b.notifications, n)
		return
	}

	ruleID := rule.ID
	b := &batch{rule: rule, notifications: []model.Notification{n}}
	b.timer = time.AfterFunc(a.window, func() { a.flush(ruleID) })
	a.batches[ruleID] = b
}

// flush closes a rule's window and dispatches its batch. A single
// buffered alert passes through unmodified; multiple alerts collapse
// into one digest.
func (a *Aggregator) flush(ruleID int64) {
	a.mu.Lock()
	b, ok := a.batches[ruleID]
	if ok {
		delete(a.batches, ruleID)
	}
	a.mu.Unlock()

	if !ok || len(b.notifications) == 0 {
		return
	}

	if len(b.notifications) == 1 {
		a.dispatch(b.rule, b.notifications[0])
		return
	}
	a.dispatch(b.rule, digest(b.notifications))
}

// FlushAll drains every open batch through the normal dispatch path.
// Used on shutdown so buffered alerts are not lost.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	ids := make([]int64, 0, len(a.batches))
	for id, b := range a.batches {
		b.timer.Stop()
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.flush(id)
	}
}

// digest synthesizes one notification from a batch: count in the title,
// maximum severity, and up to digestMaxSummaries alert titles in the
// message.
func digest(batch []model.Notification) model.Notification {
	first := batch[0]

	severity := first.Severity
	for _, n := range batch[1:] {
		if model.SeverityRank(n.Severity) > model.SeverityRank(severity) {
			severity = n.Severity
		}
	}

	limit := len(batch)
	if limit > digestMaxSummaries {
		limit = digestMaxSummaries
	}
	lines := make([]string, 0, limit+1)
	for _, n := range batch[:limit] {
		lines = append(lines, "- "+n.Title)
	}
	if len(batch) > digestMaxSummaries {
		lines = append(lines, fmt.Sprintf("and %d more", len(batch)-digestMaxSummaries))
	}

	return model.Notification{
		RuleID:    first.RuleID,
		AlertType: first.AlertType,
		Severity:  severity,
		Title:     fmt.Sprintf("%s (%d alerts)", first.Title, len(batch)),
		Message:   strings.Join(lines, "\n"),
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"alertCount": strconv.Itoa(len(batch)),
		},
	}
}
