package store

import (
	"context"
	"log/slog"
	"time"
)

// Pruner periodically removes aged-out notification history rows.
type Pruner struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
}

// NewPruner creates a pruner with the given history retention.
func NewPruner(store *Store, retention time.Duration) *Pruner {
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  1 * time.Hour,
	}
}

// Run starts the pruner loop. It blocks until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	slog.Info("pruner started", "interval", p.interval, "retention", p.retention)

	// Run once at startup
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pruner stopped")
			return ctx.Err()
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *Pruner) prune() {
	cutoff := time.Now().Add(-p.retention).Unix()
	result, err := p.store.db.Exec("DELETE FROM notification_history WHERE ts < ?", cutoff)
	if err != nil {
		slog.Error("pruning notification history", "error", err)
		return
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		slog.Info("pruned notification history", "rows", rows)
	}
}
