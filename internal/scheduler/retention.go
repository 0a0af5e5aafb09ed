package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner is the slice of the store the retention sweep needs.
type Pruner interface {
	PruneZoneEvents(ctx context.Context, before int64) (int64, error)
	PruneNotifications(ctx context.Context, before int64) (int64, error)
}

// DefaultRetention is how long zone events and notifications are kept.
const DefaultRetention = 90 * 24 * time.Hour

// RetentionSweeper deletes zone events and notifications older than the
// retention window.
type RetentionSweeper struct {
	store     Pruner
	retention time.Duration
}

// NewRetentionSweeper builds a sweeper over the given store. A non-positive
// retention falls back to DefaultRetention.
func NewRetentionSweeper(store Pruner, retention time.Duration) *RetentionSweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RetentionSweeper{store: store, retention: retention}
}

// Schedule registers the nightly sweep on the scheduler.
func (r *RetentionSweeper) Schedule(s *Scheduler) error {
	return s.AddJob("30 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.Sweep(ctx); err != nil {
			slog.Error("Retention sweep failed", "error", err)
		}
	})
}

// Sweep runs one retention pass.
func (r *RetentionSweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.retention).UnixMilli()
	events, err := r.store.PruneZoneEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune zone events: %w", err)
	}
	notifications, err := r.store.PruneNotifications(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune notifications: %w", err)
	}
	slog.Info("Retention sweep completed", "cutoff", cutoff,
		"zone_events", events, "notifications", notifications)
	return nil
}
