package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error adding invalid cron expression")
	}
}

type fakePruner struct {
	zoneCutoff  int64
	notifCutoff int64
	err         error
}

func (p *fakePruner) PruneZoneEvents(_ context.Context, before int64) (int64, error) {
	p.zoneCutoff = before
	return 3, p.err
}

func (p *fakePruner) PruneNotifications(_ context.Context, before int64) (int64, error) {
	p.notifCutoff = before
	return 1, p.err
}

func TestRetentionSweep(t *testing.T) {
	pruner := &fakePruner{}
	sweeper := NewRetentionSweeper(pruner, 24*time.Hour)
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	wantCutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	if diff := pruner.zoneCutoff - wantCutoff; diff < -1000 || diff > 1000 {
		t.Errorf("zone event cutoff = %d, want about %d", pruner.zoneCutoff, wantCutoff)
	}
	if pruner.notifCutoff != pruner.zoneCutoff {
		t.Errorf("notification cutoff %d differs from zone cutoff %d", pruner.notifCutoff, pruner.zoneCutoff)
	}
}

func TestRetentionSweepPropagatesErrors(t *testing.T) {
	pruner := &fakePruner{err: errors.New("db down")}
	sweeper := NewRetentionSweeper(pruner, 0)
	if err := sweeper.Sweep(context.Background()); err == nil {
		t.Error("Sweep() should propagate prune errors")
	}
}

func TestRetentionDefault(t *testing.T) {
	sweeper := NewRetentionSweeper(&fakePruner{}, 0)
	if sweeper.retention != DefaultRetention {
		t.Errorf("retention = %v, want %v", sweeper.retention, DefaultRetention)
	}
}
