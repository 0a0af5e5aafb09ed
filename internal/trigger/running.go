// Package trigger implements the automation core of CarePipe: self-arming
// scheduled triggers and the per-class trigger multiplexers that map
// patient-scoped services onto action dispatches.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ActionDispatch runs the action configured on a service. Implementations
// live outside this package (speech, notifications). isEnd distinguishes a
// time-range's closing fire from its opening fire; actions that ignore
// ranges no-op on isEnd=true.
type ActionDispatch interface {
	Run(ctx context.Context, action models.Action, patientID string, isEnd bool) error
}

// RunningService is the armed in-memory counterpart of a service with a
// self-scheduling trigger. It owns timer resources and exposes nothing but
// Release, which must be called exactly once when the service is deleted or
// its patient unloads.
type RunningService interface {
	// Release cancels the underlying timers synchronously. For time-range
	// triggers, it first fires the end action if the range is currently
	// open, so downstream state is never left dangling.
	Release()
}

// runnerOpts holds configuration for running services.
type runnerOpts struct {
	now func() time.Time
}

// RunnerOption configures running service construction.
type RunnerOption func(*runnerOpts)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(o *runnerOpts) {
		o.now = now
	}
}

// NewRunning arms the scheduled trigger of a service and returns its
// handle. Services whose trigger class has nothing to run (intent,
// zone-type) yield a nil handle and no error.
func NewRunning(svc *models.Service, dispatch ActionDispatch, opts ...RunnerOption) (RunningService, error) {
	cfg := runnerOpts{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch svc.Trigger.Class {
	case models.TriggerPeriodic:
		if svc.Trigger.Payload.Time == nil {
			return nil, models.ErrMissingTriggerSchedule
		}
		return newPeriodicService(svc, dispatch, cfg.now), nil
	case models.TriggerTimeRange:
		if svc.Trigger.Payload.Start == nil || svc.Trigger.Payload.End == nil {
			return nil, models.ErrMissingTriggerSchedule
		}
		return newTimeRangeService(svc, dispatch, cfg.now), nil
	default:
		return nil, nil
	}
}

// dispatchAction fires an action without blocking the caller. Failures are
// only logged; trigger processing never waits on action completion.
func dispatchAction(dispatch ActionDispatch, svc *models.Service, isEnd bool) {
	go func() {
		if err := dispatch.Run(context.Background(), svc.Action, svc.PatientID, isEnd); err != nil {
			slog.Error("Action dispatch failed",
				"service_id", svc.ID, "patient_id", svc.PatientID,
				"action", svc.Action.Type, "is_end", isEnd, "error", err)
		}
	}()
}

// occurrenceOn returns the instant of hh:mm on the same day as base.
func occurrenceOn(base time.Time, tod models.TimeOfDay) time.Time {
	return time.Date(base.Year(), base.Month(), base.Day(), tod.Hour, tod.Minute, 0, 0, base.Location())
}

// nextOccurrence returns the next instant of hh:mm at or after now, rolled
// forward across midnight if today's occurrence has already passed.
func nextOccurrence(now time.Time, tod models.TimeOfDay) time.Time {
	next := occurrenceOn(now, tod)
	for now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// periodicTimer fires a callback at every daily occurrence of a time of
// day, re-arming itself after each fire. The callback receives the
// scheduled fire instant so day-of-week masks are evaluated against the
// fired instant, not the arming instant.
type periodicTimer struct {
	tod      models.TimeOfDay
	now      func() time.Time
	callback func(firedAt time.Time)

	mu       sync.Mutex
	timer    *time.Timer
	released bool
}

func startPeriodicTimer(tod models.TimeOfDay, now func() time.Time, callback func(firedAt time.Time)) *periodicTimer {
	p := &periodicTimer{tod: tod, now: now, callback: callback}
	p.mu.Lock()
	p.armLocked(now())
	p.mu.Unlock()
	return p
}

// armLocked schedules the next fire. Caller holds p.mu.
func (p *periodicTimer) armLocked(base time.Time) {
	next := nextOccurrence(base, p.tod)
	delay := next.Sub(p.now())
	if delay < 0 {
		delay = 0
	}
	p.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.released {
			p.mu.Unlock()
			return
		}
		// Re-arm from just past this occurrence, so a marginally early
		// timer fire cannot schedule the same occurrence twice.
		p.armLocked(next.Add(time.Second))
		p.mu.Unlock()
		p.callback(next)
	})
}

// release cancels the timer. No fires happen after release returns.
func (p *periodicTimer) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// periodicService fires its action daily at the configured time of day,
// filtered by the activation-day mask.
type periodicService struct {
	timer *periodicTimer
}

func newPeriodicService(svc *models.Service, dispatch ActionDispatch, now func() time.Time) *periodicService {
	payload := svc.Trigger.Payload
	timer := startPeriodicTimer(*payload.Time, now, func(firedAt time.Time) {
		if payload.Days().Matches(firedAt) {
			dispatchAction(dispatch, svc, false)
		} else {
			slog.Debug("Periodic service skipped by activation mask",
				"service_id", svc.ID, "fired_at", firedAt)
		}
	})
	slog.Debug("Periodic service armed", "service_id", svc.ID,
		"hour", payload.Time.Hour, "minute", payload.Time.Minute)
	return &periodicService{timer: timer}
}

func (s *periodicService) Release() {
	s.timer.release()
}

// timeRangeService brackets a daily window with a start fire and an end
// fire. The end action fires exactly once per entered range: either at the
// natural end instant or on Release while the range is open, whichever
// comes first.
type timeRangeService struct {
	svc      *models.Service
	dispatch ActionDispatch

	mu       sync.Mutex
	entered  bool
	released bool
	start    *periodicTimer
	end      *periodicTimer
}

func newTimeRangeService(svc *models.Service, dispatch ActionDispatch, now func() time.Time) *timeRangeService {
	payload := svc.Trigger.Payload
	s := &timeRangeService{svc: svc, dispatch: dispatch}

	// Catch-up: when constructed strictly inside today's window on an
	// active day, the start fire is owed immediately.
	current := now()
	startToday := occurrenceOn(current, *payload.Start)
	endOfRange := nextOccurrence(startToday, *payload.End)
	if startToday.Before(current) && current.Before(endOfRange) && payload.Days().Matches(current) {
		s.entered = true
		dispatchAction(dispatch, svc, false)
		slog.Debug("Time-range service caught up mid-window", "service_id", svc.ID)
	}

	s.start = startPeriodicTimer(*payload.Start, now, func(firedAt time.Time) {
		active := payload.Days().Matches(firedAt)
		s.mu.Lock()
		s.entered = active
		s.mu.Unlock()
		if active {
			dispatchAction(dispatch, svc, false)
		}
	})
	s.end = startPeriodicTimer(*payload.End, now, func(time.Time) {
		s.fireEndIfOpen()
	})
	slog.Debug("Time-range service armed", "service_id", svc.ID,
		"start_hour", payload.Start.Hour, "end_hour", payload.End.Hour)
	return s
}

// fireEndIfOpen closes the current range bracket at most once.
func (s *timeRangeService) fireEndIfOpen() {
	s.mu.Lock()
	open := s.entered
	s.entered = false
	s.mu.Unlock()
	if open {
		dispatchAction(s.dispatch, s.svc, true)
	}
}

func (s *timeRangeService) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	s.fireEndIfOpen()
	s.end.release()
	s.start.release()
}
