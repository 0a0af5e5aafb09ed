package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Dispatcher executes service actions against the live session of the
// target patient. It implements the dispatch surface the trigger
// multiplexer fans out to.
type Dispatcher struct {
	directory *Directory
	now       func() time.Time
}

// NewDispatcher creates an action dispatcher over the session directory.
func NewDispatcher(directory *Directory, opts ...Option) *Dispatcher {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{directory: directory, now: cfg.Now}
}

// Run executes one action on the patient's live session. A patient without
// a live session drops the action quietly; the device is offline and there
// is nothing to speak to.
func (d *Dispatcher) Run(ctx context.Context, action models.Action, patientID string, isEnd bool) error {
	s := d.directory.Get(patientID)
	if s == nil {
		slog.Debug("Action dropped, no live session", "patient_id", patientID, "action", action.Type)
		return nil
	}

	switch action.Type {
	case models.ActionSayMessage:
		// A range ending has nothing to announce for a plain message.
		if isEnd {
			return nil
		}
		s.Say(ctx, action.Payload.Message)
	case models.ActionSayTime:
		if isEnd {
			return nil
		}
		s.Say(ctx, "It is "+d.now().Format("15:04"))
	case models.ActionSayDate:
		if isEnd {
			return nil
		}
		s.Say(ctx, "Today is "+d.now().Format("Monday, January 2"))
	case models.ActionSayZoneChanged:
		if isEnd {
			return nil
		}
		s.Say(ctx, "You have entered a different area")
	case models.ActionLockNeutral:
		// The range start locks spoken output, the range end unlocks it.
		s.SetLocked(!isEnd)
	default:
		return fmt.Errorf("action %s: %w", action.Type, models.ErrUnknownActionType)
	}
	return nil
}
