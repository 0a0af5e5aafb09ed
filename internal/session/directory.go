// Package session implements the realtime device session layer of
// CarePipe: the per-patient session state machine, the live session
// directory and the voice pairing flow.
package session

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Directory tracks the single live session per patient. Registering a new
// session for a patient force-closes the old one before the new one
// becomes visible, so there is never a window with two live sessions.
type Directory struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{sessions: make(map[string]*Session)}
}

// Register installs s as the live session for its patient. Any previous
// session receives a fatal BAD_LOGIN and is closed first; Close is
// synchronous and idempotent, so the old session is fully torn down before
// the new one is registered.
func (d *Directory) Register(s *Session) {
	patientID := s.PatientID()
	for {
		d.mu.Lock()
		old, exists := d.sessions[patientID]
		if !exists || old == s {
			d.sessions[patientID] = s
			d.mu.Unlock()
			slog.Debug("Directory registered session", "patient_id", patientID)
			return
		}
		delete(d.sessions, patientID)
		d.mu.Unlock()

		slog.Warn("Directory preempting previous session", "patient_id", patientID)
		old.Fatal(models.ErrCodeBadLogin)
	}
}

// Deregister removes s if it is still the registered session. A session
// that was already preempted leaves its successor untouched.
func (d *Directory) Deregister(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[s.PatientID()] == s {
		delete(d.sessions, s.PatientID())
		slog.Debug("Directory deregistered session", "patient_id", s.PatientID())
	}
}

// Get returns the live session for a patient, or nil.
func (d *Directory) Get(patientID string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[patientID]
}
