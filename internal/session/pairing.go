package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Pairing code cadence while a device waits for a caregiver to pair.
const (
	// DefaultRepeatInterval is how often the waiting code is spoken again.
	DefaultRepeatInterval = 30 * time.Second
	// DefaultRegenInterval is how long a code stays valid before a fresh
	// one replaces it.
	DefaultRegenInterval = 60 * time.Second
)

// PairingStore is the persistence surface the pairing registry needs.
type PairingStore interface {
	SavePatientUser(ctx context.Context, link models.PatientUser) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// PairingOpts holds configuration options for the pairing registry.
type PairingOpts struct {
	RepeatInterval time.Duration
	RegenInterval  time.Duration
}

// PairingOption defines a configuration option for the pairing registry.
type PairingOption func(*PairingOpts)

// WithRepeatInterval overrides how often a waiting code is re-spoken.
func WithRepeatInterval(d time.Duration) PairingOption {
	return func(o *PairingOpts) {
		o.RepeatInterval = d
	}
}

// WithRegenInterval overrides how long a code lives before regeneration.
func WithRegenInterval(d time.Duration) PairingOption {
	return func(o *PairingOpts) {
		o.RegenInterval = d
	}
}

// pairingEntry is one patient device waiting to be paired.
type pairingEntry struct {
	code          string
	session       *Session
	waitingUserID string
	repeatTimer   *time.Timer
	regenTimer    *time.Timer
}

// Pairing is the global registry of active pairing codes. Codes are unique
// across all waiting devices; a collision on generation is retried.
type Pairing struct {
	store  PairingStore
	repeat time.Duration
	regen  time.Duration

	mu        sync.Mutex
	codes     map[string]*pairingEntry
	byPatient map[string]*pairingEntry
}

// NewPairing creates the pairing registry.
func NewPairing(store PairingStore, opts ...PairingOption) *Pairing {
	cfg := PairingOpts{RepeatInterval: DefaultRepeatInterval, RegenInterval: DefaultRegenInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pairing{
		store:     store,
		repeat:    cfg.RepeatInterval,
		regen:     cfg.RegenInterval,
		codes:     make(map[string]*pairingEntry),
		byPatient: make(map[string]*pairingEntry),
	}
}

// Begin puts a device session into the pairing flow and returns the code to
// announce. A session already in the flow gets a fresh code.
func (p *Pairing) Begin(ctx context.Context, s *Session) (string, error) {
	patientID := s.PatientID()
	if patientID == "" {
		return "", models.ErrNotAuthenticated
	}

	p.mu.Lock()
	if old, ok := p.byPatient[patientID]; ok {
		p.teardownLocked(old)
	}
	entry := &pairingEntry{
		code:    p.generateCodeLocked(),
		session: s,
	}
	p.codes[entry.code] = entry
	p.byPatient[patientID] = entry
	p.armLocked(entry)
	p.mu.Unlock()

	slog.Info("Pairing started", "patient_id", patientID)
	return entry.code, nil
}

// generateCodeLocked draws a 6-digit code not currently in use. Callers
// must hold p.mu.
func (p *Pairing) generateCodeLocked() string {
	for {
		code := util.GeneratePairingCode()
		if _, taken := p.codes[code]; !taken {
			return code
		}
	}
}

// armLocked starts the repeat and regeneration timers for an entry.
// Callers must hold p.mu.
func (p *Pairing) armLocked(entry *pairingEntry) {
	entry.repeatTimer = time.AfterFunc(p.repeat, func() {
		p.repeatCode(entry)
	})
	entry.regenTimer = time.AfterFunc(p.regen, func() {
		p.regenCode(entry)
	})
}

// repeatCode speaks the waiting code again and re-arms the repeat timer.
func (p *Pairing) repeatCode(entry *pairingEntry) {
	p.mu.Lock()
	if p.codes[entry.code] != entry || entry.waitingUserID != "" {
		p.mu.Unlock()
		return
	}
	entry.repeatTimer.Reset(p.repeat)
	code := entry.code
	session := entry.session
	p.mu.Unlock()

	session.SayCode(context.Background(), code)
}

// regenCode replaces an expired code with a fresh one and announces it.
func (p *Pairing) regenCode(entry *pairingEntry) {
	p.mu.Lock()
	if p.codes[entry.code] != entry || entry.waitingUserID != "" {
		p.mu.Unlock()
		return
	}
	delete(p.codes, entry.code)
	entry.code = p.generateCodeLocked()
	p.codes[entry.code] = entry
	entry.repeatTimer.Reset(p.repeat)
	entry.regenTimer.Reset(p.regen)
	code := entry.code
	session := entry.session
	p.mu.Unlock()

	slog.Debug("Pairing code regenerated", "patient_id", session.PatientID())
	session.SayCode(context.Background(), code)
}

// Claim marks a caregiver as waiting on a code and freezes its timers until
// the handshake resolves. A second caregiver claiming the same code gets a
// conflict.
func (p *Pairing) Claim(ctx context.Context, code, userID string) error {
	p.mu.Lock()
	entry, ok := p.codes[code]
	if !ok {
		p.mu.Unlock()
		return models.ErrPairingCodeNotFound
	}
	if entry.waitingUserID != "" && entry.waitingUserID != userID {
		p.mu.Unlock()
		return models.ErrPairingConflict
	}
	entry.waitingUserID = userID
	entry.repeatTimer.Stop()
	entry.regenTimer.Stop()
	session := entry.session
	p.mu.Unlock()

	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		slog.Error("Pairing failed to load claiming user", "user_id", userID, "error", err)
		p.release(code, userID)
		return fmt.Errorf("failed to load claiming user: %w", err)
	}
	session.Say(ctx, user.FullName+" wants to pair with this device")
	slog.Info("Pairing code claimed", "patient_id", session.PatientID(), "user_id", userID)
	return nil
}

// Confirm resolves a claimed code. Accepting persists the patient and
// caregiver link and tears the code down; rejecting resumes the code
// lifecycle for another caregiver.
func (p *Pairing) Confirm(ctx context.Context, code string, accept bool) error {
	p.mu.Lock()
	entry, ok := p.codes[code]
	if !ok || entry.waitingUserID == "" {
		p.mu.Unlock()
		return models.ErrPairingCodeNotFound
	}
	session := entry.session
	userID := entry.waitingUserID

	if !accept {
		entry.waitingUserID = ""
		entry.repeatTimer.Reset(p.repeat)
		entry.regenTimer.Reset(p.regen)
		p.mu.Unlock()
		slog.Info("Pairing rejected", "patient_id", session.PatientID(), "user_id", userID)
		return nil
	}
	p.mu.Unlock()

	patientID := session.PatientID()
	link := models.PatientUser{PatientID: patientID, UserID: userID}
	if err := p.store.SavePatientUser(ctx, link); err != nil {
		slog.Error("Pairing failed to persist link", "patient_id", patientID, "user_id", userID, "error", err)
		p.release(code, userID)
		return fmt.Errorf("failed to persist pairing: %w", err)
	}

	p.mu.Lock()
	if p.codes[code] == entry {
		p.teardownLocked(entry)
	}
	p.mu.Unlock()

	session.Say(ctx, "Pairing complete")
	slog.Info("Pairing confirmed", "patient_id", patientID, "user_id", userID)
	return nil
}

// release drops a claim and resumes the code lifecycle.
func (p *Pairing) release(code, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.codes[code]
	if !ok || entry.waitingUserID != userID {
		return
	}
	entry.waitingUserID = ""
	entry.repeatTimer.Reset(p.repeat)
	entry.regenTimer.Reset(p.regen)
}

// Detach removes any pairing state held for a closing session.
func (p *Pairing) Detach(s *Session) {
	patientID := s.PatientID()
	if patientID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byPatient[patientID]
	if !ok || entry.session != s {
		return
	}
	p.teardownLocked(entry)
	slog.Debug("Pairing detached", "patient_id", patientID)
}

// teardownLocked removes an entry and stops its timers. Callers must hold
// p.mu.
func (p *Pairing) teardownLocked(entry *pairingEntry) {
	if entry.repeatTimer != nil {
		entry.repeatTimer.Stop()
	}
	if entry.regenTimer != nil {
		entry.regenTimer.Stop()
	}
	delete(p.codes, entry.code)
	delete(p.byPatient, entry.session.PatientID())
}
