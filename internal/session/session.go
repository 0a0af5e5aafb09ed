package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CarePipe/internal/geo"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/notify"
	"github.com/BTreeMap/CarePipe/internal/speech"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateClosing         State = "closing"
	StateClosed          State = "closed"
)

// DefaultAuthDeadline is how long a fresh connection has to authenticate.
const DefaultAuthDeadline = 5 * time.Second

// Battery thresholds for the spoken low-battery warning. The warning fires
// once per discharge; charging past the reset level re-arms it.
const (
	lowBatteryThreshold  = 0.15
	lowBatteryResetLevel = 0.30
)

// Transport is the connection surface a session writes to. Implemented by
// the websocket layer and by test fakes.
type Transport interface {
	Send(v interface{}) error
	Close() error
}

// Muxer is the trigger surface the session needs. Satisfied by
// trigger.MainMultiplexer.
type Muxer interface {
	LoadForPatient(ctx context.Context, patientID string) error
	UnloadForPatient(patientID string)
	CheckTrigger(patientID string, class models.TriggerClass, sent models.TriggerPayload) error
}

// Speaker synthesizes a spoken utterance. Satisfied by speech.Speaker.
type Speaker interface {
	Speak(ctx context.Context, patientID, text string) ([]byte, error)
}

// Wire messages pushed to the device.
type SayMessage struct {
	Type  string `json:"type"` // always "say"
	Text  string `json:"text"`
	Audio []byte `json:"audio,omitempty"`
}

type ErrorMessage struct {
	Type  string           `json:"type"` // always "error"
	Code  models.ErrorCode `json:"code"`
	Fatal bool             `json:"fatal"`
}

type CredentialsMessage struct {
	Type      string `json:"type"` // always "credentials"
	PatientID string `json:"patient_id"`
	Secret    string `json:"secret"`
}

// Deps bundles the collaborators every session shares.
type Deps struct {
	Store     store.Store
	Mux       Muxer
	Sink      notify.Sink
	Speaker   Speaker
	Directory *Directory
	Pairing   *Pairing
}

// Opts holds configuration options for sessions.
type Opts struct {
	AuthDeadline time.Duration
	Now          func() time.Time
}

// Option defines a configuration option for sessions.
type Option func(*Opts)

// WithAuthDeadline overrides the authentication deadline.
func WithAuthDeadline(d time.Duration) Option {
	return func(o *Opts) {
		o.AuthDeadline = d
	}
}

// WithNow overrides the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Session is one live device connection for a patient. All position
// processing is strictly sequential per session.
type Session struct {
	transport Transport
	deps      Deps
	now       func() time.Time

	mu            sync.Mutex
	state         State
	hasClosed     bool
	patient       *models.Patient
	zones         []models.Zone
	report        *geo.LocationReport
	locked        bool
	lowBattWarned bool
	authTimer     *time.Timer

	// posMu serializes the position pipeline independently of mu so a slow
	// store call never blocks battery updates or Close.
	posMu sync.Mutex
}

// NewSession wraps a fresh connection. The session starts unauthenticated
// with the auth deadline armed; a connection that never authenticates is
// closed with NO_LOGIN_SUPPLIED.
func NewSession(transport Transport, deps Deps, opts ...Option) *Session {
	cfg := Opts{AuthDeadline: DefaultAuthDeadline, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Session{
		transport: transport,
		deps:      deps,
		now:       cfg.Now,
		state:     StateUnauthenticated,
	}
	s.authTimer = time.AfterFunc(cfg.AuthDeadline, func() {
		slog.Warn("Session authentication deadline expired")
		s.Fatal(models.ErrCodeNoLoginSupplied)
	})
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PatientID returns the authenticated patient id, or "".
func (s *Session) PatientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patient == nil {
		return ""
	}
	return s.patient.ID
}

// AuthenticateDevice logs the session in with a patient id and device
// secret. Wrong credentials are fatal.
func (s *Session) AuthenticateDevice(ctx context.Context, patientID, secret string) error {
	if err := s.beginAuth(); err != nil {
		s.Fatal(models.ErrCodeBadLogin)
		return err
	}
	patient, err := s.deps.Store.GetPatient(ctx, patientID)
	if err != nil {
		slog.Warn("Session login for unknown patient", "patient_id", patientID)
		s.Fatal(models.ErrCodeBadCredential)
		return models.ErrNotAuthenticated
	}
	if subtle.ConstantTimeCompare([]byte(patient.Secret), []byte(secret)) != 1 {
		slog.Warn("Session login with bad device secret", "patient_id", patientID)
		s.Fatal(models.ErrCodeBadCredential)
		return models.ErrNotAuthenticated
	}
	if err := s.finishAuth(ctx, patient); err != nil {
		return err
	}
	return s.beginPairingIfUnpaired(ctx)
}

// beginPairingIfUnpaired starts the pairing flow for a device whose patient
// has no caregiver linked yet, so a device reconnecting mid-handshake can
// still be paired.
func (s *Session) beginPairingIfUnpaired(ctx context.Context) error {
	patientID := s.PatientID()
	users, err := s.deps.Store.ListUsersForPatient(ctx, patientID)
	if err != nil {
		slog.Error("Session failed to check pairing state", "patient_id", patientID, "error", err)
		return nil
	}
	if len(users) > 0 {
		return nil
	}
	code, err := s.deps.Pairing.Begin(ctx, s)
	if err != nil {
		return err
	}
	s.SayCode(ctx, code)
	return nil
}

// AuthenticateFirstConnection provisions a brand new patient for a device
// that has no credential yet, hands the credential to the device and
// starts the pairing flow.
func (s *Session) AuthenticateFirstConnection(ctx context.Context) error {
	if err := s.beginAuth(); err != nil {
		s.Fatal(models.ErrCodeBadLogin)
		return err
	}
	secret, err := util.GenerateDeviceSecret()
	if err != nil {
		slog.Error("Session failed to generate device secret", "error", err)
		s.sendError(models.ErrCodeServiceUnavailable, false)
		return fmt.Errorf("failed to generate device secret: %w", err)
	}
	patient := &models.Patient{
		ID:     uuid.NewString(),
		Secret: secret,
		State:  models.PatientStateUnknown,
	}
	if err := s.deps.Store.SavePatient(ctx, patient); err != nil {
		slog.Error("Session failed to provision patient", "error", err)
		s.sendError(models.ErrCodeServiceUnavailable, false)
		return fmt.Errorf("failed to provision patient: %w", err)
	}
	if err := s.transport.Send(CredentialsMessage{Type: "credentials", PatientID: patient.ID, Secret: patient.Secret}); err != nil {
		slog.Error("Session failed to deliver credentials", "patient_id", patient.ID, "error", err)
	}
	slog.Info("Session provisioned new patient", "patient_id", patient.ID)

	if err := s.finishAuth(ctx, patient); err != nil {
		return err
	}
	return s.beginPairingIfUnpaired(ctx)
}

// beginAuth moves Unauthenticated -> Authenticating and disarms the
// deadline. A second login attempt on the same connection fails.
func (s *Session) beginAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnauthenticated {
		return fmt.Errorf("login in state %s: %w", s.state, models.ErrSessionClosed)
	}
	s.state = StateAuthenticating
	s.authTimer.Stop()
	return nil
}

// finishAuth completes authentication: registers with the directory
// (preempting any previous session), loads zones and services, and sends
// the online notification.
func (s *Session) finishAuth(ctx context.Context, patient *models.Patient) error {
	s.mu.Lock()
	s.patient = patient
	s.mu.Unlock()

	s.deps.Directory.Register(s)

	stored, err := s.deps.Store.ListZonesForPatient(ctx, patient.ID)
	if err != nil {
		slog.Error("Session failed to load zones", "patient_id", patient.ID, "error", err)
		s.sendError(models.ErrCodeServiceUnavailable, false)
		s.Close()
		return fmt.Errorf("failed to load zones: %w", err)
	}
	zones := make([]models.Zone, 0, len(stored))
	for _, z := range stored {
		zones = append(zones, *z)
	}
	if err := s.deps.Mux.LoadForPatient(ctx, patient.ID); err != nil {
		slog.Error("Session failed to load services", "patient_id", patient.ID, "error", err)
		s.sendError(models.ErrCodeServiceUnavailable, false)
		s.Close()
		return fmt.Errorf("failed to load services: %w", err)
	}

	s.mu.Lock()
	s.zones = zones
	s.state = StateAuthenticated
	s.mu.Unlock()

	s.notifyPairedUsers(ctx, "Patient online", patient.FullName+" is connected", models.NotifOfflinePatient)
	slog.Info("Session authenticated", "patient_id", patient.ID, "zones", len(zones))
	return nil
}

// OnPositionSample runs the location pipeline for one GPS sample. Samples
// are processed strictly in arrival order per session.
func (s *Session) OnPositionSample(ctx context.Context, pos models.LatLng, at int64) error {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return models.ErrNotAuthenticated
	}
	patient := s.patient
	zones := s.zones
	old := s.report
	s.mu.Unlock()

	report := geo.Locate(pos, zones, patient.NeutralIsDangerous, at)

	// Same zone and same safety: the stay just continues, keep the
	// original entry instant.
	if old != nil && report.IsEqual(old) {
		return nil
	}

	if old != nil {
		event := &models.PatientZoneEvent{
			ID:         util.GenerateEntityID("evt_"),
			PatientID:  patient.ID,
			ZoneID:     old.ZoneID(),
			RangeBegin: old.EnteredAt,
			RangeEnd:   at,
		}
		if err := s.deps.Store.AddZoneEvent(ctx, event); err != nil {
			slog.Error("Session failed to persist zone event", "patient_id", patient.ID, "error", err)
		}
	}

	oldSafety := models.ZoneSafetyNeutral
	if old != nil {
		oldSafety = old.Safety()
	}
	newSafety := report.Safety()

	s.mu.Lock()
	s.report = report
	s.patient.State = stateForSafety(newSafety)
	s.mu.Unlock()

	// The first sample establishes a baseline; transitions exist only
	// between two reports.
	if old != nil && oldSafety != newSafety {
		payload := models.TriggerPayload{ZoneIn: newSafety, ZoneOut: oldSafety}
		if err := s.deps.Mux.CheckTrigger(patient.ID, models.TriggerZoneTypeChanged, payload); err != nil {
			slog.Error("Session zone trigger check failed", "patient_id", patient.ID, "error", err)
		}
		slog.Debug("Session zone type changed", "patient_id", patient.ID,
			"zone_out", oldSafety, "zone_in", newSafety)
	}

	if report.DoSendReport(old) {
		title := "Safe zone alert"
		message := patient.FullName + " is in a safe area again"
		if !report.IsSafe {
			message = patient.FullName + " left the safe area"
		}
		s.notifyPairedUsers(ctx, title, message, models.NotifSafeZoneTracking)
	}
	return nil
}

// stateForSafety maps a zone safety classification to the coarse patient
// state. Unclassified and neutral positions stay unknown.
func stateForSafety(safety models.ZoneSafety) models.PatientState {
	switch safety {
	case models.ZoneSafetyHome:
		return models.PatientStateHome
	case models.ZoneSafetySafe:
		return models.PatientStateSafe
	case models.ZoneSafetyDanger:
		return models.PatientStateGuard
	default:
		return models.PatientStateUnknown
	}
}

// OnBatteryLevel records a battery reading and speaks a warning once per
// discharge below the threshold.
func (s *Session) OnBatteryLevel(ctx context.Context, level float64) error {
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return models.ErrNotAuthenticated
	}
	s.patient.Battery = level
	warn := false
	if level <= lowBatteryThreshold && !s.lowBattWarned {
		s.lowBattWarned = true
		warn = true
	} else if level >= lowBatteryResetLevel {
		s.lowBattWarned = false
	}
	patientID := s.patient.ID
	s.mu.Unlock()

	if warn {
		s.Say(ctx, "Battery is low, please charge the device")
	}
	slog.Debug("Session battery level updated", "patient_id", patientID, "level", level)
	return nil
}

// OnIntent routes a recognized voice intent to the intent services.
func (s *Session) OnIntent(ctx context.Context, intent string) error {
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return models.ErrNotAuthenticated
	}
	patientID := s.patient.ID
	s.mu.Unlock()

	slog.Debug("Session intent received", "patient_id", patientID, "intent", intent)
	return s.deps.Mux.CheckTrigger(patientID, models.TriggerIntent, models.TriggerPayload{Intent: intent})
}

// Say speaks an utterance on the device. Do-not-disturb suppresses it;
// quota exhaustion degrades to a text-only message.
func (s *Session) Say(ctx context.Context, text string) {
	s.mu.Lock()
	if s.locked {
		s.mu.Unlock()
		slog.Debug("Session utterance suppressed by do-not-disturb", "text", text)
		return
	}
	patientID := ""
	if s.patient != nil {
		patientID = s.patient.ID
	}
	s.mu.Unlock()

	audio, err := s.deps.Speaker.Speak(ctx, patientID, text)
	if err != nil {
		if !errors.Is(err, speech.ErrQuotaExhausted) && !errors.Is(err, speech.ErrSynthesisUnavailable) {
			slog.Error("Session speech synthesis failed", "patient_id", patientID, "error", err)
		}
		audio = nil
	}
	if err := s.transport.Send(SayMessage{Type: "say", Text: text, Audio: audio}); err != nil {
		slog.Error("Session failed to send utterance", "patient_id", patientID, "error", err)
	}
}

// SayCode announces a pairing code.
func (s *Session) SayCode(ctx context.Context, code string) {
	spelled := ""
	for _, digit := range code {
		spelled += string(digit) + " "
	}
	s.Say(ctx, "Your pairing code is "+spelled)
}

// SetLocked toggles do-not-disturb. While locked, spoken output is
// suppressed.
func (s *Session) SetLocked(locked bool) {
	s.mu.Lock()
	s.locked = locked
	patientID := ""
	if s.patient != nil {
		patientID = s.patient.ID
	}
	s.mu.Unlock()
	slog.Debug("Session do-not-disturb toggled", "patient_id", patientID, "locked", locked)
}

// SendError reports a non-fatal error to the device.
func (s *Session) SendError(code models.ErrorCode) {
	s.sendError(code, false)
}

// Fatal reports an error to the device and closes the session.
func (s *Session) Fatal(code models.ErrorCode) {
	s.sendError(code, true)
	s.Close()
}

func (s *Session) sendError(code models.ErrorCode, fatal bool) {
	if err := s.transport.Send(ErrorMessage{Type: "error", Code: code, Fatal: fatal}); err != nil {
		slog.Debug("Session failed to send error message", "code", code, "error", err)
	}
}

// Close tears the session down exactly once: pairing detach, service
// unload, final zone event, state persistence, offline notification,
// directory deregistration, transport close. Redundant calls are safe.
func (s *Session) Close() {
	s.mu.Lock()
	if s.hasClosed {
		s.mu.Unlock()
		return
	}
	s.hasClosed = true
	s.state = StateClosing
	s.authTimer.Stop()
	patient := s.patient
	report := s.report
	s.report = nil
	s.mu.Unlock()

	ctx := context.Background()

	if s.deps.Pairing != nil {
		s.deps.Pairing.Detach(s)
	}

	if patient != nil {
		s.deps.Mux.UnloadForPatient(patient.ID)

		if report != nil {
			event := &models.PatientZoneEvent{
				ID:         util.GenerateEntityID("evt_"),
				PatientID:  patient.ID,
				ZoneID:     report.ZoneID(),
				RangeBegin: report.EnteredAt,
				RangeEnd:   s.now().UnixMilli(),
			}
			if err := s.deps.Store.AddZoneEvent(ctx, event); err != nil {
				slog.Error("Session failed to persist final zone event", "patient_id", patient.ID, "error", err)
			}
		}

		if err := s.deps.Store.SavePatient(ctx, patient); err != nil {
			slog.Error("Session failed to persist patient on close", "patient_id", patient.ID, "error", err)
		}
		s.notifyPairedUsers(ctx, "Patient offline", patient.FullName+" disconnected", models.NotifOfflinePatient)
		s.deps.Directory.Deregister(s)
	}

	if err := s.transport.Close(); err != nil {
		slog.Debug("Session transport close failed", "error", err)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	if patient != nil {
		slog.Info("Session closed", "patient_id", patient.ID)
	} else {
		slog.Info("Session closed before authentication")
	}
}

// notifyPairedUsers fans a notification out to every caregiver paired with
// the patient. Delivery failures are logged per user.
func (s *Session) notifyPairedUsers(ctx context.Context, title, message string, category models.NotificationCategory) {
	s.mu.Lock()
	patient := s.patient
	s.mu.Unlock()
	if patient == nil {
		return
	}
	users, err := s.deps.Store.ListUsersForPatient(ctx, patient.ID)
	if err != nil {
		slog.Error("Session failed to list paired users", "patient_id", patient.ID, "error", err)
		return
	}
	for _, user := range users {
		notification := &models.Notification{
			Title:    title,
			Message:  message,
			Category: category,
		}
		if err := s.deps.Sink.Deliver(ctx, user, notification); err != nil {
			slog.Error("Session notification delivery failed",
				"patient_id", patient.ID, "user_id", user.ID, "error", err)
		}
	}
}
