package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/speech"
	"github.com/BTreeMap/CarePipe/internal/store"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []interface{}
	closed bool
}

func (t *fakeTransport) Send(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, v)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) says() []SayMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []SayMessage
	for _, v := range t.sent {
		if m, ok := v.(SayMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) errorCodes() []models.ErrorCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.ErrorCode
	for _, v := range t.sent {
		if m, ok := v.(ErrorMessage); ok {
			out = append(out, m.Code)
		}
	}
	return out
}

type triggerCheck struct {
	patientID string
	class     models.TriggerClass
	sent      models.TriggerPayload
}

type fakeMux struct {
	mu      sync.Mutex
	loaded  []string
	unloads []string
	checks  []triggerCheck
	loadErr error
}

func (m *fakeMux) LoadForPatient(_ context.Context, patientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return m.loadErr
	}
	m.loaded = append(m.loaded, patientID)
	return nil
}

func (m *fakeMux) UnloadForPatient(patientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloads = append(m.unloads, patientID)
}

func (m *fakeMux) CheckTrigger(patientID string, class models.TriggerClass, sent models.TriggerPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, triggerCheck{patientID: patientID, class: class, sent: sent})
	return nil
}

func (m *fakeMux) triggerChecks() []triggerCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]triggerCheck(nil), m.checks...)
}

type delivered struct {
	userID   string
	title    string
	category models.NotificationCategory
}

type fakeSink struct {
	mu        sync.Mutex
	delivered []delivered
}

func (s *fakeSink) Deliver(_ context.Context, user *models.User, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, delivered{userID: user.ID, title: n.Title, category: n.Category})
	return nil
}

func (s *fakeSink) deliveries() []delivered {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivered(nil), s.delivered...)
}

type fakeSpeaker struct {
	mu       sync.Mutex
	spoken   []string
	quotaOut bool
}

func (f *fakeSpeaker) Speak(_ context.Context, _ string, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	if f.quotaOut {
		return nil, speech.ErrQuotaExhausted
	}
	return []byte("audio:" + text), nil
}

type testEnv struct {
	store     *store.InMemoryStore
	mux       *fakeMux
	sink      *fakeSink
	speaker   *fakeSpeaker
	directory *Directory
	pairing   *Pairing
}

func newTestEnv() *testEnv {
	st := store.NewInMemoryStore()
	env := &testEnv{
		store:     st,
		mux:       &fakeMux{},
		sink:      &fakeSink{},
		speaker:   &fakeSpeaker{},
		directory: NewDirectory(),
	}
	env.pairing = NewPairing(st)
	return env
}

func (e *testEnv) deps() Deps {
	return Deps{
		Store:     e.store,
		Mux:       e.mux,
		Sink:      e.sink,
		Speaker:   e.speaker,
		Directory: e.directory,
		Pairing:   e.pairing,
	}
}

func (e *testEnv) newSession(t *testing.T, opts ...Option) (*Session, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	opts = append([]Option{WithAuthDeadline(time.Minute)}, opts...)
	return NewSession(transport, e.deps(), opts...), transport
}

func (e *testEnv) addPatient(t *testing.T, patient *models.Patient) {
	t.Helper()
	if err := e.store.SavePatient(context.Background(), patient); err != nil {
		t.Fatalf("SavePatient failed: %v", err)
	}
}

func (e *testEnv) pairUser(t *testing.T, patientID string, user *models.User) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := e.store.SavePatientUser(ctx, models.PatientUser{PatientID: patientID, UserID: user.ID}); err != nil {
		t.Fatalf("SavePatientUser failed: %v", err)
	}
}

func circleZone(id, patientID string, safety models.ZoneSafety, center models.LatLng) *models.Zone {
	return &models.Zone{
		ID:        id,
		PatientID: patientID,
		Kind:      models.ZoneKindCircle,
		Name:      id,
		Safety:    safety,
		Center:    center,
		Radius:    200,
	}
}

func TestAuthDeadlineClosesSession(t *testing.T) {
	env := newTestEnv()
	transport := &fakeTransport{}
	s := NewSession(transport, env.deps(), WithAuthDeadline(20*time.Millisecond))

	deadline := time.After(2 * time.Second)
	for s.State() != StateClosed {
		select {
		case <-deadline:
			t.Fatalf("session not closed after auth deadline, state %s", s.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	codes := transport.errorCodes()
	if len(codes) != 1 || codes[0] != models.ErrCodeNoLoginSupplied {
		t.Errorf("error codes = %v, want [NO_LOGIN_SUPPLIED]", codes)
	}
}

func TestAuthenticateDeviceBadSecret(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "right", FullName: "Ada"})
	s, transport := env.newSession(t)

	if err := s.AuthenticateDevice(context.Background(), "p1", "wrong"); !errors.Is(err, models.ErrNotAuthenticated) {
		t.Fatalf("AuthenticateDevice error = %v, want ErrNotAuthenticated", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	codes := transport.errorCodes()
	if len(codes) != 1 || codes[0] != models.ErrCodeBadCredential {
		t.Errorf("error codes = %v, want [BAD_CRED]", codes)
	}
}

func TestAuthenticateDeviceSuccess(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	env.pairUser(t, "p1", &models.User{ID: "u1", FullName: "Grace"})
	s, _ := env.newSession(t)

	if err := s.AuthenticateDevice(context.Background(), "p1", "s3cret"); err != nil {
		t.Fatalf("AuthenticateDevice failed: %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", s.State())
	}
	if env.directory.Get("p1") != s {
		t.Error("session not registered in directory")
	}
	if len(env.mux.loaded) != 1 || env.mux.loaded[0] != "p1" {
		t.Errorf("mux loads = %v, want [p1]", env.mux.loaded)
	}
	deliveries := env.sink.deliveries()
	if len(deliveries) != 1 || deliveries[0].category != models.NotifOfflinePatient {
		t.Errorf("deliveries = %v, want one online notification", deliveries)
	}
}

func TestLoginWithoutCaregiversStartsPairing(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	s, transport := env.newSession(t)

	if err := s.AuthenticateDevice(context.Background(), "p1", "s3cret"); err != nil {
		t.Fatalf("AuthenticateDevice failed: %v", err)
	}
	says := transport.says()
	if len(says) != 1 || !strings.Contains(says[0].Text, "pairing code") {
		t.Fatalf("says = %v, want the pairing code spoken", says)
	}

	// A patient that already has a caregiver must not re-enter pairing.
	env.pairUser(t, "p1", &models.User{ID: "u1", FullName: "Grace"})
	paired, pairedTransport := env.newSession(t)
	if err := paired.AuthenticateDevice(context.Background(), "p1", "s3cret"); err != nil {
		t.Fatalf("second AuthenticateDevice failed: %v", err)
	}
	if got := pairedTransport.says(); len(got) != 0 {
		t.Errorf("says for paired patient = %v, want none", got)
	}
}

func TestSecondLoginPreemptsFirst(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	ctx := context.Background()

	first, firstTransport := env.newSession(t)
	if err := first.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	second, _ := env.newSession(t)
	if err := second.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("second login failed: %v", err)
	}

	if first.State() != StateClosed {
		t.Errorf("first session state = %s, want closed", first.State())
	}
	codes := firstTransport.errorCodes()
	if len(codes) != 1 || codes[0] != models.ErrCodeBadLogin {
		t.Errorf("preempted session error codes = %v, want [BAD_LOGIN]", codes)
	}
	if got := env.directory.Get("p1"); got != second {
		t.Errorf("directory holds %p, want the second session", got)
	}
	// The preempted session must not unload the services the live one uses.
	second.Close()
	if got := env.directory.Get("p1"); got != nil {
		t.Errorf("directory still holds a session after close")
	}
}

func TestFirstConnectionProvisionsPatient(t *testing.T) {
	env := newTestEnv()
	s, transport := env.newSession(t)

	if err := s.AuthenticateFirstConnection(context.Background()); err != nil {
		t.Fatalf("AuthenticateFirstConnection failed: %v", err)
	}
	var creds *CredentialsMessage
	transport.mu.Lock()
	for _, v := range transport.sent {
		if m, ok := v.(CredentialsMessage); ok {
			creds = &m
		}
	}
	transport.mu.Unlock()
	if creds == nil {
		t.Fatal("no credentials message sent")
	}
	if _, err := env.store.GetPatient(context.Background(), creds.PatientID); err != nil {
		t.Errorf("provisioned patient not stored: %v", err)
	}
	says := transport.says()
	if len(says) == 0 {
		t.Fatal("no pairing code spoken")
	}
}

func TestPositionHomeToDanger(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	env.pairUser(t, "p1", &models.User{ID: "u1", FullName: "Grace"})
	ctx := context.Background()
	home := models.LatLng{Lat: 0, Lng: 0}
	danger := models.LatLng{Lat: 1, Lng: 1}
	for _, z := range []*models.Zone{
		circleZone("z-home", "p1", models.ZoneSafetyHome, home),
		circleZone("z-danger", "p1", models.ZoneSafetyDanger, danger),
	} {
		if err := env.store.SaveZone(ctx, z); err != nil {
			t.Fatalf("SaveZone failed: %v", err)
		}
	}

	s, _ := env.newSession(t)
	if err := s.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	baseline := len(env.sink.deliveries())

	if err := s.OnPositionSample(ctx, home, 1000); err != nil {
		t.Fatalf("first sample failed: %v", err)
	}
	if err := s.OnPositionSample(ctx, danger, 2000); err != nil {
		t.Fatalf("second sample failed: %v", err)
	}

	events, err := env.store.ListZoneEventsForPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListZoneEventsForPatient failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("zone events = %d, want 1", len(events))
	}
	if events[0].ZoneID != "z-home" || events[0].RangeBegin != 1000 || events[0].RangeEnd != 2000 {
		t.Errorf("closed interval = %+v, want z-home [1000,2000]", events[0])
	}

	checks := env.mux.triggerChecks()
	if len(checks) != 1 {
		t.Fatalf("trigger checks = %d, want 1", len(checks))
	}
	if checks[0].class != models.TriggerZoneTypeChanged {
		t.Errorf("trigger class = %s, want ZONE_TYPE_CHANGED", checks[0].class)
	}
	if checks[0].sent.ZoneIn != models.ZoneSafetyDanger || checks[0].sent.ZoneOut != models.ZoneSafetyHome {
		t.Errorf("transition = {in: %s, out: %s}, want {danger, home}",
			checks[0].sent.ZoneIn, checks[0].sent.ZoneOut)
	}

	deliveries := env.sink.deliveries()
	if len(deliveries) != baseline+1 {
		t.Fatalf("deliveries after unsafe entry = %d, want %d", len(deliveries), baseline+1)
	}
	if deliveries[baseline].category != models.NotifSafeZoneTracking {
		t.Errorf("category = %s, want safe zone tracking", deliveries[baseline].category)
	}

	// Close persists the reclassified state.
	s.Close()
	patient, err := env.store.GetPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPatient failed: %v", err)
	}
	if patient.State != models.PatientStateGuard {
		t.Errorf("patient state = %s, want guard", patient.State)
	}
}

func TestPositionSameZoneStaysQuiet(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	ctx := context.Background()
	home := models.LatLng{Lat: 0, Lng: 0}
	if err := env.store.SaveZone(ctx, circleZone("z-home", "p1", models.ZoneSafetyHome, home)); err != nil {
		t.Fatalf("SaveZone failed: %v", err)
	}

	s, _ := env.newSession(t)
	if err := s.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := s.OnPositionSample(ctx, home, 1000); err != nil {
		t.Fatalf("first sample failed: %v", err)
	}
	if err := s.OnPositionSample(ctx, models.LatLng{Lat: 0.0001, Lng: 0}, 2000); err != nil {
		t.Fatalf("second sample failed: %v", err)
	}

	events, err := env.store.ListZoneEventsForPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListZoneEventsForPatient failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("zone events = %d, want 0 while the stay continues", len(events))
	}
	if checks := env.mux.triggerChecks(); len(checks) != 0 {
		t.Errorf("trigger checks = %d, want 0", len(checks))
	}
}

func TestFirstSampleSetsBaselineQuietly(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	env.pairUser(t, "p1", &models.User{ID: "u1", FullName: "Grace"})
	ctx := context.Background()
	danger := models.LatLng{Lat: 1, Lng: 1}
	if err := env.store.SaveZone(ctx, circleZone("z-danger", "p1", models.ZoneSafetyDanger, danger)); err != nil {
		t.Fatalf("SaveZone failed: %v", err)
	}

	s, _ := env.newSession(t)
	if err := s.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := s.OnPositionSample(ctx, danger, 1000); err != nil {
		t.Fatalf("sample failed: %v", err)
	}

	// The very first sample has no predecessor, so there is no interval to
	// close and no transition to fire, even straight into a danger zone.
	events, err := env.store.ListZoneEventsForPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListZoneEventsForPatient failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("zone events = %d, want 0 after the first sample", len(events))
	}
	if checks := env.mux.triggerChecks(); len(checks) != 0 {
		t.Errorf("trigger checks = %v, want none after the first sample", checks)
	}

	s.Close()
	patient, err := env.store.GetPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPatient failed: %v", err)
	}
	if patient.State != models.PatientStateGuard {
		t.Errorf("patient state = %s, want guard", patient.State)
	}
}

func TestUnclassifiedPositionKeepsStateUnknown(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	env.pairUser(t, "p1", &models.User{ID: "u1", FullName: "Grace"})
	ctx := context.Background()
	home := models.LatLng{Lat: 0, Lng: 0}
	if err := env.store.SaveZone(ctx, circleZone("z-home", "p1", models.ZoneSafetyHome, home)); err != nil {
		t.Fatalf("SaveZone failed: %v", err)
	}

	s, _ := env.newSession(t)
	if err := s.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := s.OnPositionSample(ctx, home, 1000); err != nil {
		t.Fatalf("home sample failed: %v", err)
	}
	if err := s.OnPositionSample(ctx, models.LatLng{Lat: 40, Lng: 40}, 2000); err != nil {
		t.Fatalf("away sample failed: %v", err)
	}

	// Outside every zone the patient is unclassified, not safe or guarded.
	s.Close()
	patient, err := env.store.GetPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPatient failed: %v", err)
	}
	if patient.State != models.PatientStateUnknown {
		t.Errorf("patient state = %s, want unknown", patient.State)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	env.pairUser(t, "p1", &models.User{ID: "u1", FullName: "Grace"})
	ctx := context.Background()
	if err := env.store.SaveZone(ctx, circleZone("z-home", "p1", models.ZoneSafetyHome, models.LatLng{})); err != nil {
		t.Fatalf("SaveZone failed: %v", err)
	}

	s, transport := env.newSession(t)
	if err := s.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := s.OnPositionSample(ctx, models.LatLng{}, 1000); err != nil {
		t.Fatalf("sample failed: %v", err)
	}

	s.Close()
	s.Close()

	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if !transport.closed {
		t.Error("transport not closed")
	}
	events, err := env.store.ListZoneEventsForPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListZoneEventsForPatient failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("final zone events = %d, want exactly 1", len(events))
	}
	if len(env.mux.unloads) != 1 {
		t.Errorf("mux unloads = %v, want exactly one", env.mux.unloads)
	}
	var offline int
	for _, d := range env.sink.deliveries() {
		if d.title == "Patient offline" {
			offline++
		}
	}
	if offline != 1 {
		t.Errorf("offline notifications = %d, want exactly 1", offline)
	}
}

func TestBatteryWarnsOncePerDischarge(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	env.pairUser(t, "p1", &models.User{ID: "u1", FullName: "Grace"})
	ctx := context.Background()

	s, transport := env.newSession(t)
	if err := s.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	for _, level := range []float64{0.5, 0.14, 0.12} {
		if err := s.OnBatteryLevel(ctx, level); err != nil {
			t.Fatalf("OnBatteryLevel(%v) failed: %v", level, err)
		}
	}
	if got := len(transport.says()); got != 1 {
		t.Fatalf("warnings after discharge = %d, want 1", got)
	}

	// Charging past the reset level re-arms the warning.
	if err := s.OnBatteryLevel(ctx, 0.9); err != nil {
		t.Fatalf("OnBatteryLevel failed: %v", err)
	}
	if err := s.OnBatteryLevel(ctx, 0.1); err != nil {
		t.Fatalf("OnBatteryLevel failed: %v", err)
	}
	if got := len(transport.says()); got != 2 {
		t.Errorf("warnings after recharge cycle = %d, want 2", got)
	}

	s.Close()
	patient, err := env.store.GetPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPatient failed: %v", err)
	}
	if patient.Battery != 0.1 {
		t.Errorf("persisted battery = %v, want 0.1", patient.Battery)
	}
}

func TestSayQuotaFallsBackToText(t *testing.T) {
	env := newTestEnv()
	env.speaker.quotaOut = true
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	env.pairUser(t, "p1", &models.User{ID: "u1", FullName: "Grace"})
	ctx := context.Background()

	s, transport := env.newSession(t)
	if err := s.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	s.Say(ctx, "hello")

	says := transport.says()
	if len(says) != 1 {
		t.Fatalf("say messages = %d, want 1", len(says))
	}
	if says[0].Text != "hello" || says[0].Audio != nil {
		t.Errorf("message = %+v, want text-only fallback", says[0])
	}
}

func TestSayHonorsDoNotDisturb(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	env.pairUser(t, "p1", &models.User{ID: "u1", FullName: "Grace"})
	ctx := context.Background()

	s, transport := env.newSession(t)
	if err := s.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	s.SetLocked(true)
	s.Say(ctx, "suppressed")
	if got := len(transport.says()); got != 0 {
		t.Fatalf("messages while locked = %d, want 0", got)
	}
	s.SetLocked(false)
	s.Say(ctx, "audible")
	if got := len(transport.says()); got != 1 {
		t.Errorf("messages after unlock = %d, want 1", got)
	}
}

func TestIntentRoutesToTriggers(t *testing.T) {
	env := newTestEnv()
	env.addPatient(t, &models.Patient{ID: "p1", Secret: "s3cret", FullName: "Ada"})
	ctx := context.Background()

	s, _ := env.newSession(t)
	if err := s.OnIntent(ctx, "weather"); !errors.Is(err, models.ErrNotAuthenticated) {
		t.Fatalf("OnIntent before login = %v, want ErrNotAuthenticated", err)
	}
	if err := s.AuthenticateDevice(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if err := s.OnIntent(ctx, "weather"); err != nil {
		t.Fatalf("OnIntent failed: %v", err)
	}
	checks := env.mux.triggerChecks()
	if len(checks) != 1 || checks[0].class != models.TriggerIntent || checks[0].sent.Intent != "weather" {
		t.Errorf("checks = %+v, want one intent check for weather", checks)
	}
}
