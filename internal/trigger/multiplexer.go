package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ServiceStore is the persistence surface the multiplexers need. The full
// store satisfies it.
type ServiceStore interface {
	SaveService(ctx context.Context, svc *models.Service) error
	DeleteService(ctx context.Context, serviceID string) error
	GetService(ctx context.Context, serviceID string) (*models.Service, error)
	ListServicesForPatient(ctx context.Context, patientID string) ([]*models.Service, error)
}

// Class captures what varies between trigger classes: how a sent payload
// is matched against a stored one. Scheduling differences live in the
// running services, not here.
type Class interface {
	TriggerClass() models.TriggerClass
	// CheckPayload reports whether a fired payload matches the payload a
	// stored service was registered with.
	CheckPayload(sent, stored models.TriggerPayload) bool
}

type intentClass struct{}

func (intentClass) TriggerClass() models.TriggerClass { return models.TriggerIntent }

func (intentClass) CheckPayload(sent, stored models.TriggerPayload) bool {
	return sent.Intent != "" && sent.Intent == stored.Intent
}

type zoneTypeClass struct{}

func (zoneTypeClass) TriggerClass() models.TriggerClass { return models.TriggerZoneTypeChanged }

func (zoneTypeClass) CheckPayload(sent, stored models.TriggerPayload) bool {
	return sent.ZoneIn == stored.ZoneIn && sent.ZoneOut == stored.ZoneOut
}

// Periodic and time-range services are driven by their own timers, never by
// external fires, so any CheckTrigger aimed at them matches everything.
type periodicClass struct{}

func (periodicClass) TriggerClass() models.TriggerClass            { return models.TriggerPeriodic }
func (periodicClass) CheckPayload(_, _ models.TriggerPayload) bool { return true }

type timeRangeClass struct{}

func (timeRangeClass) TriggerClass() models.TriggerClass            { return models.TriggerTimeRange }
func (timeRangeClass) CheckPayload(_, _ models.TriggerPayload) bool { return true }

// ClassMultiplexer owns every loaded service of one trigger class, indexed
// by patient. All mutation goes through its mutex; running handles are
// tracked per service so no service can be armed twice.
type ClassMultiplexer struct {
	class    Class
	store    ServiceStore
	dispatch ActionDispatch
	runOpts  []RunnerOption

	mu       sync.Mutex
	services map[string][]*models.Service
	running  map[string]RunningService
}

// NewClassMultiplexer builds an empty multiplexer for one trigger class.
func NewClassMultiplexer(class Class, store ServiceStore, dispatch ActionDispatch, runOpts ...RunnerOption) *ClassMultiplexer {
	return &ClassMultiplexer{
		class:    class,
		store:    store,
		dispatch: dispatch,
		runOpts:  runOpts,
		services: make(map[string][]*models.Service),
		running:  make(map[string]RunningService),
	}
}

// Init loads a patient's services of this class into the live index and
// arms their triggers. It fails on a duplicate running service rather than
// silently replacing the old timer.
func (m *ClassMultiplexer) Init(patientID string, services []*models.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range services {
		if svc.Trigger.Class != m.class.TriggerClass() {
			continue
		}
		if err := m.armLocked(svc); err != nil {
			return err
		}
	}
	slog.Debug("Trigger multiplexer initialized patient",
		"class", m.class.TriggerClass(), "patient_id", patientID,
		"services", len(m.services[patientID]))
	return nil
}

// Uninit releases and forgets every loaded service of a patient. It is
// idempotent so session teardown can call it unconditionally.
func (m *ClassMultiplexer) Uninit(patientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range m.services[patientID] {
		if handle := m.running[svc.ID]; handle != nil {
			handle.Release()
		}
		delete(m.running, svc.ID)
	}
	delete(m.services, patientID)
}

// Add persists a new service and arms it in the live index.
func (m *ClassMultiplexer) Add(ctx context.Context, patientID string, trigger models.TriggerPayload, action models.Action) (*models.Service, error) {
	svc := &models.Service{
		ID:        uuid.NewString(),
		PatientID: patientID,
		Trigger: models.Trigger{
			Class:   m.class.TriggerClass(),
			Payload: trigger,
		},
		Action: action,
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.SaveService(ctx, svc); err != nil {
		return nil, fmt.Errorf("failed to save service: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.armLocked(svc); err != nil {
		return nil, err
	}
	slog.Info("Service added", "service_id", svc.ID,
		"class", m.class.TriggerClass(), "patient_id", patientID, "action", action.Type)
	return svc, nil
}

// Delete releases a service's trigger, drops it from the live index and
// removes it from the store.
func (m *ClassMultiplexer) Delete(ctx context.Context, svc *models.Service) error {
	m.mu.Lock()
	if handle := m.running[svc.ID]; handle != nil {
		handle.Release()
	}
	delete(m.running, svc.ID)
	loaded := m.services[svc.PatientID]
	for i, s := range loaded {
		if s.ID == svc.ID {
			m.services[svc.PatientID] = append(loaded[:i], loaded[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err := m.store.DeleteService(ctx, svc.ID); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	slog.Info("Service deleted", "service_id", svc.ID, "patient_id", svc.PatientID)
	return nil
}

// CheckTrigger fires every loaded service of the patient whose stored
// payload matches the sent one. Dispatch is fire-and-forget; a patient
// with no loaded services is a no-op.
func (m *ClassMultiplexer) CheckTrigger(patientID string, sent models.TriggerPayload) {
	m.mu.Lock()
	matched := make([]*models.Service, 0, 2)
	for _, svc := range m.services[patientID] {
		if m.class.CheckPayload(sent, svc.Trigger.Payload) {
			matched = append(matched, svc)
		}
	}
	m.mu.Unlock()

	for _, svc := range matched {
		slog.Debug("Trigger matched service", "service_id", svc.ID,
			"class", m.class.TriggerClass(), "patient_id", patientID)
		dispatchAction(m.dispatch, svc, false)
	}
}

// armLocked indexes a service and starts its scheduled trigger, if any.
// Caller holds m.mu.
func (m *ClassMultiplexer) armLocked(svc *models.Service) error {
	if _, exists := m.running[svc.ID]; exists {
		return fmt.Errorf("service %s: %w", svc.ID, models.ErrServiceAlreadyRunning)
	}
	handle, err := NewRunning(svc, m.dispatch, m.runOpts...)
	if err != nil {
		return err
	}
	if handle != nil {
		m.running[svc.ID] = handle
	} else {
		// Non-scheduled classes still occupy a slot so double-loading a
		// patient fails loudly instead of duplicating fires.
		m.running[svc.ID] = noopRunning{}
	}
	m.services[svc.PatientID] = append(m.services[svc.PatientID], svc)
	return nil
}

type noopRunning struct{}

func (noopRunning) Release() {}

// MainMultiplexer fans class-typed operations out to the per-class
// multiplexers and owns the load/unload lifecycle tied to patient sessions.
type MainMultiplexer struct {
	store   ServiceStore
	classes map[models.TriggerClass]*ClassMultiplexer
}

// NewMainMultiplexer builds the four per-class multiplexers over a shared
// store and dispatcher.
func NewMainMultiplexer(store ServiceStore, dispatch ActionDispatch, runOpts ...RunnerOption) *MainMultiplexer {
	classes := make(map[models.TriggerClass]*ClassMultiplexer, 4)
	for _, class := range []Class{intentClass{}, periodicClass{}, timeRangeClass{}, zoneTypeClass{}} {
		classes[class.TriggerClass()] = NewClassMultiplexer(class, store, dispatch, runOpts...)
	}
	return &MainMultiplexer{store: store, classes: classes}
}

func (m *MainMultiplexer) forClass(class models.TriggerClass) (*ClassMultiplexer, error) {
	mux, ok := m.classes[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTriggerClass, class)
	}
	return mux, nil
}

// LoadForPatient reads the patient's stored services and arms all of them,
// grouped by class. Called when a patient session authenticates.
func (m *MainMultiplexer) LoadForPatient(ctx context.Context, patientID string) error {
	services, err := m.store.ListServicesForPatient(ctx, patientID)
	if err != nil {
		return fmt.Errorf("failed to list services for patient %s: %w", patientID, err)
	}
	byClass := make(map[models.TriggerClass][]*models.Service)
	for _, svc := range services {
		byClass[svc.Trigger.Class] = append(byClass[svc.Trigger.Class], svc)
	}
	for class, mux := range m.classes {
		if err := mux.Init(patientID, byClass[class]); err != nil {
			m.UnloadForPatient(patientID)
			return err
		}
	}
	slog.Info("Services loaded for patient", "patient_id", patientID, "count", len(services))
	return nil
}

// UnloadForPatient releases every armed service of the patient across all
// classes. Safe to call for a patient that was never loaded.
func (m *MainMultiplexer) UnloadForPatient(patientID string) {
	for _, mux := range m.classes {
		mux.Uninit(patientID)
	}
}

// AddService persists and arms a new service of the given class.
func (m *MainMultiplexer) AddService(ctx context.Context, patientID string, class models.TriggerClass, trigger models.TriggerPayload, action models.Action) (*models.Service, error) {
	mux, err := m.forClass(class)
	if err != nil {
		return nil, err
	}
	return mux.Add(ctx, patientID, trigger, action)
}

// DeleteService removes a service by id, loaded or not.
func (m *MainMultiplexer) DeleteService(ctx context.Context, serviceID string) error {
	svc, err := m.store.GetService(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("failed to get service %s: %w", serviceID, err)
	}
	mux, err := m.forClass(svc.Trigger.Class)
	if err != nil {
		return err
	}
	return mux.Delete(ctx, svc)
}

// CheckTrigger routes a fired payload to the matching class multiplexer.
func (m *MainMultiplexer) CheckTrigger(patientID string, class models.TriggerClass, sent models.TriggerPayload) error {
	mux, err := m.forClass(class)
	if err != nil {
		return err
	}
	mux.CheckTrigger(patientID, sent)
	return nil
}
