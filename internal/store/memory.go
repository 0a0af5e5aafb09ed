// Package store provides storage backends for CarePipe.
//
// This file implements the in-memory store used by tests and development
// deployments.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// InMemoryStore keeps everything in process memory. Safe for concurrent
// use; contents are lost on shutdown.
type InMemoryStore struct {
	mu            sync.RWMutex
	tokens        []models.TokenRecord
	patients      map[string]models.Patient
	users         map[string]models.User
	links         []models.PatientUser
	settings      map[string]models.UserSettings
	zones         map[string]models.Zone
	services      map[string]models.Service
	zoneEvents    []models.PatientZoneEvent
	notifications []models.Notification
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patients: make(map[string]models.Patient),
		users:    make(map[string]models.User),
		settings: make(map[string]models.UserSettings),
		zones:    make(map[string]models.Zone),
		services: make(map[string]models.Service),
	}
}

func (s *InMemoryStore) SaveToken(_ context.Context, record models.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tokens {
		if r.Token == record.Token {
			return nil
		}
	}
	s.tokens = append(s.tokens, record)
	return nil
}

func (s *InMemoryStore) DeleteToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tokens[:0]
	for _, r := range s.tokens {
		if r.Token != token {
			kept = append(kept, r)
		}
	}
	s.tokens = kept
	return nil
}

func (s *InMemoryStore) DeleteTokensForSubject(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tokens[:0]
	for _, r := range s.tokens {
		if r.SubjectID != subjectID {
			kept = append(kept, r)
		}
	}
	s.tokens = kept
	return nil
}

func (s *InMemoryStore) ListTokens(_ context.Context) ([]models.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TokenRecord, len(s.tokens))
	copy(out, s.tokens)
	return out, nil
}

func (s *InMemoryStore) GetPatient(_ context.Context, patientID string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	patient, ok := s.patients[patientID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &patient, nil
}

func (s *InMemoryStore) SavePatient(_ context.Context, patient *models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[patient.ID] = *patient
	return nil
}

func (s *InMemoryStore) GetUser(_ context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &user, nil
}

func (s *InMemoryStore) SaveUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = *user
	return nil
}

func (s *InMemoryStore) SavePatientUser(_ context.Context, link models.PatientUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l == link {
			return nil
		}
	}
	s.links = append(s.links, link)
	return nil
}

func (s *InMemoryStore) ListUsersForPatient(_ context.Context, patientID string) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.User
	for _, l := range s.links {
		if l.PatientID != patientID {
			continue
		}
		if user, ok := s.users[l.UserID]; ok {
			u := user
			out = append(out, &u)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetUserSettings(_ context.Context, userID string) (models.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[userID]
	if !ok {
		// Absent settings opt in to everything.
		return models.UserSettings{UserID: userID, NotifSafeZoneTracking: true, NotifOfflinePatient: true}, nil
	}
	return settings, nil
}

func (s *InMemoryStore) SaveUserSettings(_ context.Context, settings models.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.UserID] = settings
	return nil
}

func (s *InMemoryStore) SaveZone(_ context.Context, zone *models.Zone) error {
	if err := zone.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[zone.ID] = *zone
	return nil
}

func (s *InMemoryStore) DeleteZone(_ context.Context, zoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.zones, zoneID)
	return nil
}

func (s *InMemoryStore) ListZonesForPatient(_ context.Context, patientID string) ([]*models.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Zone
	for _, zone := range s.zones {
		if zone.PatientID == patientID {
			z := zone
			out = append(out, &z)
		}
	}
	// Map iteration order is random; zone matching is order sensitive, so
	// keep the listing stable.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveService(_ context.Context, svc *models.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = *svc
	return nil
}

func (s *InMemoryStore) DeleteService(_ context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, serviceID)
	return nil
}

func (s *InMemoryStore) GetService(_ context.Context, serviceID string) (*models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &svc, nil
}

func (s *InMemoryStore) ListServicesForPatient(_ context.Context, patientID string) ([]*models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Service
	for _, svc := range s.services {
		if svc.PatientID == patientID {
			sv := svc
			out = append(out, &sv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) AddZoneEvent(_ context.Context, event *models.PatientZoneEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zoneEvents = append(s.zoneEvents, *event)
	return nil
}

func (s *InMemoryStore) ListZoneEventsForPatient(_ context.Context, patientID string) ([]*models.PatientZoneEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PatientZoneEvent
	for _, event := range s.zoneEvents {
		if event.PatientID == patientID {
			e := event
			out = append(out, &e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) PruneZoneEvents(_ context.Context, before int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.zoneEvents[:0]
	var pruned int64
	for _, event := range s.zoneEvents {
		if event.RangeEnd < before {
			pruned++
			continue
		}
		kept = append(kept, event)
	}
	s.zoneEvents = kept
	return pruned, nil
}

func (s *InMemoryStore) AddNotification(_ context.Context, notification *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *notification)
	return nil
}

func (s *InMemoryStore) ListNotificationsForUser(_ context.Context, userID string) ([]*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Notification
	for _, notification := range s.notifications {
		if notification.UserID == userID {
			n := notification
			out = append(out, &n)
		}
	}
	return out, nil
}

func (s *InMemoryStore) PruneNotifications(_ context.Context, before int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.notifications[:0]
	var pruned int64
	for _, notification := range s.notifications {
		if notification.Time < before {
			pruned++
			continue
		}
		kept = append(kept, notification)
	}
	s.notifications = kept
	return pruned, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
