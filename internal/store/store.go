// Package store provides storage backends for CarePipe.
//
// It includes an in-memory store for tests and development, and SQLite and
// PostgreSQL backed stores for deployment. All backends implement the Store
// interface consumed by the auth, trigger, session and scheduler packages.
package store

import (
	"context"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Store is the full persistence surface of the core.
type Store interface {
	// Tokens.
	SaveToken(ctx context.Context, record models.TokenRecord) error
	DeleteToken(ctx context.Context, token string) error
	DeleteTokensForSubject(ctx context.Context, subjectID string) error
	ListTokens(ctx context.Context) ([]models.TokenRecord, error)

	// Patients and caregiver accounts.
	GetPatient(ctx context.Context, patientID string) (*models.Patient, error)
	SavePatient(ctx context.Context, patient *models.Patient) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error

	// Pairing links and per-user settings.
	SavePatientUser(ctx context.Context, link models.PatientUser) error
	ListUsersForPatient(ctx context.Context, patientID string) ([]*models.User, error)
	GetUserSettings(ctx context.Context, userID string) (models.UserSettings, error)
	SaveUserSettings(ctx context.Context, settings models.UserSettings) error

	// Zones. Created and edited by the caregiver surface; the core reads
	// them and only writes through tests and provisioning.
	SaveZone(ctx context.Context, zone *models.Zone) error
	DeleteZone(ctx context.Context, zoneID string) error
	ListZonesForPatient(ctx context.Context, patientID string) ([]*models.Zone, error)

	// Automation services.
	SaveService(ctx context.Context, svc *models.Service) error
	DeleteService(ctx context.Context, serviceID string) error
	GetService(ctx context.Context, serviceID string) (*models.Service, error)
	ListServicesForPatient(ctx context.Context, patientID string) ([]*models.Service, error)

	// Zone event history.
	AddZoneEvent(ctx context.Context, event *models.PatientZoneEvent) error
	ListZoneEventsForPatient(ctx context.Context, patientID string) ([]*models.PatientZoneEvent, error)
	PruneZoneEvents(ctx context.Context, before int64) (int64, error)

	// Notifications.
	AddNotification(ctx context.Context, notification *models.Notification) error
	ListNotificationsForUser(ctx context.Context, userID string) ([]*models.Notification, error)
	PruneNotifications(ctx context.Context, before int64) (int64, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports which driver a DSN belongs to: "postgres" for
// URL-style or key=value connection strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}
