// Package store provides storage backends for CarePipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/CarePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveToken(ctx context.Context, record models.TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens (token, subject_id) VALUES (?, ?)`,
		record.Token, record.SubjectID)
	if err != nil {
		slog.Error("SQLiteStore SaveToken failed", "error", err, "subject_id", record.SubjectID)
		return fmt.Errorf("failed to insert token for %s: %w", record.SubjectID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token)
	if err != nil {
		slog.Error("SQLiteStore DeleteToken failed", "error", err)
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTokensForSubject(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE subject_id = ?`, subjectID)
	if err != nil {
		slog.Error("SQLiteStore DeleteTokensForSubject failed", "error", err, "subject_id", subjectID)
		return fmt.Errorf("failed to delete tokens for %s: %w", subjectID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTokens(ctx context.Context) ([]models.TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token, subject_id FROM tokens`)
	if err != nil {
		slog.Error("SQLiteStore ListTokens query failed", "error", err)
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var records []models.TokenRecord
	for rows.Next() {
		var r models.TokenRecord
		if err := rows.Scan(&r.Token, &r.SubjectID); err != nil {
			slog.Error("SQLiteStore ListTokens scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate token rows: %w", err)
	}
	slog.Debug("SQLiteStore ListTokens succeeded", "count", len(records))
	return records, nil
}

func (s *SQLiteStore) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	var p models.Patient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, secret, full_name, battery, state, neutral_is_dangerous FROM patients WHERE id = ?`,
		patientID).Scan(&p.ID, &p.Secret, &p.FullName, &p.Battery, &p.State, &p.NeutralIsDangerous)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetPatient failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to get patient %s: %w", patientID, err)
	}
	return &p, nil
}

func (s *SQLiteStore) SavePatient(ctx context.Context, patient *models.Patient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO patients (id, secret, full_name, battery, state, neutral_is_dangerous)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		patient.ID, patient.Secret, patient.FullName, patient.Battery, patient.State, patient.NeutralIsDangerous)
	if err != nil {
		slog.Error("SQLiteStore SavePatient failed", "error", err, "patient_id", patient.ID)
		return fmt.Errorf("failed to save patient %s: %w", patient.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	var phone, jid sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, full_name, phone, whatsapp_jid FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.FullName, &phone, &jid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	u.Phone = phone.String
	u.WhatsAppJID = jid.String
	return &u, nil
}

func (s *SQLiteStore) SaveUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (id, full_name, phone, whatsapp_jid) VALUES (?, ?, ?, ?)`,
		user.ID, user.FullName, nilIfEmpty(user.Phone), nilIfEmpty(user.WhatsAppJID))
	if err != nil {
		slog.Error("SQLiteStore SaveUser failed", "error", err, "user_id", user.ID)
		return fmt.Errorf("failed to save user %s: %w", user.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SavePatientUser(ctx context.Context, link models.PatientUser) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO patient_users (patient_id, user_id) VALUES (?, ?)`,
		link.PatientID, link.UserID)
	if err != nil {
		slog.Error("SQLiteStore SavePatientUser failed", "error", err,
			"patient_id", link.PatientID, "user_id", link.UserID)
		return fmt.Errorf("failed to save pairing link: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsersForPatient(ctx context.Context, patientID string) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.full_name, u.phone, u.whatsapp_jid FROM users u
		 JOIN patient_users pu ON pu.user_id = u.id WHERE pu.patient_id = ?`, patientID)
	if err != nil {
		slog.Error("SQLiteStore ListUsersForPatient query failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to query paired users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		var phone, jid sql.NullString
		if err := rows.Scan(&u.ID, &u.FullName, &phone, &jid); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		u.Phone = phone.String
		u.WhatsAppJID = jid.String
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	return users, nil
}

func (s *SQLiteStore) GetUserSettings(ctx context.Context, userID string) (models.UserSettings, error) {
	settings := models.UserSettings{UserID: userID, NotifSafeZoneTracking: true, NotifOfflinePatient: true}
	err := s.db.QueryRowContext(ctx,
		`SELECT notif_safe_zone_tracking, notif_offline_patient FROM user_settings WHERE user_id = ?`,
		userID).Scan(&settings.NotifSafeZoneTracking, &settings.NotifOfflinePatient)
	if errors.Is(err, sql.ErrNoRows) {
		// Absent settings opt in to everything.
		return settings, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserSettings failed", "error", err, "user_id", userID)
		return settings, fmt.Errorf("failed to get settings for %s: %w", userID, err)
	}
	return settings, nil
}

func (s *SQLiteStore) SaveUserSettings(ctx context.Context, settings models.UserSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO user_settings (user_id, notif_safe_zone_tracking, notif_offline_patient)
		 VALUES (?, ?, ?)`,
		settings.UserID, settings.NotifSafeZoneTracking, settings.NotifOfflinePatient)
	if err != nil {
		slog.Error("SQLiteStore SaveUserSettings failed", "error", err, "user_id", settings.UserID)
		return fmt.Errorf("failed to save settings for %s: %w", settings.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveZone(ctx context.Context, zone *models.Zone) error {
	if err := zone.Validate(); err != nil {
		return err
	}
	points, err := zonePointsArg(zone)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO zones (`+zoneColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		zone.ID, zone.PatientID, zone.Kind, zone.Name, zone.Color, zone.Safety,
		points, zone.Center.Lat, zone.Center.Lng, zone.Radius)
	if err != nil {
		slog.Error("SQLiteStore SaveZone failed", "error", err, "zone_id", zone.ID)
		return fmt.Errorf("failed to save zone %s: %w", zone.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteZone(ctx context.Context, zoneID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, zoneID)
	if err != nil {
		slog.Error("SQLiteStore DeleteZone failed", "error", err, "zone_id", zoneID)
		return fmt.Errorf("failed to delete zone %s: %w", zoneID, err)
	}
	return nil
}

func (s *SQLiteStore) ListZonesForPatient(ctx context.Context, patientID string) ([]*models.Zone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+zoneColumns+` FROM zones WHERE patient_id = ? ORDER BY id`, patientID)
	if err != nil {
		slog.Error("SQLiteStore ListZonesForPatient query failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []*models.Zone
	for rows.Next() {
		zone, err := scanZone(rows)
		if err != nil {
			slog.Error("SQLiteStore ListZonesForPatient scan failed", "error", err)
			return nil, err
		}
		zones = append(zones, zone)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate zone rows: %w", err)
	}
	return zones, nil
}

func (s *SQLiteStore) SaveService(ctx context.Context, svc *models.Service) error {
	triggerJSON, actionJSON, err := serviceArgs(svc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO services (`+serviceColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		svc.ID, svc.PatientID, svc.Trigger.Class, triggerJSON, svc.Action.Type, actionJSON)
	if err != nil {
		slog.Error("SQLiteStore SaveService failed", "error", err, "service_id", svc.ID)
		return fmt.Errorf("failed to save service %s: %w", svc.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteService(ctx context.Context, serviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, serviceID)
	if err != nil {
		slog.Error("SQLiteStore DeleteService failed", "error", err, "service_id", serviceID)
		return fmt.Errorf("failed to delete service %s: %w", serviceID, err)
	}
	return nil
}

func (s *SQLiteStore) GetService(ctx context.Context, serviceID string) (*models.Service, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = ?`, serviceID)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetService failed", "error", err, "service_id", serviceID)
		return nil, fmt.Errorf("failed to get service %s: %w", serviceID, err)
	}
	return svc, nil
}

func (s *SQLiteStore) ListServicesForPatient(ctx context.Context, patientID string) ([]*models.Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE patient_id = ? ORDER BY id`, patientID)
	if err != nil {
		slog.Error("SQLiteStore ListServicesForPatient query failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var services []*models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			slog.Error("SQLiteStore ListServicesForPatient scan failed", "error", err)
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate service rows: %w", err)
	}
	slog.Debug("SQLiteStore ListServicesForPatient succeeded", "patient_id", patientID, "count", len(services))
	return services, nil
}

func (s *SQLiteStore) AddZoneEvent(ctx context.Context, event *models.PatientZoneEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zone_events (id, patient_id, zone_id, range_begin, range_end) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.PatientID, nilIfEmpty(event.ZoneID), event.RangeBegin, event.RangeEnd)
	if err != nil {
		slog.Error("SQLiteStore AddZoneEvent failed", "error", err, "patient_id", event.PatientID)
		return fmt.Errorf("failed to insert zone event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListZoneEventsForPatient(ctx context.Context, patientID string) ([]*models.PatientZoneEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id, zone_id, range_begin, range_end FROM zone_events
		 WHERE patient_id = ? ORDER BY range_begin`, patientID)
	if err != nil {
		slog.Error("SQLiteStore ListZoneEventsForPatient query failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to query zone events: %w", err)
	}
	defer rows.Close()

	var events []*models.PatientZoneEvent
	for rows.Next() {
		var e models.PatientZoneEvent
		var zoneID sql.NullString
		if err := rows.Scan(&e.ID, &e.PatientID, &zoneID, &e.RangeBegin, &e.RangeEnd); err != nil {
			return nil, fmt.Errorf("failed to scan zone event row: %w", err)
		}
		e.ZoneID = zoneID.String
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate zone event rows: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) PruneZoneEvents(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM zone_events WHERE range_end < ?`, before)
	if err != nil {
		slog.Error("SQLiteStore PruneZoneEvents failed", "error", err)
		return 0, fmt.Errorf("failed to prune zone events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) AddNotification(ctx context.Context, notification *models.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, title, message, category, time) VALUES (?, ?, ?, ?, ?, ?)`,
		notification.ID, notification.UserID, notification.Title, notification.Message,
		nilIfEmpty(string(notification.Category)), notification.Time)
	if err != nil {
		slog.Error("SQLiteStore AddNotification failed", "error", err, "user_id", notification.UserID)
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNotificationsForUser(ctx context.Context, userID string) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, message, category, time FROM notifications
		 WHERE user_id = ? ORDER BY time`, userID)
	if err != nil {
		slog.Error("SQLiteStore ListNotificationsForUser query failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		var n models.Notification
		var category sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &category, &n.Time); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		n.Category = models.NotificationCategory(category.String)
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification rows: %w", err)
	}
	return notifications, nil
}

func (s *SQLiteStore) PruneNotifications(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE time < ?`, before)
	if err != nil {
		slog.Error("SQLiteStore PruneNotifications failed", "error", err)
		return 0, fmt.Errorf("failed to prune notifications: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
