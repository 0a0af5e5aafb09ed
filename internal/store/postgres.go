// Package store provides storage backends for CarePipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CarePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	// Run migrations to ensure tables exist
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveToken(ctx context.Context, record models.TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, subject_id) VALUES ($1, $2) ON CONFLICT (token) DO NOTHING`,
		record.Token, record.SubjectID)
	if err != nil {
		slog.Error("PostgresStore SaveToken failed", "error", err, "subject_id", record.SubjectID)
		return fmt.Errorf("failed to insert token for %s: %w", record.SubjectID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = $1`, token)
	if err != nil {
		slog.Error("PostgresStore DeleteToken failed", "error", err)
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTokensForSubject(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE subject_id = $1`, subjectID)
	if err != nil {
		slog.Error("PostgresStore DeleteTokensForSubject failed", "error", err, "subject_id", subjectID)
		return fmt.Errorf("failed to delete tokens for %s: %w", subjectID, err)
	}
	return nil
}

func (s *PostgresStore) ListTokens(ctx context.Context) ([]models.TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token, subject_id FROM tokens`)
	if err != nil {
		slog.Error("PostgresStore ListTokens query failed", "error", err)
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var records []models.TokenRecord
	for rows.Next() {
		var r models.TokenRecord
		if err := rows.Scan(&r.Token, &r.SubjectID); err != nil {
			slog.Error("PostgresStore ListTokens scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate token rows: %w", err)
	}
	slog.Debug("PostgresStore ListTokens succeeded", "count", len(records))
	return records, nil
}

func (s *PostgresStore) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	var p models.Patient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, secret, full_name, battery, state, neutral_is_dangerous FROM patients WHERE id = $1`,
		patientID).Scan(&p.ID, &p.Secret, &p.FullName, &p.Battery, &p.State, &p.NeutralIsDangerous)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetPatient failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to get patient %s: %w", patientID, err)
	}
	return &p, nil
}

func (s *PostgresStore) SavePatient(ctx context.Context, patient *models.Patient) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (id, secret, full_name, battery, state, neutral_is_dangerous)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET secret = $2, full_name = $3, battery = $4, state = $5, neutral_is_dangerous = $6`,
		patient.ID, patient.Secret, patient.FullName, patient.Battery, patient.State, patient.NeutralIsDangerous)
	if err != nil {
		slog.Error("PostgresStore SavePatient failed", "error", err, "patient_id", patient.ID)
		return fmt.Errorf("failed to save patient %s: %w", patient.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	var phone, jid sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, full_name, phone, whatsapp_jid FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.FullName, &phone, &jid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	u.Phone = phone.String
	u.WhatsAppJID = jid.String
	return &u, nil
}

func (s *PostgresStore) SaveUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, full_name, phone, whatsapp_jid) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET full_name = $2, phone = $3, whatsapp_jid = $4`,
		user.ID, user.FullName, nilIfEmpty(user.Phone), nilIfEmpty(user.WhatsAppJID))
	if err != nil {
		slog.Error("PostgresStore SaveUser failed", "error", err, "user_id", user.ID)
		return fmt.Errorf("failed to save user %s: %w", user.ID, err)
	}
	return nil
}

func (s *PostgresStore) SavePatientUser(ctx context.Context, link models.PatientUser) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patient_users (patient_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		link.PatientID, link.UserID)
	if err != nil {
		slog.Error("PostgresStore SavePatientUser failed", "error", err,
			"patient_id", link.PatientID, "user_id", link.UserID)
		return fmt.Errorf("failed to save pairing link: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsersForPatient(ctx context.Context, patientID string) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.full_name, u.phone, u.whatsapp_jid FROM users u
		 JOIN patient_users pu ON pu.user_id = u.id WHERE pu.patient_id = $1`, patientID)
	if err != nil {
		slog.Error("PostgresStore ListUsersForPatient query failed", "error", err, "patient_id", patientID)
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

func (s *PostgresStore) GetUserSettings(ctx context.Context, userID string) (models.UserSettings, error) {
	settings := models.UserSettings{UserID: userID, NotifSafeZoneTracking: true, NotifOfflinePatient: true}
	err := s.db.QueryRowContext(ctx,
		`SELECT notif_safe_zone_tracking, notif_offline_patient FROM user_settings WHERE user_id = $1`,
		userID).Scan(&settings.NotifSafeZoneTracking, &settings.NotifOfflinePatient)
	if errors.Is(err, sql.ErrNoRows) {
		// Absent settings opt in to everything.
		return settings, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserSettings failed", "error", err, "user_id", userID)
		return settings, fmt.Errorf("failed to get settings for %s: %w", userID, err)
	}
	return settings, nil
}

func (s *PostgresStore) SaveUserSettings(ctx context.Context, settings models.UserSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, notif_safe_zone_tracking, notif_offline_patient)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET notif_safe_zone_tracking = $2, notif_offline_patient = $3`,
		settings.UserID, settings.NotifSafeZoneTracking, settings.NotifOfflinePatient)
	if err != nil {
		slog.Error("PostgresStore SaveUserSettings failed", "error", err, "user_id", settings.UserID)
		return fmt.Errorf("failed to save settings for %s: %w", settings.UserID, err)
	}
	return nil
}

func (s *PostgresStore) SaveZone(ctx context.Context, zone *models.Zone) error {
	if err := zone.Validate(); err != nil {
		return err
	}
	points, err := zonePointsArg(zone)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO zones (`+zoneColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET patient_id = $2, kind = $3, name = $4, color = $5,
		 safety = $6, points = $7, center_lat = $8, center_lng = $9, radius = $10`,
		zone.ID, zone.PatientID, zone.Kind, zone.Name, zone.Color, zone.Safety,
		points, zone.Center.Lat, zone.Center.Lng, zone.Radius)
	if err != nil {
		slog.Error("PostgresStore SaveZone failed", "error", err, "zone_id", zone.ID)
		return fmt.Errorf("failed to save zone %s: %w", zone.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteZone(ctx context.Context, zoneID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = $1`, zoneID)
	if err != nil {
		slog.Error("PostgresStore DeleteZone failed", "error", err, "zone_id", zoneID)
		return fmt.Errorf("failed to delete zone %s: %w", zoneID, err)
	}
	return nil
}

func (s *PostgresStore) ListZonesForPatient(ctx context.Context, patientID string) ([]*models.Zone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+zoneColumns+` FROM zones WHERE patient_id = $1 ORDER BY id`, patientID)
	if err != nil {
		slog.Error("PostgresStore ListZonesForPatient query failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []*models.Zone
	for rows.Next() {
		zone, err := scanZone(rows)
		if err != nil {
			slog.Error("PostgresStore ListZonesForPatient scan failed", "error", err)
			return nil, err
		}
		zones = append(zones, zone)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate zone rows: %w", err)
	}
	return zones, nil
}

func (s *PostgresStore) SaveService(ctx context.Context, svc *models.Service) error {
	triggerJSON, actionJSON, err := serviceArgs(svc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO services (`+serviceColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET patient_id = $2, trigger_class = $3,
		 trigger_payload = $4, action_type = $5, action_payload = $6`,
		svc.ID, svc.PatientID, svc.Trigger.Class, triggerJSON, svc.Action.Type, actionJSON)
	if err != nil {
		slog.Error("PostgresStore SaveService failed", "error", err, "service_id", svc.ID)
		return fmt.Errorf("failed to save service %s: %w", svc.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteService(ctx context.Context, serviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = $1`, serviceID)
	if err != nil {
		slog.Error("PostgresStore DeleteService failed", "error", err, "service_id", serviceID)
		return fmt.Errorf("failed to delete service %s: %w", serviceID, err)
	}
	return nil
}

func (s *PostgresStore) GetService(ctx context.Context, serviceID string) (*models.Service, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = $1`, serviceID)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetService failed", "error", err, "service_id", serviceID)
		return nil, fmt.Errorf("failed to get service %s: %w", serviceID, err)
	}
	return svc, nil
}

func (s *PostgresStore) ListServicesForPatient(ctx context.Context, patientID string) ([]*models.Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE patient_id = $1 ORDER BY id`, patientID)
	if err != nil {
		slog.Error("PostgresStore ListServicesForPatient query failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var services []*models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			slog.Error("PostgresStore ListServicesForPatient scan failed", "error", err)
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate service rows: %w", err)
	}
	slog.Debug("PostgresStore ListServicesForPatient succeeded", "patient_id", patientID, "count", len(services))
	return services, nil
}

func (s *PostgresStore) AddZoneEvent(ctx context.Context, event *models.PatientZoneEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zone_events (id, patient_id, zone_id, range_begin, range_end) VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.PatientID, nilIfEmpty(event.ZoneID), event.RangeBegin, event.RangeEnd)
	if err != nil {
		slog.Error("PostgresStore AddZoneEvent failed", "error", err, "patient_id", event.PatientID)
		return fmt.Errorf("failed to insert zone event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListZoneEventsForPatient(ctx context.Context, patientID string) ([]*models.PatientZoneEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id, zone_id, range_begin, range_end FROM zone_events
		 WHERE patient_id = $1 ORDER BY range_begin`, patientID)
	if err != nil {
		slog.Error("PostgresStore ListZoneEventsForPatient query failed", "error", err, "patient_id", patientID)
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

func (s *PostgresStore) PruneZoneEvents(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM zone_events WHERE range_end < $1`, before)
	if err != nil {
		slog.Error("PostgresStore PruneZoneEvents failed", "error", err)
		return 0, fmt.Errorf("failed to prune zone events: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) AddNotification(ctx context.Context, notification *models.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, title, message, category, time) VALUES ($1, $2, $3, $4, $5, $6)`,
		notification.ID, notification.UserID, notification.Title, notification.Message,
		nilIfEmpty(string(notification.Category)), notification.Time)
	if err != nil {
		slog.Error("PostgresStore AddNotification failed", "error", err, "user_id", notification.UserID)
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotificationsForUser(ctx context.Context, userID string) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, message, category, time FROM notifications
		 WHERE user_id = $1 ORDER BY time`, userID)
	if err != nil {
		slog.Error("PostgresStore ListNotificationsForUser query failed", "error", err, "user_id", userID)
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

func (s *PostgresStore) PruneNotifications(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE time < $1`, before)
	if err != nil {
		slog.Error("PostgresStore PruneNotifications failed", "error", err)
		return 0, fmt.Errorf("failed to prune notifications: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
