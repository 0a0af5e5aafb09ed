package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// serviceColumns is the column order shared by scanService and the queries
// in both SQL backends.
const serviceColumns = "id, patient_id, trigger_class, trigger_payload, action_type, action_payload"

func scanService(row rowScanner) (*models.Service, error) {
	var svc models.Service
	var triggerJSON, actionJSON sql.NullString
	err := row.Scan(&svc.ID, &svc.PatientID, &svc.Trigger.Class, &triggerJSON, &svc.Action.Type, &actionJSON)
	if err != nil {
		return nil, err
	}
	if triggerJSON.Valid && triggerJSON.String != "" {
		if err := json.Unmarshal([]byte(triggerJSON.String), &svc.Trigger.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode trigger payload for service %s: %w", svc.ID, err)
		}
	}
	if actionJSON.Valid && actionJSON.String != "" {
		if err := json.Unmarshal([]byte(actionJSON.String), &svc.Action.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode action payload for service %s: %w", svc.ID, err)
		}
	}
	return &svc, nil
}

func serviceArgs(svc *models.Service) (triggerJSON, actionJSON string, err error) {
	trigger, err := json.Marshal(svc.Trigger.Payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode trigger payload: %w", err)
	}
	action, err := json.Marshal(svc.Action.Payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode action payload: %w", err)
	}
	return string(trigger), string(action), nil
}

// zoneColumns is the column order shared by scanZone and the queries in
// both SQL backends.
const zoneColumns = "id, patient_id, kind, name, color, safety, points, center_lat, center_lng, radius"

func scanZone(row rowScanner) (*models.Zone, error) {
	var zone models.Zone
	var pointsJSON sql.NullString
	err := row.Scan(&zone.ID, &zone.PatientID, &zone.Kind, &zone.Name, &zone.Color,
		&zone.Safety, &pointsJSON, &zone.Center.Lat, &zone.Center.Lng, &zone.Radius)
	if err != nil {
		return nil, err
	}
	if pointsJSON.Valid && pointsJSON.String != "" {
		if err := json.Unmarshal([]byte(pointsJSON.String), &zone.Points); err != nil {
			return nil, fmt.Errorf("failed to decode points for zone %s: %w", zone.ID, err)
		}
	}
	return &zone, nil
}

func zonePointsArg(zone *models.Zone) (interface{}, error) {
	if len(zone.Points) == 0 {
		return nil, nil
	}
	points, err := json.Marshal(zone.Points)
	if err != nil {
		return nil, fmt.Errorf("failed to encode zone points: %w", err)
	}
	return string(points), nil
}
