// Package models defines the core data structures for CarePipe.
//
// It includes the domain types shared across modules: zones and geometry,
// automation services with their triggers and actions, zone events, and the
// error taxonomy surfaced to session transports.
package models

import (
	"errors"
	"time"
)

// SubjectKind distinguishes the two identity classes tracked by the core.
type SubjectKind string

const (
	// SubjectPatient is a device-bearing patient.
	SubjectPatient SubjectKind = "patient"
	// SubjectUser is an app-bearing caregiver account.
	SubjectUser SubjectKind = "user"
)

// PatientState is the coarse classification of where a patient currently is.
type PatientState string

const (
	PatientStateHome    PatientState = "home"
	PatientStateSafe    PatientState = "safe"
	PatientStateGuard   PatientState = "guard"
	PatientStateUnknown PatientState = "unknown"
)

// ZoneKind defines the geometry shape of a zone.
type ZoneKind string

const (
	// ZoneKindPolygon is an ordered list of vertices.
	ZoneKindPolygon ZoneKind = "polygon"
	// ZoneKindCircle is a center point with a radius in meters.
	ZoneKindCircle ZoneKind = "circle"
)

// ZoneSafety is the caregiver-assigned safety classification of a zone.
type ZoneSafety string

const (
	ZoneSafetyHome    ZoneSafety = "home"
	ZoneSafetySafe    ZoneSafety = "safe"
	ZoneSafetyDanger  ZoneSafety = "danger"
	ZoneSafetyNeutral ZoneSafety = "neutral"
)

// IsSafe reports whether the classification counts as safe for tracking.
func (s ZoneSafety) IsSafe() bool {
	return s != ZoneSafetyDanger
}

// LatLng is a GPS coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validation constants for zone geometry.
const (
	// MinPolygonPoints is the minimum vertex count for a polygon zone.
	MinPolygonPoints = 1
)

// Error variables for better error handling and testability
var (
	ErrNotAuthenticated       = errors.New("not authenticated")
	ErrZoneGeometryMismatch   = errors.New("zone geometry does not match zone kind")
	ErrInvalidZoneKind        = errors.New("invalid zone kind")
	ErrServiceAlreadyRunning  = errors.New("service already has a running instance")
	ErrUnknownTriggerClass    = errors.New("unknown trigger class")
	ErrUnknownActionType      = errors.New("unknown action type")
	ErrPairingCodeNotFound    = errors.New("pairing code not found")
	ErrPairingConflict        = errors.New("pairing code already claimed")
	ErrSessionClosed          = errors.New("session is closed")
	ErrNotFound               = errors.New("entity not found")
	ErrInvalidTimeOfDay       = errors.New("time of day out of range")
	ErrMissingTriggerSchedule = errors.New("scheduled trigger payload is missing its schedule")
)

// Zone is a caregiver-defined geofence belonging to exactly one patient.
// Created and edited by caregivers; read-only to the core.
type Zone struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id"`
	Kind      ZoneKind   `json:"type"`
	Name      string     `json:"name"`
	Color     int        `json:"color"`
	Safety    ZoneSafety `json:"safety"`
	Points    []LatLng   `json:"points,omitempty"` // polygon vertices, in order
	Center    LatLng     `json:"center,omitempty"` // circle center
	Radius    float64    `json:"radius,omitempty"` // circle radius in meters
}

// Validate checks the invariant that the geometry payload matches the kind.
func (z *Zone) Validate() error {
	switch z.Kind {
	case ZoneKindPolygon:
		if len(z.Points) < MinPolygonPoints {
			return ErrZoneGeometryMismatch
		}
	case ZoneKindCircle:
		if z.Radius <= 0 {
			return ErrZoneGeometryMismatch
		}
	default:
		return ErrInvalidZoneKind
	}
	return nil
}

// TriggerClass is the category of event that can activate a service.
type TriggerClass string

const (
	TriggerIntent          TriggerClass = "INTENT"
	TriggerPeriodic        TriggerClass = "PERIODIC"
	TriggerTimeRange       TriggerClass = "TIME_RANGE"
	TriggerZoneTypeChanged TriggerClass = "ZONE_TYPE_CHANGED"
)

// IsValidTriggerClass checks if the given trigger class is supported.
func IsValidTriggerClass(c TriggerClass) bool {
	switch c {
	case TriggerIntent, TriggerPeriodic, TriggerTimeRange, TriggerZoneTypeChanged:
		return true
	default:
		return false
	}
}

// TimeOfDay is a wall-clock instant within a day.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Validate checks that the instant exists on a wall clock.
func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return ErrInvalidTimeOfDay
	}
	return nil
}

// ActivationDays is a day-of-week mask for scheduled triggers.
type ActivationDays struct {
	Mon bool `json:"mon"`
	Tue bool `json:"tue"`
	Wed bool `json:"wed"`
	Thu bool `json:"thu"`
	Fri bool `json:"fri"`
	Sat bool `json:"sat"`
	Sun bool `json:"sun"`
}

// Matches reports whether the mask activates on the weekday of t.
func (d ActivationDays) Matches(t time.Time) bool {
	switch t.Weekday() {
	case time.Monday:
		return d.Mon
	case time.Tuesday:
		return d.Tue
	case time.Wednesday:
		return d.Wed
	case time.Thursday:
		return d.Thu
	case time.Friday:
		return d.Fri
	case time.Saturday:
		return d.Sat
	default:
		return d.Sun
	}
}

// EveryDay is the mask that activates on all weekdays.
func EveryDay() ActivationDays {
	return ActivationDays{Mon: true, Tue: true, Wed: true, Thu: true, Fri: true, Sat: true, Sun: true}
}

// TriggerPayload carries the class-specific trigger configuration.
// Exactly the fields relevant to the trigger class are populated.
type TriggerPayload struct {
	// Intent name, for INTENT triggers.
	Intent string `json:"intent,omitempty"`
	// Time is the daily fire instant for PERIODIC triggers.
	Time *TimeOfDay `json:"time,omitempty"`
	// Start and End bound the window for TIME_RANGE triggers.
	Start *TimeOfDay `json:"start,omitempty"`
	End   *TimeOfDay `json:"end,omitempty"`
	// ActivationDays masks PERIODIC and TIME_RANGE triggers. Nil means every day.
	ActivationDays *ActivationDays `json:"activation_days,omitempty"`
	// ZoneIn and ZoneOut describe a transition for ZONE_TYPE_CHANGED triggers.
	// An unclassified position is represented as ZoneSafetyNeutral.
	ZoneIn  ZoneSafety `json:"zone_in,omitempty"`
	ZoneOut ZoneSafety `json:"zone_out,omitempty"`
}

// Days returns the activation mask, defaulting to every day when unset.
func (p TriggerPayload) Days() ActivationDays {
	if p.ActivationDays == nil {
		return EveryDay()
	}
	return *p.ActivationDays
}

// Trigger pairs a trigger class with its payload.
type Trigger struct {
	Class   TriggerClass   `json:"type"`
	Payload TriggerPayload `json:"payload"`
}

// ActionType identifies what a service does when its trigger fires.
type ActionType string

const (
	ActionSayMessage     ActionType = "SAY_MESSAGE"
	ActionSayTime        ActionType = "SAY_TIME"
	ActionSayDate        ActionType = "SAY_DATE"
	ActionSayZoneChanged ActionType = "SAY_ZONE_CHANGED"
	ActionLockNeutral    ActionType = "LOCK_NEUTRAL"
)

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(a ActionType) bool {
	switch a {
	case ActionSayMessage, ActionSayTime, ActionSayDate, ActionSayZoneChanged, ActionLockNeutral:
		return true
	default:
		return false
	}
}

// ActionPayload carries the action-specific configuration.
type ActionPayload struct {
	Message string `json:"message,omitempty"`
}

// Action pairs an action type with its payload.
type Action struct {
	Type    ActionType    `json:"type"`
	Payload ActionPayload `json:"payload"`
}

// Service is a persisted automation rule pairing one trigger with one
// action. Services are immutable once created: edits are modeled as
// delete+recreate so in-memory scheduled timers are never silently stale.
type Service struct {
	ID        string  `json:"id"`
	PatientID string  `json:"patient_id"`
	Trigger   Trigger `json:"trigger"`
	Action    Action  `json:"action"`
}

// Validate performs validation of the trigger/action pairing.
func (s *Service) Validate() error {
	if !IsValidTriggerClass(s.Trigger.Class) {
		return ErrUnknownTriggerClass
	}
	if !IsValidActionType(s.Action.Type) {
		return ErrUnknownActionType
	}
	switch s.Trigger.Class {
	case TriggerPeriodic:
		if s.Trigger.Payload.Time == nil {
			return ErrMissingTriggerSchedule
		}
		return s.Trigger.Payload.Time.Validate()
	case TriggerTimeRange:
		if s.Trigger.Payload.Start == nil || s.Trigger.Payload.End == nil {
			return ErrMissingTriggerSchedule
		}
		if err := s.Trigger.Payload.Start.Validate(); err != nil {
			return err
		}
		return s.Trigger.Payload.End.Validate()
	}
	return nil
}

// PatientZoneEvent records a closed interval a patient spent in one zone.
// ZoneID is empty for unclassified time, which counts too. Immutable once
// written.
type PatientZoneEvent struct {
	ID         string `json:"id"`
	PatientID  string `json:"patient_id"`
	ZoneID     string `json:"zone_id,omitempty"`
	RangeBegin int64  `json:"range_begin"`
	RangeEnd   int64  `json:"range_end"`
}

// Patient is the device-bearing subject as far as the core needs it.
type Patient struct {
	ID                 string       `json:"id"`
	Secret             string       `json:"-"` // device credential, never serialized
	FullName           string       `json:"full_name"`
	Battery            float64      `json:"battery"`
	State              PatientState `json:"state"`
	NeutralIsDangerous bool         `json:"neutral_is_dangerous"`
}

// User is an app-bearing caregiver account.
type User struct {
	ID          string `json:"id"`
	FullName    string `json:"full_name"`
	Phone       string `json:"phone,omitempty"`
	WhatsAppJID string `json:"whatsapp_jid,omitempty"`
}

// PatientUser links a paired caregiver account to a patient.
type PatientUser struct {
	PatientID string `json:"patient_id"`
	UserID    string `json:"user_id"`
}

// NotificationCategory is a per-user opt-out class for notifications.
type NotificationCategory string

const (
	// NotifSafeZoneTracking gates zone safety notifications.
	NotifSafeZoneTracking NotificationCategory = "notif_safe_zone_tracking"
	// NotifOfflinePatient gates online/offline notifications.
	NotifOfflinePatient NotificationCategory = "notif_offline_patient"
	// NotifNone forces delivery regardless of user settings.
	NotifNone NotificationCategory = ""
)

// UserSettings holds per-user notification toggles. A false field opts
// the user out of that category; stores return every toggle on when no
// row exists yet.
type UserSettings struct {
	UserID                string `json:"user_id"`
	NotifSafeZoneTracking bool   `json:"notif_safe_zone_tracking"`
	NotifOfflinePatient   bool   `json:"notif_offline_patient"`
}

// Enabled reports whether the settings allow the given category.
func (s UserSettings) Enabled(category NotificationCategory) bool {
	switch category {
	case NotifSafeZoneTracking:
		return s.NotifSafeZoneTracking
	case NotifOfflinePatient:
		return s.NotifOfflinePatient
	default:
		return true
	}
}

// Notification is a persisted user-facing notification.
type Notification struct {
	ID       string               `json:"id"`
	UserID   string               `json:"user_id"`
	Title    string               `json:"title"`
	Message  string               `json:"message"`
	Category NotificationCategory `json:"category,omitempty"`
	Time     int64                `json:"time"`
}

// TokenRecord is the persisted form of an issued capability token.
type TokenRecord struct {
	Token     string `json:"token"`
	SubjectID string `json:"subject_id"`
}

// ResourceKind classifies rate-limited resources at the quota service.
type ResourceKind string

const (
	ResourceDB    ResourceKind = "db"
	ResourceNLP   ResourceKind = "nlp"
	ResourceTTS   ResourceKind = "tts"
	ResourceMails ResourceKind = "mails"
)
