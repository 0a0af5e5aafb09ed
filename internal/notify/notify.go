// Package notify delivers caregiver notifications for CarePipe.
//
// Notifications are always persisted to the store so the caregiver app can
// list them; push delivery over SMS and WhatsApp happens on top, gated by
// the per-user notification settings.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Messenger sends a text message to an external address. Implemented by
// the SMS and WhatsApp clients in this package.
type Messenger interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Sink receives notifications for a user. The session layer calls it for
// every paired caregiver of a patient.
type Sink interface {
	Deliver(ctx context.Context, user *models.User, notification *models.Notification) error
}

// SettingsStore is the slice of the store the sink needs.
type SettingsStore interface {
	GetUserSettings(ctx context.Context, userID string) (models.UserSettings, error)
	AddNotification(ctx context.Context, notification *models.Notification) error
}

// Opts holds configuration options for the store sink.
type Opts struct {
	SMS      Messenger
	WhatsApp Messenger
}

// Option defines a configuration option for the store sink.
type Option func(*Opts)

// WithSMS attaches an SMS push channel.
func WithSMS(m Messenger) Option {
	return func(o *Opts) {
		o.SMS = m
	}
}

// WithWhatsApp attaches a WhatsApp push channel.
func WithWhatsApp(m Messenger) Option {
	return func(o *Opts) {
		o.WhatsApp = m
	}
}

// StoreSink persists every delivered notification and pushes it over the
// configured channels. Push failures are logged, never returned: the
// persisted notification is the source of truth.
type StoreSink struct {
	store    SettingsStore
	sms      Messenger
	whatsapp Messenger
}

// NewStoreSink creates a sink over the given store.
func NewStoreSink(store SettingsStore, opts ...Option) *StoreSink {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &StoreSink{store: store, sms: cfg.SMS, whatsapp: cfg.WhatsApp}
}

// Deliver implements Sink. A notification whose category the user has
// opted out of is dropped entirely. Category NotifNone bypasses settings.
func (s *StoreSink) Deliver(ctx context.Context, user *models.User, notification *models.Notification) error {
	if notification.Category != models.NotifNone {
		settings, err := s.store.GetUserSettings(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("failed to load settings for %s: %w", user.ID, err)
		}
		if !settings.Enabled(notification.Category) {
			slog.Debug("Notification suppressed by user settings",
				"user_id", user.ID, "category", notification.Category)
			return nil
		}
	}

	if notification.ID == "" {
		notification.ID = util.GenerateEntityID("ntf_")
	}
	if notification.Time == 0 {
		notification.Time = time.Now().UnixMilli()
	}
	notification.UserID = user.ID

	if err := s.store.AddNotification(ctx, notification); err != nil {
		return fmt.Errorf("failed to persist notification for %s: %w", user.ID, err)
	}
	slog.Debug("Notification persisted", "user_id", user.ID, "title", notification.Title)

	body := notification.Title
	if notification.Message != "" {
		body = notification.Title + ": " + notification.Message
	}
	if s.sms != nil && user.Phone != "" {
		if err := s.sms.SendMessage(ctx, user.Phone, body); err != nil {
			slog.Error("SMS push failed", "user_id", user.ID, "error", err)
		}
	}
	if s.whatsapp != nil && user.WhatsAppJID != "" {
		if err := s.whatsapp.SendMessage(ctx, user.WhatsAppJID, body); err != nil {
			slog.Error("WhatsApp push failed", "user_id", user.ID, "error", err)
		}
	}
	return nil
}
