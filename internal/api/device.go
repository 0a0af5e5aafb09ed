package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/session"
)

// deviceMessage is the flat wire format of everything a device sends.
// Exactly the fields relevant to the message type are populated.
type deviceMessage struct {
	Type      string  `json:"type"`
	PatientID string  `json:"patient_id,omitempty"`
	Secret    string  `json:"secret,omitempty"`
	Lat       float64 `json:"lat,omitempty"`
	Lng       float64 `json:"lng,omitempty"`
	Time      int64   `json:"time,omitempty"`
	Level     float64 `json:"level,omitempty"`
	Intent    string  `json:"intent,omitempty"`
	Code      string  `json:"code,omitempty"`
	Accept    bool    `json:"accept,omitempty"`
}

// ackMessage reports the outcome of a request that has no other reply.
type ackMessage struct {
	Type   string `json:"type"` // always "ack"
	Of     string `json:"of"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// deviceHandler upgrades a device socket and pumps its messages into a
// fresh session until either side closes.
func (s *Server) deviceHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.deviceHandler: websocket upgrade failed", "error", err)
		return
	}
	slog.Debug("Server.deviceHandler: device connected", "remote", conn.RemoteAddr())

	transport := newWSTransport(conn)
	sess := session.NewSession(transport, s.deps, session.WithAuthDeadline(s.authDeadline))
	defer sess.Close()

	for {
		var msg deviceMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Server.deviceHandler: device socket closed", "error", err)
			}
			return
		}
		if !s.handleDeviceMessage(r.Context(), sess, transport, msg) {
			return
		}
	}
}

// handleDeviceMessage dispatches one device message. It returns false when
// the read loop should stop.
func (s *Server) handleDeviceMessage(ctx context.Context, sess *session.Session, transport *wsTransport, msg deviceMessage) bool {
	switch msg.Type {
	case "login":
		if msg.PatientID == "" || msg.Secret == "" {
			slog.Warn("Server.deviceHandler: login missing credentials")
			sess.Fatal(models.ErrCodeMissingField)
			return false
		}
		if err := sess.AuthenticateDevice(ctx, msg.PatientID, msg.Secret); err != nil {
			return false
		}
	case "first_connection":
		if err := sess.AuthenticateFirstConnection(ctx); err != nil {
			slog.Error("Server.deviceHandler: first connection failed", "error", err)
			return false
		}
	case "position":
		at := msg.Time
		if at == 0 {
			at = time.Now().UnixMilli()
		}
		err := sess.OnPositionSample(ctx, models.LatLng{Lat: msg.Lat, Lng: msg.Lng}, at)
		if errors.Is(err, models.ErrNotAuthenticated) {
			sess.Fatal(models.ErrCodeNotLoggedIn)
			return false
		}
	case "battery":
		if err := sess.OnBatteryLevel(ctx, msg.Level); errors.Is(err, models.ErrNotAuthenticated) {
			sess.Fatal(models.ErrCodeNotLoggedIn)
			return false
		}
	case "intent":
		if msg.Intent == "" {
			sess.Fatal(models.ErrCodeMissingField)
			return false
		}
		err := sess.OnIntent(ctx, msg.Intent)
		if errors.Is(err, models.ErrNotAuthenticated) {
			sess.Fatal(models.ErrCodeNotLoggedIn)
			return false
		}
	case "pairing_confirm":
		if msg.Code == "" {
			sess.Fatal(models.ErrCodeMissingField)
			return false
		}
		ack := ackMessage{Type: "ack", Of: "pairing_confirm", OK: true}
		if err := s.deps.Pairing.Confirm(ctx, msg.Code, msg.Accept); err != nil {
			slog.Warn("Server.deviceHandler: pairing confirm failed", "error", err)
			ack.OK = false
			ack.Reason = pairingReason(err)
		}
		if err := transport.Send(ack); err != nil {
			slog.Debug("Server.deviceHandler: failed to send ack", "error", err)
		}
	default:
		slog.Warn("Server.deviceHandler: unknown message type", "type", msg.Type)
		sess.Fatal(models.ErrCodeBadMessageType)
		return false
	}
	return true
}

// pairingReason maps pairing errors to wire reason strings.
func pairingReason(err error) string {
	switch {
	case errors.Is(err, models.ErrPairingCodeNotFound):
		return "code_not_found"
	case errors.Is(err, models.ErrPairingConflict):
		return "code_conflict"
	default:
		return "internal"
	}
}
