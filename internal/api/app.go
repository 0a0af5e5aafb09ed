package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/session"
)

// appMessage is the flat wire format of everything a caregiver app sends.
type appMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Code  string `json:"code,omitempty"`
}

// appHandler serves a caregiver app socket. The first message must be a
// token login; everything after runs on behalf of the verified user.
func (s *Server) appHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.appHandler: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	slog.Debug("Server.appHandler: app connected", "remote", conn.RemoteAddr())
	transport := newWSTransport(conn)

	// The login must arrive within the same deadline devices get.
	conn.SetReadDeadline(time.Now().Add(s.authDeadline))
	var login appMessage
	if err := conn.ReadJSON(&login); err != nil {
		slog.Debug("Server.appHandler: no login before deadline", "error", err)
		transport.Send(session.ErrorMessage{Type: "error", Code: models.ErrCodeNoLoginSupplied, Fatal: true})
		return
	}
	if login.Type != "login" || login.Token == "" {
		slog.Warn("Server.appHandler: first message is not a login", "type", login.Type)
		transport.Send(session.ErrorMessage{Type: "error", Code: models.ErrCodeBadLogin, Fatal: true})
		return
	}
	userID, err := s.authority.Verify(login.Token)
	if err != nil {
		slog.Warn("Server.appHandler: token verification failed")
		transport.Send(session.ErrorMessage{Type: "error", Code: models.ErrCodeBadCredential, Fatal: true})
		return
	}
	conn.SetReadDeadline(time.Time{})
	if err := transport.Send(ackMessage{Type: "ack", Of: "login", OK: true}); err != nil {
		slog.Debug("Server.appHandler: failed to ack login", "error", err)
		return
	}
	slog.Info("Server.appHandler: app authenticated", "user_id", userID)

	for {
		var msg appMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Server.appHandler: app socket closed", "error", err)
			}
			return
		}
		switch msg.Type {
		case "pairing_claim":
			if msg.Code == "" {
				transport.Send(session.ErrorMessage{Type: "error", Code: models.ErrCodeMissingField, Fatal: true})
				return
			}
			ack := ackMessage{Type: "ack", Of: "pairing_claim", OK: true}
			if err := s.deps.Pairing.Claim(r.Context(), msg.Code, userID); err != nil {
				slog.Warn("Server.appHandler: pairing claim failed", "user_id", userID, "error", err)
				ack.OK = false
				ack.Reason = pairingReason(err)
			}
			if err := transport.Send(ack); err != nil {
				slog.Debug("Server.appHandler: failed to send ack", "error", err)
				return
			}
		default:
			slog.Warn("Server.appHandler: unknown message type", "type", msg.Type)
			transport.Send(session.ErrorMessage{Type: "error", Code: models.ErrCodeBadMessageType, Fatal: true})
			return
		}
	}
}
