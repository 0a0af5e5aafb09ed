// Package ratelimit provides the client for the shared quota service.
//
// CarePipe does not count quotas itself: database, NLP, TTS and mail usage
// is metered by a central quota service reached over a websocket. This
// package keeps that connection alive, multiplexes reservation requests
// over it and fails closed when the service is unreachable.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Limiter answers whether a subject may consume units of a resource.
type Limiter interface {
	// Reserve blocks until the quota service answers, the timeout expires
	// or ctx is done. Every failure mode denies.
	Reserve(ctx context.Context, subject string, kind models.ResourceKind, units int) bool
}

// NewAllowAll returns a limiter that grants everything. Used when the
// deployment opts out of quota enforcement.
func NewAllowAll() Limiter {
	return allowAll{}
}

type allowAll struct{}

func (allowAll) Reserve(context.Context, string, models.ResourceKind, int) bool {
	return true
}

// Default timing for the websocket limiter.
const (
	// DefaultReserveTimeout bounds how long a reservation waits for an
	// answer before being denied.
	DefaultReserveTimeout = 30 * time.Second
	// DefaultReconnectDelay is the pause between reconnection attempts.
	DefaultReconnectDelay = 2 * time.Second
)

// Opts holds configuration options for the websocket limiter.
type Opts struct {
	URL            string
	ReserveTimeout time.Duration
	ReconnectDelay time.Duration
}

// Option defines a configuration option for the websocket limiter.
type Option func(*Opts)

// WithURL sets the quota service websocket URL.
func WithURL(url string) Option {
	return func(o *Opts) {
		o.URL = url
	}
}

// WithReserveTimeout overrides the per-reservation answer timeout.
func WithReserveTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ReserveTimeout = d
	}
}

// WithReconnectDelay overrides the reconnection pause.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.ReconnectDelay = d
	}
}

// reserveRequest is the wire format sent to the quota service.
type reserveRequest struct {
	ID      string              `json:"id"`
	Subject string              `json:"subject"`
	Kind    models.ResourceKind `json:"kind"`
	Units   int                 `json:"units"`
}

// reserveResponse is the wire format received from the quota service.
type reserveResponse struct {
	ID      string `json:"id"`
	Granted bool   `json:"granted"`
}

// WebsocketLimiter multiplexes quota reservations over one websocket
// connection to the quota service, reconnecting with a fixed delay when
// the connection drops.
type WebsocketLimiter struct {
	url            string
	reserveTimeout time.Duration
	reconnectDelay time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan bool

	closed chan struct{}
	once   sync.Once
}

// NewWebsocketLimiter creates the limiter and starts its connection loop.
func NewWebsocketLimiter(opts ...Option) *WebsocketLimiter {
	cfg := Opts{
		ReserveTimeout: DefaultReserveTimeout,
		ReconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &WebsocketLimiter{
		url:            cfg.URL,
		reserveTimeout: cfg.ReserveTimeout,
		reconnectDelay: cfg.ReconnectDelay,
		pending:        make(map[string]chan bool),
		closed:         make(chan struct{}),
	}
	go l.connectLoop()
	return l
}

// connectLoop dials the quota service and pumps responses until Close.
func (l *WebsocketLimiter) connectLoop() {
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
		if err != nil {
			slog.Warn("Limiter failed to reach quota service", "url", l.url, "error", err)
			select {
			case <-l.closed:
				return
			case <-time.After(l.reconnectDelay):
			}
			continue
		}
		slog.Info("Limiter connected to quota service", "url", l.url)

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.readLoop(conn)

		l.mu.Lock()
		l.conn = nil
		// In-flight reservations can never be answered on a dead
		// connection; deny them now instead of letting them time out.
		for id, ch := range l.pending {
			ch <- false
			delete(l.pending, id)
		}
		l.mu.Unlock()

		select {
		case <-l.closed:
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

// readLoop delivers responses to their waiting reservations. Returns when
// the connection dies.
func (l *WebsocketLimiter) readLoop(conn *websocket.Conn) {
	for {
		var resp reserveResponse
		if err := conn.ReadJSON(&resp); err != nil {
			slog.Warn("Limiter connection lost", "error", err)
			conn.Close()
			return
		}
		l.mu.Lock()
		ch, ok := l.pending[resp.ID]
		if ok {
			delete(l.pending, resp.ID)
		}
		l.mu.Unlock()
		if !ok {
			slog.Debug("Limiter dropped response for unknown reservation", "id", resp.ID)
			continue
		}
		ch <- resp.Granted
	}
}

// Reserve implements Limiter. A disconnected limiter, a write failure, a
// timeout and a context cancellation all deny.
func (l *WebsocketLimiter) Reserve(ctx context.Context, subject string, kind models.ResourceKind, units int) bool {
	req := reserveRequest{
		ID:      uuid.NewString(),
		Subject: subject,
		Kind:    kind,
		Units:   units,
	}
	answer := make(chan bool, 1)

	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		slog.Warn("Limiter denied reservation: not connected", "subject", subject, "kind", kind)
		return false
	}
	l.pending[req.ID] = answer
	err := conn.WriteJSON(req)
	if err != nil {
		delete(l.pending, req.ID)
	}
	l.mu.Unlock()
	if err != nil {
		slog.Warn("Limiter failed to send reservation", "subject", subject, "kind", kind, "error", err)
		return false
	}

	select {
	case granted := <-answer:
		slog.Debug("Limiter reservation answered", "subject", subject, "kind", kind, "granted", granted)
		return granted
	case <-time.After(l.reserveTimeout):
		l.forget(req.ID)
		slog.Warn("Limiter reservation timed out", "subject", subject, "kind", kind)
		return false
	case <-ctx.Done():
		l.forget(req.ID)
		return false
	}
}

func (l *WebsocketLimiter) forget(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// Close stops the connection loop and drops the connection.
func (l *WebsocketLimiter) Close() {
	l.once.Do(func() {
		close(l.closed)
		l.mu.Lock()
		if l.conn != nil {
			l.conn.Close()
		}
		l.mu.Unlock()
	})
}
