// Package api provides the websocket transport for CarePipe.
//
// It exposes two endpoints: /dev for patient devices and /app for caregiver
// applications. Device sockets are wrapped in a session.Session; app sockets
// authenticate with a capability token and drive the pairing handshake. The
// API integrates with the session, auth and trigger modules.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CarePipe/internal/auth"
	"github.com/BTreeMap/CarePipe/internal/session"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 5 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr         string
	AuthDeadline time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithAuthDeadline overrides how long a fresh device socket may stay
// unauthenticated.
func WithAuthDeadline(d time.Duration) Option {
	return func(o *Opts) {
		o.AuthDeadline = d
	}
}

// Server terminates websocket connections and routes their messages into
// the session layer.
type Server struct {
	deps         session.Deps
	authority    *auth.Authority
	addr         string
	authDeadline time.Duration
	upgrader     websocket.Upgrader
	httpServer   *http.Server
}

// NewServer creates the API server. The session dependencies are shared by
// every device session the server spawns.
func NewServer(deps session.Deps, authority *auth.Authority, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, AuthDeadline: session.DefaultAuthDeadline}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		deps:         deps,
		authority:    authority,
		addr:         cfg.Addr,
		authDeadline: cfg.AuthDeadline,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/dev", s.deviceHandler)
	mux.HandleFunc("/app", s.appHandler)
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Handler exposes the route mux, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
		return err
	}
	return <-errCh
}
