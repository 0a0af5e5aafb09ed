package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CarePipe/internal/models"
)

var upgrader = websocket.Upgrader{}

// startQuotaServer runs a fake quota service that answers every request
// with the verdict returned by decide. A nil decide leaves requests
// unanswered.
func startQuotaServer(t *testing.T, decide func(reserveRequest) bool) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req reserveRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if decide == nil {
				continue
			}
			if err := conn.WriteJSON(reserveResponse{ID: req.ID, Granted: decide(req)}); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// waitConnected polls until the limiter has a live connection.
func waitConnected(t *testing.T, l *WebsocketLimiter) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		connected := l.conn != nil
		l.mu.Unlock()
		if connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("limiter never connected to quota server")
}

func TestReserveGrantedAndDenied(t *testing.T) {
	url := startQuotaServer(t, func(req reserveRequest) bool {
		return req.Kind == models.ResourceTTS && req.Units <= 5
	})
	l := NewWebsocketLimiter(WithURL(url))
	defer l.Close()
	waitConnected(t, l)

	if !l.Reserve(context.Background(), "p_1", models.ResourceTTS, 3) {
		t.Error("small TTS reservation should be granted")
	}
	if l.Reserve(context.Background(), "p_1", models.ResourceTTS, 10) {
		t.Error("oversized reservation should be denied")
	}
	if l.Reserve(context.Background(), "p_1", models.ResourceDB, 1) {
		t.Error("non-TTS reservation should be denied by this server")
	}
}

func TestReserveTimesOutWithoutAnswer(t *testing.T) {
	url := startQuotaServer(t, nil)
	l := NewWebsocketLimiter(WithURL(url), WithReserveTimeout(100*time.Millisecond))
	defer l.Close()
	waitConnected(t, l)

	start := time.Now()
	if l.Reserve(context.Background(), "p_1", models.ResourceNLP, 1) {
		t.Error("unanswered reservation should be denied")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Reserve returned after %v, before the timeout", elapsed)
	}

	// The pending entry must not leak after a timeout.
	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending reservations after timeout = %d, want 0", pending)
	}
}

func TestReserveDeniedWhenDisconnected(t *testing.T) {
	l := NewWebsocketLimiter(WithURL("ws://127.0.0.1:1/quota"), WithReconnectDelay(time.Hour))
	defer l.Close()

	if l.Reserve(context.Background(), "p_1", models.ResourceDB, 1) {
		t.Error("reservation without a connection should be denied")
	}
}

func TestReserveHonorsContext(t *testing.T) {
	url := startQuotaServer(t, nil)
	l := NewWebsocketLimiter(WithURL(url))
	defer l.Close()
	waitConnected(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if l.Reserve(ctx, "p_1", models.ResourceMails, 1) {
		t.Error("reservation should be denied when the context expires")
	}
}

func TestAllowAll(t *testing.T) {
	l := NewAllowAll()
	if !l.Reserve(context.Background(), "anyone", models.ResourceTTS, 1000000) {
		t.Error("allow-all limiter must grant everything")
	}
}
