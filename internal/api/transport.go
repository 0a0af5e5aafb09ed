package api

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a websocket connection to the session transport
// surface. Gorilla connections allow only one concurrent writer, so every
// send is serialized behind a mutex.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}
