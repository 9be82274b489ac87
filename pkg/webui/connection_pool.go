package webui

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// ConnectionPool tracks the websocket clients of the timeline page and fans
// frames out to them. A client whose write fails is dropped.
type ConnectionPool struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]string
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{conns: map[*websocket.Conn]string{}}
}

func (cp *ConnectionPool) Add(conn *websocket.Conn, clientID string) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = clientID
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.mu.Unlock()
	_ = conn.Close()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, id := range cp.conns {
		if err := write(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "webui").Str("client_id", id).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = conn.Close()
		}
	}
}

func (cp *ConnectionPool) SendToOne(conn *websocket.Conn, data []byte) {
	if conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	id, ok := cp.conns[conn]
	if !ok {
		return
	}
	if err := write(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "webui").Str("client_id", id).Msg("ws send failed, dropping connection")
		delete(cp.conns, conn)
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		delete(cp.conns, conn)
	}
}

func write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
