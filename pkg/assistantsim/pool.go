package assistantsim

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsConn is the subset of *websocket.Conn the pool needs.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// connectionPool tracks live client connections and serializes writes per
// connection, since gorilla allows only one concurrent writer.
type connectionPool struct {
	mu           sync.Mutex
	conns        map[wsConn]*sync.Mutex
	writeTimeout time.Duration
	logger       zerolog.Logger
}

func newConnectionPool(writeTimeout time.Duration, logger zerolog.Logger) *connectionPool {
	return &connectionPool{
		conns:        map[wsConn]*sync.Mutex{},
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (cp *connectionPool) Add(conn wsConn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = &sync.Mutex{}
	cp.mu.Unlock()
}

func (cp *connectionPool) Remove(conn wsConn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.mu.Unlock()
	_ = conn.Close()
}

// Send writes one text frame. A failed write drops the connection.
func (cp *connectionPool) Send(conn wsConn, data []byte) bool {
	cp.mu.Lock()
	wmu, ok := cp.conns[conn]
	cp.mu.Unlock()
	if !ok {
		return false
	}

	wmu.Lock()
	if cp.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
	}
	err := conn.WriteMessage(websocket.TextMessage, data)
	wmu.Unlock()

	if err != nil {
		cp.logger.Warn().Err(err).Msg("ws send failed, dropping connection")
		cp.Remove(conn)
		return false
	}
	return true
}

func (cp *connectionPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *connectionPool) CloseAll() {
	cp.mu.Lock()
	conns := make([]wsConn, 0, len(cp.conns))
	for conn := range cp.conns {
		conns = append(conns, conn)
		delete(cp.conns, conn)
	}
	cp.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
