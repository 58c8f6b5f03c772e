package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
)

// wsConn wraps a gorilla connection behind the engine's Conn
// interface. gorilla allows a single concurrent writer, so every
// outgoing frame (including pings) goes through one mutex. Writes get
// a deadline so one stalled client cannot hold up a fan-out.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn}
}

// ID returns the connection identifier, assigned at upgrade time.
func (c *wsConn) ID() string {
	return c.id
}

// Send writes one outbound message as JSON.
func (c *wsConn) Send(msg model.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// Ping sends a websocket-level ping frame.
func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}
