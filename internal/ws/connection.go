package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/protocol"
	"github.com/voyago/chat/internal/registry"
)

// Connection is one authenticated WebSocket client. It implements
// registry.Handle.
type Connection struct {
	id        string
	userID    string
	Conn      net.Conn  // socket as registered with the poller
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	closeOnce sync.Once
	onClose   func(c *Connection, reason string)
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// Send writes a text frame. Writes are serialized and bounded by the
// server's write timeout.
func (c *Connection) Send(data []byte) error {
	return c.write(ws.OpText, data)
}

// Ping writes a protocol-level ping frame. Browsers answer with a pong
// automatically.
func (c *Connection) Ping() error {
	return c.write(ws.OpPing, nil)
}

func (c *Connection) write(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.Conn, op, data)
}

// Close ends the connection. Evicted clients get an "evicted" frame first
// so they do not reconnect in a loop. Only the first call has any effect.
func (c *Connection) Close(reason string) error {
	c.closeOnce.Do(func() {
		if reason == registry.ReasonReplaced {
			if data, err := protocol.NewServerMessage(protocol.TypeEvicted, protocol.EvictedMsg{Reason: reason}); err == nil {
				_ = c.Send(data)
			}
		}
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)
		if err := c.write(ws.OpClose, body); err != nil {
			log.Debug().Str("module", "ws").Str("conn", c.id).Err(err).Msg("close frame not delivered")
		}
		if c.onClose != nil {
			c.onClose(c, reason)
		} else {
			_ = c.Conn.Close()
		}
	})
	return nil
}

// ConnectionManager maps connection ids and sockets to their Connection.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove drops a connection and closes its socket. It reports whether the
// connection was still registered, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		_ = conn.Conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection owning the socket c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
