package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pplabs/chatwire/logger"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	pingEvery     = 25 * time.Second
)

// Conn is one authenticated client session on this gateway node. ws is nil
// for long-poll sessions: their frames accumulate in send until the next
// poll drains them. Both framings share the router path.
type Conn struct {
	ID       string
	UserID   string
	UserName string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	lastSeen  time.Time // long-poll liveness
}

func newConn(id string, ident *Identity, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:       id,
		UserID:   ident.UserID,
		UserName: ident.UserName,
		ws:       ws,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
}

// Push enqueues an encoded frame without blocking. A full queue means the
// peer stopped draining; the caller drops the connection.
func (c *Conn) Push(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// writePump is the single writer for a websocket conn: it drains the send
// queue and keeps the peer alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("[conn] write failed conn=%s: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ConnManager indexes live connections by conn id and by user. A user may
// hold several connections (devices); presence changes only on the first
// and last.
type ConnManager struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[string]map[string]*Conn
}

func NewConnManager() *ConnManager {
	return &ConnManager{
		byID:   make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
	}
}

// Add registers the conn and reports whether it is the user's first.
func (m *ConnManager) Add(c *Conn) (first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.ID] = c
	set, ok := m.byUser[c.UserID]
	if !ok {
		set = make(map[string]*Conn)
		m.byUser[c.UserID] = set
	}
	first = len(set) == 0
	set[c.ID] = c
	return first
}

// Remove unregisters the conn and reports whether it was the user's last.
func (m *ConnManager) Remove(c *Conn) (last bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, c.ID)
	if set, ok := m.byUser[c.UserID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(m.byUser, c.UserID)
			return true
		}
	}
	return false
}

func (m *ConnManager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// All snapshots every live conn; used for gateway-wide broadcasts.
func (m *ConnManager) All() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}

func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
