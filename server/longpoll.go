package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pplabs/chatwire/logger"
	"github.com/pplabs/chatwire/tools/ids"
	"github.com/pplabs/chatwire/tools/safe"
	"github.com/pplabs/chatwire/wire"
)

const (
	lpHoldWindow = 25 * time.Second
	lpSessionTTL = 90 * time.Second
	lpSweepEvery = 30 * time.Second
)

// lpHub serves the long-poll fallback framing. A session is an ordinary
// Conn with no websocket: outbound frames pile up in its send queue until
// the next poll drains them, inbound frames arrive as individual POSTs and
// take the same router path as websocket frames.
type lpHub struct {
	s *Server

	mu       sync.Mutex
	sessions map[string]*Conn

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newLPHub(s *Server) *lpHub {
	h := &lpHub{
		s:        s,
		sessions: make(map[string]*Conn),
		stopCh:   make(chan struct{}),
	}
	safe.SafeGo(h.sweep)
	return h
}

func (h *lpHub) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// sweep drops sessions whose client stopped polling.
func (h *lpHub) sweep() {
	ticker := time.NewTicker(lpSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-lpSessionTTL)
			h.mu.Lock()
			var stale []*Conn
			for id, c := range h.sessions {
				if c.lastSeen.Before(cutoff) {
					stale = append(stale, c)
					delete(h.sessions, id)
				}
			}
			h.mu.Unlock()
			for _, c := range stale {
				logger.Infof("[lp] expiring session=%s user=%s", c.ID, c.UserID)
				h.s.router.ConnClosed(context.Background(), c)
			}
		}
	}
}

func (h *lpHub) get(c *gin.Context) (*Conn, bool) {
	id := c.Query("session")
	h.mu.Lock()
	conn, ok := h.sessions[id]
	if ok {
		conn.lastSeen = time.Now()
	}
	h.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return nil, false
	}
	return conn, true
}

func (h *lpHub) handleConnect(c *gin.Context) {
	ident, ok := h.s.authenticate(c)
	if !ok {
		return
	}

	conn := newConn(ids.GenerateString(), ident, nil)
	h.mu.Lock()
	h.sessions[conn.ID] = conn
	h.mu.Unlock()
	h.s.router.ConnOpened(c.Request.Context(), conn)

	logger.Infof("[lp] connected session=%s user=%s", conn.ID, conn.UserID)
	c.JSON(http.StatusOK, gin.H{
		"session_id": conn.ID,
		"frame": wire.MustFrame(wire.KindConnectionEstablished, &wire.ConnEstablished{
			ConnID: conn.ID, UserID: conn.UserID, UserName: conn.UserName,
		}),
	})
}

// handlePoll holds the request until a frame arrives or the window closes,
// then returns everything queued.
func (h *lpHub) handlePoll(c *gin.Context) {
	conn, ok := h.get(c)
	if !ok {
		return
	}

	frames := make([]*wire.Frame, 0, 8)
	select {
	case data := <-conn.send:
		if f, err := wire.ParseFrame(data); err == nil {
			frames = append(frames, f)
		}
	case <-time.After(lpHoldWindow):
	case <-conn.done:
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
		return
	}

	// Drain whatever else queued behind the first frame.
	for {
		select {
		case data := <-conn.send:
			if f, err := wire.ParseFrame(data); err == nil {
				frames = append(frames, f)
			}
			continue
		default:
		}
		break
	}

	c.JSON(http.StatusOK, gin.H{"frames": frames})
}

func (h *lpHub) handleSend(c *gin.Context) {
	conn, ok := h.get(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	f, err := wire.ParseFrame(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.s.router.HandleFrame(c.Request.Context(), conn, f); err != nil {
		logger.Warnf("[lp] handle %s session=%s: %v", f.Event, conn.ID, err)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *lpHub) handleClose(c *gin.Context) {
	conn, ok := h.get(c)
	if !ok {
		return
	}
	h.mu.Lock()
	delete(h.sessions, conn.ID)
	h.mu.Unlock()
	h.s.router.ConnClosed(c.Request.Context(), conn)
	logger.Infof("[lp] closed session=%s user=%s", conn.ID, conn.UserID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
