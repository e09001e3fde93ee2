package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pplabs/chatwire/logger"
	"github.com/pplabs/chatwire/tools/ids"
	"github.com/pplabs/chatwire/tools/safe"
	"github.com/pplabs/chatwire/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is one gateway node: the websocket endpoint, the long-poll
// fallback, and the admin/history REST surface, all in front of one
// RoomRouter.
type Server struct {
	auth   *Authenticator
	router *RoomRouter
	lp     *lpHub
	engine *gin.Engine
}

func NewServer(auth *Authenticator, router *RoomRouter) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		auth:   auth,
		router: router,
		engine: gin.New(),
	}
	s.lp = newLPHub(s)
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.engine
	e.Use(gin.Recovery())

	e.GET("/ws", s.handleWS)

	e.POST("/lp/connect", s.lp.handleConnect)
	e.GET("/lp/poll", s.lp.handlePoll)
	e.POST("/lp/send", s.lp.handleSend)
	e.POST("/lp/close", s.lp.handleClose)

	e.GET("/rooms/:id/history", s.handleHistory)
	e.POST("/rooms/:id/archive", s.handleArchive)
	e.POST("/rooms/:id/participants", s.handleAddParticipant)
	e.DELETE("/rooms/:id/participants/:user", s.handleRemoveParticipant)
}

// Handler exposes the HTTP handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down draining the listener.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(port)),
		Handler: s.engine,
	}
	errCh := make(chan error, 1)
	safe.SafeGo(func() {
		logger.Infof("[server] listening on :%d", port)
		errCh <- srv.ListenAndServe()
	})

	select {
	case <-ctx.Done():
		s.lp.stop()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		return err
	}
}

// authenticate resolves the bearer credential on an incoming request.
func (s *Server) authenticate(c *gin.Context) (*Identity, bool) {
	token, ok := BearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer credential"})
		return nil, false
	}
	ident, err := s.auth.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "credential rejected"})
		return nil, false
	}
	return ident, true
}

// handleWS upgrades the connection and runs the read loop. Writes happen on
// the conn's single writer pump; the read loop only reads.
func (s *Server) handleWS(c *gin.Context) {
	ident, ok := s.authenticate(c)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	conn := newConn(ids.GenerateString(), ident, ws)

	// Handshake ack: the first frame the client sees. Queued before
	// ConnOpened, whose presence broadcast also lands on this conn.
	established, _ := wire.MustFrame(wire.KindConnectionEstablished, &wire.ConnEstablished{
		ConnID: conn.ID, UserID: conn.UserID, UserName: conn.UserName,
	}).Encode()
	conn.Push(established)

	ctx := context.Background()
	s.router.ConnOpened(ctx, conn)
	safe.SafeGo(conn.writePump)

	logger.Infof("[ws] connected conn=%s user=%s", conn.ID, conn.UserID)

	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(3 * pingEvery))
		return nil
	})
	_ = ws.SetReadDeadline(time.Now().Add(3 * pingEvery))

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s", conn.ID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s", conn.ID)
			} else {
				logger.Infof("[ws] read err conn=%s: %v", conn.ID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, perr := wire.ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warnf("[ws] bad frame conn=%s err=%v sample=%q", conn.ID, perr, sample)
			continue
		}
		if herr := s.router.HandleFrame(ctx, conn, f); herr != nil {
			logger.Warnf("[ws] handle %s conn=%s: %v", f.Event, conn.ID, herr)
		}
	}

	s.router.ConnClosed(ctx, conn)
	logger.Infof("[ws] disconnected conn=%s user=%s", conn.ID, conn.UserID)
}

// —— REST surface ——

func (s *Server) handleHistory(c *gin.Context) {
	if _, ok := s.authenticate(c); !ok {
		return
	}
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	msgs, err := s.router.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleArchive(c *gin.Context) {
	if _, ok := s.authenticate(c); !ok {
		return
	}
	s.router.Archive(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

type participantReq struct {
	UserID   string `json:"user_id" binding:"required"`
	UserName string `json:"user_name"`
}

func (s *Server) handleAddParticipant(c *gin.Context) {
	if _, ok := s.authenticate(c); !ok {
		return
	}
	var req participantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.router.AddParticipant(c.Param("id"), req.UserID, req.UserName)
	c.JSON(http.StatusOK, gin.H{"added": true})
}

func (s *Server) handleRemoveParticipant(c *gin.Context) {
	if _, ok := s.authenticate(c); !ok {
		return
	}
	s.router.RemoveParticipant(c.Param("id"), c.Param("user"))
	c.JSON(http.StatusOK, gin.H{"removed": true})
}
