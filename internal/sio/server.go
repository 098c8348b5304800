package sio

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/designerGenes/33ter-backend-sub000/internal/metrics"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnectHandler runs after a session completes its CONNECT handshake.
type ConnectHandler func(c *Conn)

// DisconnectHandler runs once when a connected session goes away.
type DisconnectHandler func(c *Conn)

// EventHandler receives every decoded EVENT packet from a connected session.
type EventHandler func(c *Conn, ev *Event)

// Server accepts Socket.IO sessions over WebSocket and dispatches their
// frames. It tracks live sessions by sid so the relay can emit targeted
// frames; room membership lives in the relay's registry, not here.
type Server struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[types.SessionIDType]*Conn

	onConnect    ConnectHandler
	onDisconnect DisconnectHandler
	onEvent      EventHandler
}

// NewServer builds a Server. checkOrigin may be nil to accept any origin,
// which matches the LAN-local trust model.
func NewServer(checkOrigin func(r *http.Request) bool) *Server {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		sessions: make(map[types.SessionIDType]*Conn),
	}
}

// OnConnect registers the connect callback.
func (s *Server) OnConnect(h ConnectHandler) { s.onConnect = h }

// OnDisconnect registers the disconnect callback.
func (s *Server) OnDisconnect(h DisconnectHandler) { s.onDisconnect = h }

// OnEvent registers the event dispatcher.
func (s *Server) OnEvent(h EventHandler) { s.onEvent = h }

// HandleRequest is the gin handler for GET /socket.io/. It validates the
// Engine.IO query, upgrades the connection, and starts the session pumps.
func (s *Server) HandleRequest(c *gin.Context) {
	if c.Query("EIO") != "4" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported engine.io version"})
		return
	}
	if c.Query("transport") != "websocket" {
		// Long-polling is not implemented; clients must dial websocket directly.
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket transport required"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}

	sid := types.SessionIDType(uuid.NewString())
	conn := newConn(s, ws, sid, c.Request.RemoteAddr, c.Request.UserAgent())

	s.mu.Lock()
	s.sessions[sid] = conn
	s.mu.Unlock()
	metrics.IncConnection()

	open, err := encodeOpen(string(sid))
	if err != nil {
		slog.Error("Failed to encode handshake", "error", err)
		conn.Close()
		return
	}
	conn.enqueue(open)

	go conn.writePump()
	go conn.readPump()
}

// Get returns the live session for a sid.
func (s *Server) Get(sid types.SessionIDType) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.sessions[sid]
	return conn, ok
}

// EmitTo sends an event frame to a single session. Unknown sids are a no-op
// so racing a disconnect stays benign.
func (s *Server) EmitTo(sid types.SessionIDType, event string, args ...any) error {
	conn, ok := s.Get(sid)
	if !ok {
		return nil
	}
	return conn.Emit(event, args...)
}

// Shutdown closes every live session and returns the context's error. It
// does not wait for the session pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.sessions))
	for _, conn := range s.sessions {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	slog.Info("All sessions closed", "count", len(conns))
	return ctx.Err()
}

// dropSession removes the session from the server's session table. It reports whether the
// session had completed its CONNECT handshake, so the disconnect callback
// fires only for peers the relay ever saw.
func (s *Server) dropSession(c *Conn) bool {
	s.mu.Lock()
	_, present := s.sessions[c.sid]
	delete(s.sessions, c.sid)
	s.mu.Unlock()
	return present && c.handshook()
}

func (s *Server) handleConnect(c *Conn) {
	if s.onConnect != nil {
		s.onConnect(c)
	}
}

func (s *Server) handleDisconnect(c *Conn) {
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
}

func (s *Server) handleEvent(c *Conn, ev *Event) {
	if s.onEvent != nil {
		s.onEvent(c, ev)
	}
}
