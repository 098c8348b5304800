package sio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/metrics"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
	"github.com/gorilla/websocket"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// Conn is one server-side Socket.IO session. It owns the read and write
// pumps for its WebSocket connection; all outbound frames go through the
// buffered send channel so a single writer preserves frame order.
type Conn struct {
	conn       wsConnection
	sid        types.SessionIDType
	remoteAddr string
	userAgent  string
	auth       map[string]any

	server *Server

	send chan []byte
	done chan struct{}

	mu        sync.RWMutex
	closed    bool
	connected bool
	closeOnce sync.Once

	writeWait    time.Duration
	pingInterval time.Duration
	pingTimeout  time.Duration
}

const sendBufferSize = 64

func newConn(server *Server, ws wsConnection, sid types.SessionIDType, remoteAddr, userAgent string) *Conn {
	return &Conn{
		conn:         ws,
		sid:          sid,
		remoteAddr:   remoteAddr,
		userAgent:    userAgent,
		server:       server,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		writeWait:    10 * time.Second,
		pingInterval: pingIntervalMs * time.Millisecond,
		pingTimeout:  pingTimeoutMs * time.Millisecond,
	}
}

// --- types.ClientConn ---

func (c *Conn) SID() types.SessionIDType {
	return c.sid
}

func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Conn) UserAgent() string {
	return c.userAgent
}

// Auth returns the auth payload the client sent with its CONNECT packet,
// or nil if it sent none.
func (c *Conn) Auth() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

// Emit queues an event frame for delivery to this session. Frames are
// dropped with a warning if the session's send buffer is full; a slow peer
// must not block the router.
func (c *Conn) Emit(event string, args ...any) error {
	frame, err := EncodeEvent(event, args...)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// EmitRaw queues an event frame whose single argument is pre-encoded JSON.
func (c *Conn) EmitRaw(event string, raw []byte) error {
	frame, err := EncodeRawEvent(event, raw)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Conn) enqueue(frame []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		slog.Debug("Skipping send to closed session", "sid", c.sid)
		return nil
	}
	c.mu.RUnlock()

	select {
	case c.send <- frame:
		return nil
	default:
		slog.Warn("Session send buffer full - dropping frame", "sid", c.sid)
		return nil
	}
}

// Close tears down the session. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return c.conn.Close()
}

// readPump consumes frames from the WebSocket until the connection drops.
// The first Socket.IO packet must be CONNECT; afterwards events are handed
// to the server's dispatcher.
func (c *Conn) readPump() {
	defer func() {
		connected := c.server.dropSession(c)
		c.Close()
		if connected {
			c.server.handleDisconnect(c)
		}
		metrics.DecConnection()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		// Any inbound traffic proves the peer is alive.
		c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))

		switch data[0] {
		case eioPong:
			continue
		case eioPing:
			// Engine.IO v4 heartbeats are server-initiated, but answer a
			// client probe anyway.
			c.enqueue([]byte{eioPong})
		case eioClose:
			return
		case eioMessage:
			pkt, err := parseMessage(data[1:])
			if err != nil {
				slog.Warn("Dropping undecodable frame", "sid", c.sid, "error", err)
				continue
			}
			switch pkt.Type {
			case sioConnect:
				if c.handshook() {
					continue
				}
				c.acceptConnect(pkt)
			case sioEvent:
				if !c.handshook() {
					slog.Warn("Event before CONNECT - dropping", "sid", c.sid)
					continue
				}
				ev, err := decodeEvent(pkt.Data)
				if err != nil {
					slog.Warn("Dropping malformed event frame", "sid", c.sid, "error", err)
					continue
				}
				c.server.handleEvent(c, ev)
			case sioDisconnect:
				return
			case sioAck:
				// Acks are parsed for wire compatibility but unused.
			}
		default:
			slog.Debug("Ignoring unknown engine.io frame", "sid", c.sid, "type", string(data[0]))
		}
	}
}

func (c *Conn) acceptConnect(pkt *Packet) {
	if len(pkt.Data) > 0 {
		auth, err := decodeAuth(pkt.Data)
		if err != nil {
			slog.Warn("Ignoring undecodable auth payload", "sid", c.sid, "error", err)
		} else {
			c.mu.Lock()
			c.auth = auth
			c.mu.Unlock()
		}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.enqueue(encodeConnectOK(string(c.sid)))
	c.server.handleConnect(c)
}

// handshook reports whether the session completed its CONNECT handshake.
func (c *Conn) handshook() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// writePump serializes all outbound frames and drives the heartbeat.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Error("error writing frame", "sid", c.sid, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte{eioPing}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
