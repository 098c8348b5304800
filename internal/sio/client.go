package sio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a Socket.IO client over WebSocket. The internal worker uses it
// to talk to the relay; tests use it to play the role of a mobile peer.
type Client struct {
	conn *websocket.Conn
	sid  string

	mu       sync.RWMutex
	handlers map[string]func(args []json.RawMessage)
	closed   bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	writeWait time.Duration
}

// DialOptions customize the client handshake.
type DialOptions struct {
	// UserAgent is sent on the upgrade request; the relay classifies peers
	// by it when no auth payload is present.
	UserAgent string
	// Auth is sent as the CONNECT packet payload.
	Auth map[string]any
}

// Dial connects to a relay at rawURL (http:// or ws:// form), performs the
// Engine.IO and Socket.IO handshakes, and starts the client pumps. The
// context bounds the whole handshake.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Client, error) {
	wsURL, err := toWebsocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if opts.UserAgent != "" {
		header.Set("User-Agent", opts.UserAgent)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	c := &Client{
		conn:      conn,
		handlers:  make(map[string]func(args []json.RawMessage)),
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		writeWait: 10 * time.Second,
	}

	if err := c.handshake(ctx, opts.Auth); err != nil {
		conn.Close()
		return nil, err
	}

	go c.writePump()
	go c.readPump()
	return c, nil
}

// handshake reads the open packet, sends CONNECT, and waits for the server's
// CONNECT reply carrying the session id.
func (c *Client) handshake(ctx context.Context, auth map[string]any) error {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	connect, err := encodeConnect(auth)
	if err != nil {
		return err
	}
	sentConnect := false

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case eioOpen:
			if err := c.conn.WriteMessage(websocket.TextMessage, connect); err != nil {
				return fmt.Errorf("sending connect: %w", err)
			}
			sentConnect = true
		case eioPing:
			c.conn.WriteMessage(websocket.TextMessage, []byte{eioPong})
		case eioMessage:
			if !sentConnect {
				continue
			}
			pkt, err := parseMessage(data[1:])
			if err != nil {
				continue
			}
			switch pkt.Type {
			case sioConnect:
				var ack struct {
					SID string `json:"sid"`
				}
				if err := json.Unmarshal(pkt.Data, &ack); err != nil {
					return fmt.Errorf("decoding connect ack: %w", err)
				}
				c.sid = ack.SID
				c.conn.SetReadDeadline(time.Time{})
				return nil
			case sioConnectError:
				return fmt.Errorf("server rejected connect: %s", string(pkt.Data))
			}
		}
	}
}

// SID returns the session id assigned by the server.
func (c *Client) SID() string {
	return c.sid
}

// On registers a handler for an inbound event. Handlers run on the read
// goroutine, so inbound order is preserved; slow work belongs elsewhere.
func (c *Client) On(event string, handler func(args []json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

// Emit queues an outbound event.
func (c *Client) Emit(event string, args ...any) error {
	frame, err := EncodeEvent(event, args...)
	if err != nil {
		return err
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("emit %q: client closed", event)
	}
	c.mu.RUnlock()

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("emit %q: client closed", event)
	}
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return c.conn.Close()
}

func (c *Client) readPump() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case eioPing:
			select {
			case c.send <- []byte{eioPong}:
			case <-c.done:
				return
			}
		case eioClose:
			return
		case eioMessage:
			pkt, err := parseMessage(data[1:])
			if err != nil {
				slog.Debug("client: dropping undecodable frame", "error", err)
				continue
			}
			switch pkt.Type {
			case sioEvent:
				ev, err := decodeEvent(pkt.Data)
				if err != nil {
					continue
				}
				c.dispatch(ev)
			case sioDisconnect:
				return
			}
		}
	}
}

func (c *Client) dispatch(ev *Event) {
	c.mu.RLock()
	handler := c.handlers[ev.Name]
	c.mu.RUnlock()
	if handler != nil {
		handler(ev.Args)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// toWebsocketURL normalizes an http(s) or ws(s) base URL into the full
// Engine.IO websocket endpoint.
func toWebsocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/socket.io/") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
