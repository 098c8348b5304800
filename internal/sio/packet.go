// Package sio implements the subset of the Socket.IO v4 / Engine.IO v4
// protocol the relay speaks: WebSocket transport only, default namespace,
// event packets, and the server-driven heartbeat. Frames are text frames
// whose first byte is the Engine.IO packet type; Socket.IO packets ride
// inside Engine.IO message frames.
package sio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Engine.IO packet types (first byte of every frame).
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types (first byte after an Engine.IO message byte).
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

var (
	ErrShortFrame       = errors.New("sio: frame too short")
	ErrBadNamespace     = errors.New("sio: only the default namespace is supported")
	ErrNotEventArray    = errors.New("sio: event payload is not a JSON array")
	ErrEmptyEvent       = errors.New("sio: event array has no event name")
	ErrUnknownFrameType = errors.New("sio: unknown packet type")
)

// handshake is the JSON body of the Engine.IO open packet.
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Heartbeat parameters advertised in the handshake, milliseconds.
const (
	pingIntervalMs = 25000
	pingTimeoutMs  = 20000
	maxPayload     = 1000000
)

// Packet is a decoded Socket.IO packet on the default namespace.
type Packet struct {
	Type byte
	// Data holds the raw JSON payload: the auth object for CONNECT, the
	// event array for EVENT/ACK.
	Data json.RawMessage
}

// Event is a decoded EVENT packet: the event name plus its raw arguments.
type Event struct {
	Name string
	Args []json.RawMessage
}

// encodeOpen builds the Engine.IO open frame for a fresh session.
func encodeOpen(sid string) ([]byte, error) {
	hs := handshake{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: pingIntervalMs,
		PingTimeout:  pingTimeoutMs,
		MaxPayload:   maxPayload,
	}
	body, err := json.Marshal(hs)
	if err != nil {
		return nil, err
	}
	return append([]byte{eioOpen}, body...), nil
}

// encodeConnectOK builds the Socket.IO CONNECT reply carrying the session id.
func encodeConnectOK(sid string) []byte {
	return []byte(fmt.Sprintf("%c%c{\"sid\":%q}", eioMessage, sioConnect, sid))
}

// encodeConnect builds the client-side CONNECT packet with an optional auth
// payload.
func encodeConnect(auth map[string]any) ([]byte, error) {
	frame := []byte{eioMessage, sioConnect}
	if len(auth) > 0 {
		body, err := json.Marshal(auth)
		if err != nil {
			return nil, err
		}
		frame = append(frame, body...)
	}
	return frame, nil
}

// EncodeEvent marshals an event and its arguments into a full wire frame
// ("42[...]" on the default namespace).
func EncodeEvent(event string, args ...any) ([]byte, error) {
	arr := make([]any, 0, len(args)+1)
	arr = append(arr, event)
	arr = append(arr, args...)
	body, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("sio: encoding event %q: %w", event, err)
	}
	return append([]byte{eioMessage, sioEvent}, body...), nil
}

// EncodeRawEvent builds an event frame whose single argument is pre-encoded
// JSON. Rebroadcasts use this to keep forwarded envelopes byte-identical.
func EncodeRawEvent(event string, raw json.RawMessage) ([]byte, error) {
	name, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteByte(eioMessage)
	b.WriteByte(sioEvent)
	b.WriteByte('[')
	b.Write(name)
	b.WriteByte(',')
	b.Write(raw)
	b.WriteByte(']')
	return []byte(b.String()), nil
}

// parseMessage decodes the Socket.IO packet inside an Engine.IO message
// frame. The input starts at the Socket.IO type byte.
func parseMessage(payload []byte) (*Packet, error) {
	if len(payload) == 0 {
		return nil, ErrShortFrame
	}
	p := &Packet{Type: payload[0]}
	rest := payload[1:]

	// A non-default namespace is encoded as "/name," before the payload.
	// The relay only serves the default namespace.
	if len(rest) > 0 && rest[0] == '/' {
		return nil, ErrBadNamespace
	}

	switch p.Type {
	case sioConnect, sioEvent, sioAck:
		if len(rest) > 0 {
			p.Data = json.RawMessage(rest)
		}
		return p, nil
	case sioDisconnect, sioConnectError:
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, p.Type)
	}
}

// decodeAuth parses the optional auth object of a CONNECT packet.
func decodeAuth(data json.RawMessage) (map[string]any, error) {
	var auth map[string]any
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, err
	}
	return auth, nil
}

// decodeEvent splits an EVENT packet payload into the event name and its
// raw arguments.
func decodeEvent(data json.RawMessage) (*Event, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, ErrNotEventArray
	}
	if len(arr) == 0 {
		return nil, ErrEmptyEvent
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return nil, ErrEmptyEvent
	}
	return &Event{Name: name, Args: arr[1:]}, nil
}
