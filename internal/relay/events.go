package relay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/metrics"
	"github.com/designerGenes/33ter-backend-sub000/internal/registry"
	"github.com/designerGenes/33ter-backend-sub000/internal/sio"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
)

// Event payload shapes. The emitter is the only path by which lifecycle
// events reach the wire, so these structs are the closed catalog of what a
// room observer can see.

type connectedEvent struct {
	SID         string `json:"sid"`
	Address     string `json:"address"`
	ClientType  string `json:"client_type"`
	ConnectTime string `json:"connect_time"`
}

type disconnectedEvent struct {
	SID        string `json:"sid"`
	ClientType string `json:"client_type"`
}

type roomEvent struct {
	SID  string `json:"sid"`
	Room string `json:"room"`
}

type countEvent struct {
	Count int `json:"count"`
}

type capturedEvent struct {
	Filepath string `json:"filepath"`
}

type captureFailedEvent struct {
	Error string `json:"error"`
}

type ocrStartedEvent struct {
	RequesterSID string `json:"requester_sid"`
}

type ocrCompletedEvent struct {
	RequesterSID string `json:"requester_sid"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

type processedEvent struct {
	Success     bool   `json:"success"`
	TextPreview string `json:"text_preview"`
}

// previewLimit caps the text preview in processed_screenshot events.
const previewLimit = 50

// Emitter formats and broadcasts lifecycle events to the default room, and
// delivers message envelopes. Events are fire-and-forget.
type Emitter struct {
	reg  *registry.Registry
	srv  *sio.Server
	room types.RoomNameType
}

// NewEmitter builds an Emitter bound to the default room.
func NewEmitter(reg *registry.Registry, srv *sio.Server, room types.RoomNameType) *Emitter {
	return &Emitter{reg: reg, srv: srv, room: room}
}

// toRoom fans an event out to every member of the default room.
func (e *Emitter) toRoom(event types.EventType, payload any) {
	metrics.EventsEmitted.WithLabelValues(string(event)).Inc()
	for _, sid := range e.reg.Members(e.room) {
		if err := e.srv.EmitTo(sid, string(event), payload); err != nil {
			slog.Warn("Failed to emit event", "event", event, "sid", sid, "error", err)
		}
	}
}

func (e *Emitter) ServerStarted() {
	e.toRoom(types.EventServerStarted, struct{}{})
}

func (e *Emitter) ClientConnected(peer registry.Peer) {
	e.toRoom(types.EventClientConnected, connectedEvent{
		SID:         string(peer.SID),
		Address:     peer.Addr,
		ClientType:  string(peer.Classification),
		ConnectTime: peer.ConnectTime.Format(time.RFC3339),
	})
}

func (e *Emitter) ClientDisconnected(peer registry.Peer) {
	e.toRoom(types.EventClientDisconnected, disconnectedEvent{
		SID:        string(peer.SID),
		ClientType: string(peer.Classification),
	})
}

func (e *Emitter) ClientJoinedRoom(sid types.SessionIDType, room types.RoomNameType) {
	e.toRoom(types.EventClientJoinedRoom, roomEvent{SID: string(sid), Room: string(room)})
}

func (e *Emitter) ClientLeftRoom(sid types.SessionIDType, room types.RoomNameType) {
	e.toRoom(types.EventClientLeftRoom, roomEvent{SID: string(sid), Room: string(room)})
}

func (e *Emitter) UpdatedClientCount(count int) {
	e.toRoom(types.EventUpdatedClientCount, countEvent{Count: count})
}

func (e *Emitter) CapturedScreenshot(filepath string) {
	e.toRoom(types.EventCapturedScreenshot, capturedEvent{Filepath: filepath})
}

func (e *Emitter) FailedScreenshotCapture(errMsg string) {
	e.toRoom(types.EventFailedScreenshotCapture, captureFailedEvent{Error: errMsg})
}

func (e *Emitter) OCRProcessingStarted(requester types.SessionIDType) {
	e.toRoom(types.EventOCRProcessingStarted, ocrStartedEvent{RequesterSID: string(requester)})
}

func (e *Emitter) OCRProcessingCompleted(requester types.SessionIDType, success bool, errMsg string) {
	e.toRoom(types.EventOCRProcessingCompleted, ocrCompletedEvent{
		RequesterSID: string(requester),
		Success:      success,
		Error:        errMsg,
	})
}

func (e *Emitter) ProcessedScreenshot(text string) {
	preview := text
	if len(preview) > previewLimit {
		preview = preview[:previewLimit] + "..."
	}
	e.toRoom(types.EventProcessedScreenshot, processedEvent{Success: true, TextPreview: preview})
}

// --- Message delivery ---

// MessageToRoom delivers a server-originated envelope to every room member.
func (e *Emitter) MessageToRoom(env *types.Envelope) {
	for _, sid := range e.reg.Members(e.room) {
		if err := e.srv.EmitTo(sid, "message", env); err != nil {
			slog.Warn("Failed to deliver message", "sid", sid, "error", err)
		}
	}
}

// RebroadcastExcept forwards a raw inbound envelope verbatim to every room
// member except the sender.
func (e *Emitter) RebroadcastExcept(sender types.SessionIDType, raw json.RawMessage) {
	for _, sid := range e.reg.Members(e.room) {
		if sid == sender {
			continue
		}
		conn, ok := e.srv.Get(sid)
		if !ok {
			continue
		}
		if err := conn.EmitRaw("message", raw); err != nil {
			slog.Warn("Failed to rebroadcast message", "sid", sid, "error", err)
		}
	}
}
