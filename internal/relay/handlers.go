package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/designerGenes/33ter-backend-sub000/internal/metrics"
	"github.com/designerGenes/33ter-backend-sub000/internal/sio"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
)

// onEvent is the dispatch table for every decoded frame. Handlers either
// complete in constant time or hand work to the correlator; nothing here may
// block the transport read loop.
func (r *Relay) onEvent(c *sio.Conn, ev *sio.Event) {
	switch ev.Name {
	case "message":
		r.handleMessage(c, ev.Args)
	case "register_internal_client":
		r.registerInternal(c.SID())
	case "join_room":
		r.handleJoinRoom(c, ev.Args)
	case "leave_room":
		r.handleLeaveRoom(c, ev.Args)
	case "trigger_ocr":
		// Some clients trigger OCR as a bare event rather than a message
		// envelope; both roads lead to the correlator.
		r.pending.Trigger(c.SID())
	case "ocr_result":
		r.handleOCRResult(c, ev.Args)
	case "ocr_error":
		r.handleOCRError(c, ev.Args)
	case "captured_screenshot":
		r.handleCaptureReport(c, ev.Args, true)
	case "failed_screenshot_capture":
		r.handleCaptureReport(c, ev.Args, false)
	default:
		slog.Debug("Ignoring unknown event", "event", ev.Name, "sid", c.SID())
	}
}

// handleMessage is the hot path: decode the envelope, act on trigger_ocr,
// rebroadcast everything else verbatim to the room minus the sender.
func (r *Relay) handleMessage(c *sio.Conn, args []json.RawMessage) {
	if len(args) == 0 {
		slog.Warn("Dropping empty message frame", "sid", c.SID())
		return
	}
	env, err := types.DecodeEnvelope(args[0])
	if err != nil {
		slog.Warn("Dropping malformed envelope", "sid", c.SID(), "error", err)
		metrics.MessagesRouted.WithLabelValues("malformed", "dropped").Inc()
		return
	}

	if env.Type() == types.MessageTriggerOCR {
		slog.Info("OCR trigger received", "sid", c.SID())
		metrics.MessagesRouted.WithLabelValues(env.MessageType, "ocr").Inc()
		r.pending.Trigger(c.SID())
		return
	}

	slog.Debug("Rebroadcasting message", "sid", c.SID(), "messageType", env.MessageType, "room", r.room)
	metrics.MessagesRouted.WithLabelValues(env.MessageType, "rebroadcast").Inc()
	r.emitter.RebroadcastExcept(c.SID(), env.Raw)
}

func (r *Relay) handleJoinRoom(c *sio.Conn, args []json.RawMessage) {
	room, ok := r.roomArg(c, args)
	if !ok {
		return
	}
	r.reg.Join(c.SID(), room)
	slog.Info("Client joined room", "sid", c.SID(), "room", room)

	confirm := types.NewServerEnvelope(types.MessageInfo, fmt.Sprintf("You have joined room: %s", room))
	confirm.TargetSID = string(c.SID())
	r.emitter.MessageToRoom(confirm)
	r.emitter.ClientJoinedRoom(c.SID(), room)
	r.emitter.UpdatedClientCount(r.mobileCount())
}

func (r *Relay) handleLeaveRoom(c *sio.Conn, args []json.RawMessage) {
	room, ok := r.roomArg(c, args)
	if !ok {
		return
	}
	if !r.reg.InRoom(c.SID(), room) {
		slog.Warn("Client tried to leave a room it is not in", "sid", c.SID(), "room", room)
		warn := types.NewServerEnvelope(types.MessageWarning,
			fmt.Sprintf("Client %s tried to leave room '%s' but was not in it.", c.SID(), room))
		r.emitter.MessageToRoom(warn)
		return
	}
	r.reg.Leave(c.SID(), room)
	slog.Info("Client left room", "sid", c.SID(), "room", room)

	confirm := types.NewServerEnvelope(types.MessageInfo, fmt.Sprintf("You have left room: %s", room))
	confirm.TargetSID = string(c.SID())
	r.emitter.MessageToRoom(confirm)
	r.emitter.ClientLeftRoom(c.SID(), room)
	r.emitter.UpdatedClientCount(r.mobileCount())
}

// roomArg extracts and validates the {room} payload shared by join and leave.
func (r *Relay) roomArg(c *sio.Conn, args []json.RawMessage) (types.RoomNameType, bool) {
	var payload types.RoomPayload
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &payload); err != nil {
			slog.Warn("Undecodable room payload", "sid", c.SID(), "error", err)
		}
	}
	if payload.Room == "" {
		errMsg := types.NewServerEnvelope(types.MessageError, "Room name is required.")
		errMsg.TargetSID = string(c.SID())
		r.emitter.MessageToRoom(errMsg)
		return "", false
	}
	return types.RoomNameType(payload.Room), true
}

// handleOCRResult accepts the internal worker's success reply. Replies from
// anyone but the slot holder are ignored.
func (r *Relay) handleOCRResult(c *sio.Conn, args []json.RawMessage) {
	if !r.fromInternal(c) {
		slog.Warn("ocr_result from non-internal peer - ignoring", "sid", c.SID())
		return
	}
	var payload types.OCRResultPayload
	if len(args) == 0 || json.Unmarshal(args[0], &payload) != nil || payload.RequesterSID == "" {
		slog.Error("Invalid ocr_result payload from internal worker")
		return
	}
	r.pending.Resolve(types.SessionIDType(payload.RequesterSID), payload.Text)
}

// handleOCRError accepts the internal worker's failure reply.
func (r *Relay) handleOCRError(c *sio.Conn, args []json.RawMessage) {
	if !r.fromInternal(c) {
		slog.Warn("ocr_error from non-internal peer - ignoring", "sid", c.SID())
		return
	}
	var payload types.OCRErrorPayload
	if len(args) == 0 || json.Unmarshal(args[0], &payload) != nil {
		slog.Error("Invalid ocr_error payload from internal worker")
		return
	}
	r.pending.Fail(types.SessionIDType(payload.RequesterSID), payload.Error)
}

// handleCaptureReport re-emits the worker's capture outcome to the room.
func (r *Relay) handleCaptureReport(c *sio.Conn, args []json.RawMessage, success bool) {
	if !r.fromInternal(c) {
		slog.Debug("Capture report from non-internal peer - ignoring", "sid", c.SID())
		return
	}
	if success {
		var payload struct {
			Filepath string `json:"filepath"`
		}
		if len(args) > 0 {
			json.Unmarshal(args[0], &payload)
		}
		r.emitter.CapturedScreenshot(payload.Filepath)
		return
	}
	var payload struct {
		Error string `json:"error"`
	}
	if len(args) > 0 {
		json.Unmarshal(args[0], &payload)
	}
	r.emitter.FailedScreenshotCapture(payload.Error)
}

// fromInternal reports whether the frame came from the InternalSlot holder.
func (r *Relay) fromInternal(c *sio.Conn) bool {
	internal, ok := r.reg.InternalSID()
	return ok && internal == c.SID()
}
