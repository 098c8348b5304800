// Package relay implements the room-scoped event bus between mobile peers
// and the internal capture worker: peer classification, typed message
// routing, OCR request correlation, and the periodic status broadcast.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/config"
	"github.com/designerGenes/33ter-backend-sub000/internal/registry"
	"github.com/designerGenes/33ter-backend-sub000/internal/sio"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
)

// InternalUserAgent is the signature the workstation worker sends; peers
// carrying it classify as internal even without an auth payload.
const InternalUserAgent = "Threethreeter-Worker"

// mobileSignatures are User-Agent substrings that classify a peer as mobile.
var mobileSignatures = []string{"ios", "iphone", "ipad", "android", "mobile"}

// Relay coordinates the registry, the router, the correlator, and the
// periodic broadcaster around one sio.Server.
type Relay struct {
	cfg     *config.Config
	reg     *registry.Registry
	srv     *sio.Server
	room    types.RoomNameType
	emitter *Emitter
	pending *Correlator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Relay onto a sio.Server. The server's callbacks are owned by
// the relay after this call.
func New(cfg *config.Config, srv *sio.Server) *Relay {
	reg := registry.New()
	room := types.RoomNameType(cfg.Server.Room)
	emitter := NewEmitter(reg, srv, room)

	r := &Relay{
		cfg:     cfg,
		reg:     reg,
		srv:     srv,
		room:    room,
		emitter: emitter,
	}
	r.pending = NewCorrelator(r, time.Duration(cfg.Server.OCRTimeoutSeconds)*time.Second)
	r.ctx, r.cancel = context.WithCancel(context.Background())

	srv.OnConnect(r.onConnect)
	srv.OnDisconnect(r.onDisconnect)
	srv.OnEvent(r.onEvent)
	return r
}

// Registry exposes the peer table, mainly for the status log and tests.
func (r *Relay) Registry() *registry.Registry {
	return r.reg
}

// Emitter exposes the event emitter.
func (r *Relay) Emitter() *Emitter {
	return r.emitter
}

// Start launches the periodic broadcaster and announces the server.
func (r *Relay) Start() {
	r.emitter.ServerStarted()
	interval := time.Duration(r.cfg.Server.HealthCheckInterval) * time.Second
	r.wg.Add(1)
	go r.runBroadcaster(interval)
}

// Shutdown stops background tasks and waits for them.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.cancel()
	r.pending.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Classify applies the classification rules in order, first match wins.
func Classify(auth map[string]any, userAgent string) types.ClassificationType {
	if ct, ok := auth["client_type"].(string); ok && ct == "internal" {
		return types.ClassInternal
	}
	if strings.Contains(userAgent, InternalUserAgent) {
		return types.ClassInternal
	}
	ua := strings.ToLower(userAgent)
	for _, sig := range mobileSignatures {
		if strings.Contains(ua, sig) {
			return types.ClassMobile
		}
	}
	return types.ClassUnknown
}

// onConnect classifies and registers the peer, auto-joins it to the default
// room, and announces it.
func (r *Relay) onConnect(c *sio.Conn) {
	class := Classify(c.Auth(), c.UserAgent())
	slog.Info("Connection accepted", "sid", c.SID(), "remote", c.RemoteAddr(), "classification", class)

	peer, err := r.reg.Register(c.SID(), c.RemoteAddr(), class)
	if err != nil {
		slog.Error("Registering peer failed - closing connection", "sid", c.SID(), "error", err)
		c.Close()
		return
	}

	r.reg.Join(c.SID(), r.room)
	r.emitter.ClientConnected(*peer)
	r.emitter.ClientJoinedRoom(c.SID(), r.room)

	welcome := types.NewServerEnvelope(types.MessageInfo,
		fmt.Sprintf("Welcome! You are connected with SID: %s", c.SID()))
	welcome.TargetSID = string(c.SID())
	r.emitter.MessageToRoom(welcome)

	joined := types.NewServerEnvelope(types.MessageInfo,
		fmt.Sprintf("You have joined room: %s", r.room))
	joined.TargetSID = string(c.SID())
	r.emitter.MessageToRoom(joined)

	r.emitter.UpdatedClientCount(r.mobileCount())

	if class == types.ClassInternal {
		r.registerInternal(c.SID())
	}
}

// onDisconnect removes the peer and announces its departure. The registry
// clears the InternalSlot if the departing peer held it.
func (r *Relay) onDisconnect(c *sio.Conn) {
	peer := r.reg.Deregister(c.SID())
	if peer == nil {
		slog.Warn("Disconnect for unknown sid", "sid", c.SID())
		return
	}
	slog.Info("Client disconnected", "sid", peer.SID, "remote", peer.Addr, "classification", peer.Classification)
	r.emitter.ClientDisconnected(*peer)
	r.emitter.UpdatedClientCount(r.mobileCount())
}

// mobileCount counts peers whose classification is not internal.
func (r *Relay) mobileCount() int {
	return r.reg.CountWhere(func(p registry.Peer) bool {
		return p.Classification != types.ClassInternal
	})
}

// registerInternal claims the InternalSlot for sid and confirms it.
func (r *Relay) registerInternal(sid types.SessionIDType) {
	r.reg.ClaimInternal(sid)
	r.reg.SetClassification(sid, types.ClassInternal)

	confirm := types.NewServerEnvelope(types.MessageInfo, "Internal client registration confirmed.")
	confirm.TargetSID = string(sid)
	r.emitter.MessageToRoom(confirm)

	// The connect handler already joined the default room; re-join is a
	// no-op but keeps a late registrant reachable.
	if !r.reg.InRoom(sid, r.room) {
		r.reg.Join(sid, r.room)
		r.emitter.ClientJoinedRoom(sid, r.room)
		r.emitter.UpdatedClientCount(r.mobileCount())
	}
}
