// Package registry tracks connected peers, their classification, and room
// membership. It is the single owner of Peer records; the InternalSlot is an
// optional reference into that map held by at most one internal peer.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/metrics"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
)

// ErrAddressMismatch indicates a sid was re-registered with a different
// remote address, which the transport should make impossible.
var ErrAddressMismatch = errors.New("registry: sid already present with different address")

// Peer is one connected endpoint.
type Peer struct {
	SID            types.SessionIDType
	Addr           string
	ConnectTime    time.Time
	Classification types.ClassificationType
}

// Registry is the process-wide peer and room table. A single coarse lock
// guards all mutation; read paths hand out snapshots so iteration never
// observes a torn view.
type Registry struct {
	mu    sync.RWMutex
	peers map[types.SessionIDType]*Peer
	rooms map[types.RoomNameType]map[types.SessionIDType]struct{}

	internalSID types.SessionIDType
	hasInternal bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		peers: make(map[types.SessionIDType]*Peer),
		rooms: make(map[types.RoomNameType]map[types.SessionIDType]struct{}),
	}
}

// Register records a peer on accept. Registering the same sid with the same
// address is idempotent; a different address is a transport bug and fails.
func (r *Registry) Register(sid types.SessionIDType, addr string, class types.ClassificationType) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[sid]; ok {
		if existing.Addr != addr {
			return nil, fmt.Errorf("%w: sid=%s have=%s got=%s", ErrAddressMismatch, sid, existing.Addr, addr)
		}
		return existing, nil
	}

	peer := &Peer{
		SID:            sid,
		Addr:           addr,
		ConnectTime:    time.Now(),
		Classification: class,
	}
	r.peers[sid] = peer
	metrics.PeersByClass.WithLabelValues(string(class)).Inc()
	return peer, nil
}

// Deregister removes a peer on disconnect, clears its room memberships, and
// frees the InternalSlot if the departing peer held it. Returns the removed
// peer, or nil if the sid was unknown.
func (r *Registry) Deregister(sid types.SessionIDType) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[sid]
	if !ok {
		return nil
	}
	delete(r.peers, sid)
	for room, members := range r.rooms {
		if _, in := members[sid]; in {
			delete(members, sid)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	if r.hasInternal && r.internalSID == sid {
		r.hasInternal = false
		r.internalSID = ""
		slog.Warn("Internal worker disconnected - slot cleared", "sid", sid)
	}
	metrics.PeersByClass.WithLabelValues(string(peer.Classification)).Dec()
	return peer
}

// Join adds a peer to a room. No-op if already a member or if the sid is
// unknown; every sid in a room's member set must exist in the registry.
func (r *Registry) Join(sid types.SessionIDType, room types.RoomNameType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[sid]; !ok {
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[types.SessionIDType]struct{})
		r.rooms[room] = members
	}
	members[sid] = struct{}{}
}

// Leave removes a peer from a room. No-op on repeat.
func (r *Registry) Leave(sid types.SessionIDType, room types.RoomNameType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// InRoom reports whether a peer is a member of a room.
func (r *Registry) InRoom(sid types.SessionIDType, room types.RoomNameType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	_, in := members[sid]
	return in
}

// Members returns a snapshot of a room's member sids.
func (r *Registry) Members(room types.RoomNameType) []types.SessionIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]types.SessionIDType, 0, len(members))
	for sid := range members {
		out = append(out, sid)
	}
	return out
}

// Lookup returns a copy of the peer record for a sid.
func (r *Registry) Lookup(sid types.SessionIDType) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[sid]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

// CountWhere counts peers matching the predicate over a snapshot.
func (r *Registry) CountWhere(pred func(Peer) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, peer := range r.peers {
		if pred(*peer) {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all peer records.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, *peer)
	}
	return out
}

// SetClassification updates a peer's classification in place.
func (r *Registry) SetClassification(sid types.SessionIDType, class types.ClassificationType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[sid]
	if !ok || peer.Classification == class {
		return
	}
	metrics.PeersByClass.WithLabelValues(string(peer.Classification)).Dec()
	peer.Classification = class
	metrics.PeersByClass.WithLabelValues(string(class)).Inc()
}

// --- InternalSlot ---

// ClaimInternal makes sid the registered internal worker, displacing any
// earlier registrant with a logged warning. Re-claiming by the same sid is
// fine.
func (r *Registry) ClaimInternal(sid types.SessionIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.hasInternal && r.internalSID == sid:
		// Re-registration of the current holder.
	case r.hasInternal:
		slog.Warn("Another internal worker registered while one is active - overwriting",
			"previous", r.internalSID, "sid", sid)
	default:
		slog.Info("Internal worker registered", "sid", sid)
	}
	r.internalSID = sid
	r.hasInternal = true
}

// InternalSID returns the sid holding the InternalSlot, if any.
func (r *Registry) InternalSID() (types.SessionIDType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.internalSID, r.hasInternal
}
