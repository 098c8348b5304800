package relay

import (
	"log/slog"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/types"
)

// runBroadcaster fires the client-count heartbeat at the configured cadence
// and logs the peer roster. Internal peers are excluded from the count.
func (r *Relay) runBroadcaster(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.broadcastClientCount()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Relay) broadcastClientCount() {
	count := r.mobileCount()
	msg := types.NewServerEnvelope(types.MessageClientCount, types.ClientCountValue{Count: count})
	r.emitter.MessageToRoom(msg)

	peers := r.reg.Snapshot()
	sids := make([]string, 0, len(peers))
	for _, p := range peers {
		sids = append(sids, string(p.SID))
	}
	internal, hasInternal := r.reg.InternalSID()
	slog.Info("Periodic status", "client_count", count, "connected", sids,
		"internal_sid", string(internal), "internal_registered", hasInternal)
}
