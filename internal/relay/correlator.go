package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/metrics"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
)

// Correlator maps a mobile peer's trigger_ocr to the internal worker's
// reply. The correlation key is the requester sid carried round-trip; the
// worker echoes it, so the only server-side state is the deadline table.
// Concurrent requests from distinct mobiles are independent; a second
// request from the same mobile is relayed too, not deduplicated.
type Correlator struct {
	relay   *Relay
	timeout time.Duration

	mu      sync.Mutex
	pending map[types.SessionIDType][]*pendingRequest
	stopped bool
}

type pendingRequest struct {
	started time.Time
	timer   *time.Timer
}

// NewCorrelator builds a Correlator. A zero timeout disables the deadline;
// a stuck worker then strands the requester silently.
func NewCorrelator(r *Relay, timeout time.Duration) *Correlator {
	return &Correlator{
		relay:   r,
		timeout: timeout,
		pending: make(map[types.SessionIDType][]*pendingRequest),
	}
}

// Trigger starts one OCR round for the requester. Emits the started event,
// then either forwards a targeted perform_ocr_request to the InternalSlot
// holder or synthesizes a failure when no worker is registered.
func (c *Correlator) Trigger(requester types.SessionIDType) {
	c.relay.emitter.OCRProcessingStarted(requester)

	internal, ok := c.relay.reg.InternalSID()
	if !ok {
		slog.Warn("OCR trigger with no internal worker registered", "requester_sid", requester)
		metrics.OCRRequests.WithLabelValues("no_worker").Inc()

		errMsg := types.NewServerEnvelope(types.MessageError,
			fmt.Sprintf("Cannot process OCR trigger from %s: Internal processing client not available.", requester))
		c.relay.emitter.MessageToRoom(errMsg)
		c.relay.emitter.OCRProcessingCompleted(requester, false, "no internal worker")
		return
	}

	slog.Info("Forwarding OCR request to internal worker", "requester_sid", requester, "worker_sid", internal)
	if err := c.relay.srv.EmitTo(internal, string(types.MessagePerformOCR),
		types.PerformOCRPayload{RequesterSID: string(requester)}); err != nil {
		slog.Error("Failed to forward OCR request", "worker_sid", internal, "error", err)
	}

	c.track(requester)
}

// track arms the per-request deadline.
func (c *Correlator) track(requester types.SessionIDType) {
	if c.timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	req := &pendingRequest{started: time.Now()}
	req.timer = time.AfterFunc(c.timeout, func() {
		c.expire(requester, req)
	})
	c.pending[requester] = append(c.pending[requester], req)
}

// take pops the oldest pending entry for a requester. With the echo-key
// protocol any reply settles the oldest outstanding round.
func (c *Correlator) take(requester types.SessionIDType) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	reqs := c.pending[requester]
	if len(reqs) == 0 {
		return nil
	}
	req := reqs[0]
	if len(reqs) == 1 {
		delete(c.pending, requester)
	} else {
		c.pending[requester] = reqs[1:]
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	return req
}

// Resolve handles a successful worker reply: completion event, preview
// event, and the ocr_result message to the room.
func (c *Correlator) Resolve(requester types.SessionIDType, text string) {
	if req := c.take(requester); req != nil {
		metrics.OCRRoundTrip.Observe(time.Since(req.started).Seconds())
	}
	metrics.OCRRequests.WithLabelValues("success").Inc()

	c.relay.emitter.OCRProcessingCompleted(requester, true, "")
	c.relay.emitter.ProcessedScreenshot(text)

	result := types.NewServerEnvelope(types.MessageOCRResult, text)
	slog.Info("Broadcasting OCR result", "requester_sid", requester, "chars", len(text))
	c.relay.emitter.MessageToRoom(result)
}

// Fail handles a worker error reply. The error surfaces verbatim in the
// completion event; no positive result is emitted and nothing retries.
func (c *Correlator) Fail(requester types.SessionIDType, errMsg string) {
	c.take(requester)
	metrics.OCRRequests.WithLabelValues("error").Inc()
	slog.Warn("OCR failed", "requester_sid", requester, "error", errMsg)
	c.relay.emitter.OCRProcessingCompleted(requester, false, errMsg)
}

// expire fires when the worker never replied within the deadline. The entry
// may already be gone if the reply raced the timer.
func (c *Correlator) expire(requester types.SessionIDType, req *pendingRequest) {
	c.mu.Lock()
	reqs := c.pending[requester]
	found := false
	for i, r := range reqs {
		if r == req {
			c.pending[requester] = append(reqs[:i], reqs[i+1:]...)
			if len(c.pending[requester]) == 0 {
				delete(c.pending, requester)
			}
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}

	metrics.OCRRequests.WithLabelValues("timeout").Inc()
	slog.Warn("OCR request timed out", "requester_sid", requester, "timeout", c.timeout)

	errMsg := types.NewServerEnvelope(types.MessageError,
		fmt.Sprintf("OCR request from %s timed out.", requester))
	c.relay.emitter.MessageToRoom(errMsg)
	c.relay.emitter.OCRProcessingCompleted(requester, false, "ocr timed out")
}

// Stop cancels all pending deadlines.
func (c *Correlator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for requester, reqs := range c.pending {
		for _, req := range reqs {
			if req.timer != nil {
				req.timer.Stop()
			}
		}
		delete(c.pending, requester)
	}
}
