// Package health exposes liveness and status probes for the relay.
package health

import (
	"net/http"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/registry"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
	"github.com/gin-gonic/gin"
)

// Handler serves the health endpoints.
type Handler struct {
	reg *registry.Registry
}

// NewHandler builds a Handler over the relay's registry.
func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{reg: reg}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the status probe body: peer counts and whether an
// internal worker is registered. The relay is usable without a worker, so
// this always returns 200; the body tells observers what is missing.
type StatusResponse struct {
	Status         string `json:"status"`
	Peers          int    `json:"peers"`
	MobilePeers    int    `json:"mobile_peers"`
	InternalWorker bool   `json:"internal_worker"`
	Timestamp      string `json:"timestamp"`
}

// Liveness handles GET /health/live.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Status handles GET /health.
func (h *Handler) Status(c *gin.Context) {
	_, hasInternal := h.reg.InternalSID()
	total := h.reg.CountWhere(func(registry.Peer) bool { return true })
	mobile := h.reg.CountWhere(func(p registry.Peer) bool {
		return p.Classification != types.ClassInternal
	})

	c.JSON(http.StatusOK, StatusResponse{
		Status:         "healthy",
		Peers:          total,
		MobilePeers:    mobile,
		InternalWorker: hasInternal,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}
