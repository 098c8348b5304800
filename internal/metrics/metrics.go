package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the screen-capture relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: t3t (application-level grouping)
// - subsystem: websocket, relay, ocr, capture (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, peers by classification)
// - Counter: Cumulative events (messages routed, events emitted, errors)
// - Histogram: Latency distributions (OCR round-trip time)

var (
	// ActiveConnections tracks the current number of live WebSocket sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "t3t",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// PeersByClass tracks connected peers per classification.
	PeersByClass = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "t3t",
		Subsystem: "relay",
		Name:      "peers",
		Help:      "Connected peers by classification",
	}, []string{"classification"})

	// MessagesRouted counts envelopes handled on the generic message channel.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "t3t",
		Subsystem: "relay",
		Name:      "messages_routed_total",
		Help:      "Total envelopes routed, by message type and outcome",
	}, []string{"message_type", "outcome"})

	// EventsEmitted counts lifecycle events sent to the room.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "t3t",
		Subsystem: "relay",
		Name:      "events_emitted_total",
		Help:      "Total lifecycle events emitted to the room",
	}, []string{"event"})

	// OCRRequests counts trigger_ocr requests by final outcome.
	OCRRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "t3t",
		Subsystem: "ocr",
		Name:      "requests_total",
		Help:      "Total OCR requests by outcome",
	}, []string{"outcome"})

	// OCRRoundTrip tracks trigger-to-reply latency for fulfilled requests.
	OCRRoundTrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "t3t",
		Subsystem: "ocr",
		Name:      "round_trip_seconds",
		Help:      "Time from trigger_ocr to the worker's reply",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// CapturesTaken counts screenshots written by the worker.
	CapturesTaken = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "t3t",
		Subsystem: "capture",
		Name:      "screenshots_total",
		Help:      "Total screenshots captured",
	})

	// CaptureFailures counts failed capture attempts.
	CaptureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "t3t",
		Subsystem: "capture",
		Name:      "failures_total",
		Help:      "Total failed capture attempts",
	})

	// ScreenshotsDeleted counts captures removed by age-based cleanup.
	ScreenshotsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "t3t",
		Subsystem: "capture",
		Name:      "cleaned_total",
		Help:      "Total screenshots deleted by cleanup",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
