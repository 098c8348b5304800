// Package worker runs the workstation agent: the capture loop plus the
// relay connection over which OCR requests arrive and replies leave.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/capture"
	"github.com/designerGenes/33ter-backend-sub000/internal/config"
	"github.com/designerGenes/33ter-backend-sub000/internal/relay"
	"github.com/designerGenes/33ter-backend-sub000/internal/sio"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
)

// ocrTimeout bounds one OCR invocation on the workstation side.
const ocrTimeout = 60 * time.Second

// Agent owns the relay connection and the capture worker.
type Agent struct {
	serverURL  string
	cfg        config.ScreenshotConfig
	recognizer capture.Recognizer
	worker     *capture.Worker

	mu     sync.Mutex
	client *sio.Client

	wg sync.WaitGroup
}

// New builds an Agent. The capture and OCR engines are injectable; the
// defaults shell out to the platform tools.
func New(serverURL string, cfg config.ScreenshotConfig, capturer capture.Capturer, recognizer capture.Recognizer) *Agent {
	if capturer == nil {
		capturer = &capture.ScreencaptureCapturer{Dir: cfg.Dir}
	}
	if recognizer == nil {
		recognizer = &capture.TesseractRecognizer{}
	}
	a := &Agent{
		serverURL:  serverURL,
		cfg:        cfg,
		recognizer: recognizer,
	}
	a.worker = capture.NewWorker(capturer, cfg)
	a.worker.OnCapture = a.reportCapture
	return a
}

// Run connects to the relay, registers as the internal client, starts the
// capture loop, and blocks until ctx is cancelled or the connection drops.
func (a *Agent) Run(ctx context.Context) error {
	client, err := sio.Dial(ctx, a.serverURL, sio.DialOptions{
		UserAgent: relay.InternalUserAgent,
		Auth:      map[string]any{"client_type": "internal"},
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	slog.Info("Connected to relay", "sid", client.SID(), "server", a.serverURL)

	client.On(string(types.MessagePerformOCR), func(args []json.RawMessage) {
		var payload types.PerformOCRPayload
		if len(args) == 0 || json.Unmarshal(args[0], &payload) != nil || payload.RequesterSID == "" {
			slog.Warn("Undecodable perform_ocr_request - ignoring")
			return
		}
		// OCR is slow; keep the read loop free.
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleOCRRequest(ctx, payload.RequesterSID)
		}()
	})

	if err := client.Emit("register_internal_client", struct{}{}); err != nil {
		client.Close()
		return err
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	a.worker.Start(workerCtx)

	select {
	case <-ctx.Done():
		client.Close()
	case <-client.Done():
		slog.Warn("Relay connection lost")
	}

	cancelWorker()
	a.worker.Wait()
	a.wg.Wait()
	return ctx.Err()
}

// handleOCRRequest runs OCR over the latest capture and replies with the
// round-tripped requester sid.
func (a *Agent) handleOCRRequest(ctx context.Context, requesterSID string) {
	slog.Info("OCR request received", "requester_sid", requesterSID)

	ocrCtx, cancel := context.WithTimeout(ctx, ocrTimeout)
	defer cancel()

	text, err := capture.ProcessLatest(ocrCtx, a.recognizer, a.cfg.Dir)
	if err != nil {
		slog.Warn("OCR failed", "requester_sid", requesterSID, "error", err)
		a.emit(string(types.MessageOCRError), types.OCRErrorPayload{
			RequesterSID: requesterSID,
			Error:        ocrErrorString(err),
		})
		return
	}

	slog.Info("OCR succeeded", "requester_sid", requesterSID, "chars", len(text))
	a.emit(string(types.MessageOCRResult), types.OCRResultPayload{
		RequesterSID: requesterSID,
		Text:         text,
	})
}

// ocrErrorString collapses the known failure modes to the wire strings the
// mobile clients match on.
func ocrErrorString(err error) string {
	switch {
	case errors.Is(err, capture.ErrNoScreenshot):
		return "no screenshot"
	case errors.Is(err, capture.ErrNoText):
		return "no text"
	default:
		return err.Error()
	}
}

// reportCapture forwards capture outcomes to the relay as typed events.
func (a *Agent) reportCapture(report capture.CaptureReport) {
	if report.Err != nil {
		a.emit("failed_screenshot_capture", map[string]string{"error": report.Err.Error()})
		return
	}
	a.emit("captured_screenshot", map[string]string{"filepath": report.Path})
}

func (a *Agent) emit(event string, payload any) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.Emit(event, payload); err != nil {
		slog.Warn("Emit failed", "event", event, "error", err)
	}
}
