package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/config"
	"github.com/designerGenes/33ter-backend-sub000/internal/metrics"
)

// Sentinel file names. Presence of the pause file means paused; presence of
// the reload file means re-read the frequency config, then delete it. The
// files exist so an out-of-process UI can steer the worker without a shared
// connection.
const (
	PauseSentinel  = "signal_pause_capture"
	ReloadSentinel = "reload_frequency"
)

// pausePollInterval is how long the worker sleeps between pause checks.
const pausePollInterval = time.Second

// CaptureReport is pushed to the worker's listener after every loop action
// worth surfacing.
type CaptureReport struct {
	// Path is set on a successful capture.
	Path string
	// Err is set on a failed capture.
	Err error
}

// Worker runs the supervised capture loop: capture, cleanup, sentinel
// checks, interruptible wait. One supervisor goroutine owns the loop; the
// worker is the only writer in the capture directory.
type Worker struct {
	capturer Capturer
	dir      string
	tempDir  string

	cleanupAge time.Duration

	mu        sync.Mutex
	frequency time.Duration
	paused    bool

	// OnCapture, if set, observes capture outcomes. Used by the worker
	// binary to report captures to the relay.
	OnCapture func(CaptureReport)

	buf *OutputBuffer

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewWorker builds a Worker from the screenshot config.
func NewWorker(capturer Capturer, cfg config.ScreenshotConfig) *Worker {
	freq, ok := config.ClampFrequency(cfg.Frequency)
	if !ok {
		slog.Warn("Screenshot frequency out of range - using default",
			"got", cfg.Frequency, "default", config.DefaultFrequency)
	}
	return &Worker{
		capturer:   capturer,
		dir:        cfg.Dir,
		tempDir:    cfg.TempDir,
		cleanupAge: time.Duration(cfg.CleanupAge) * time.Second,
		frequency:  time.Duration(freq * float64(time.Second)),
		buf:        NewOutputBuffer(1000),
		wake:       make(chan struct{}, 1),
	}
}

// Frequency returns the current capture cadence.
func (w *Worker) Frequency() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frequency
}

// Output returns a snapshot of the worker's recent log lines.
func (w *Worker) Output() []string {
	return w.buf.Snapshot()
}

// Start launches the supervisor. The loop exits within one cycle of ctx
// being cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Wait blocks until the supervisor has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Poke interrupts the current wait so the next cycle starts immediately.
func (w *Worker) Poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	slog.Info("Capture loop starting", "dir", w.dir, "frequency", w.Frequency(), "cleanup_age", w.cleanupAge)
	w.buf.Add("Screenshot capture started")

	for {
		if ctx.Err() != nil {
			slog.Info("Capture loop stopped")
			w.buf.Add("Screenshot capture stopped")
			return
		}

		if w.pauseRequested() {
			w.markPaused(true)
			if !w.sleep(ctx, pausePollInterval) {
				return
			}
			continue
		}
		w.markPaused(false)

		w.captureOnce(ctx)

		deleted, err := Cleanup(w.dir, w.cleanupAge)
		if err != nil {
			slog.Warn("Cleanup failed", "error", err)
		} else if deleted > 0 {
			slog.Info("Cleaned up old screenshots", "deleted", deleted)
			w.buf.Add(fmt.Sprintf("Cleaned up %d old screenshots", deleted))
		}

		w.maybeReloadFrequency()

		if !w.sleep(ctx, w.Frequency()) {
			return
		}
	}
}

func (w *Worker) captureOnce(ctx context.Context) {
	path, err := w.capturer.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Screenshot capture failed", "error", err)
		w.buf.Add(fmt.Sprintf("Error: %v", err))
		metrics.CaptureFailures.Inc()
		if w.OnCapture != nil {
			w.OnCapture(CaptureReport{Err: err})
		}
		// Brief backoff so a persistently failing capturer does not spin.
		w.sleep(ctx, time.Second)
		return
	}
	metrics.CapturesTaken.Inc()
	slog.Debug("Captured screenshot", "path", path)
	w.buf.Add("Captured: " + filepath.Base(path))
	if w.OnCapture != nil {
		w.OnCapture(CaptureReport{Path: path})
	}
}

// pauseRequested polls the pause sentinel. Presence checks are polled, not
// watched, to avoid cross-platform filesystem-notification dependencies.
func (w *Worker) pauseRequested() bool {
	_, err := os.Stat(filepath.Join(w.tempDir, PauseSentinel))
	return err == nil
}

func (w *Worker) markPaused(paused bool) {
	w.mu.Lock()
	changed := w.paused != paused
	w.paused = paused
	w.mu.Unlock()
	if !changed {
		return
	}
	if paused {
		slog.Info("Capture paused")
		w.buf.Add("Capture paused")
	} else {
		slog.Info("Capture resumed")
		w.buf.Add("Capture resumed")
	}
}

// maybeReloadFrequency consumes the reload sentinel: re-read the frequency
// config, then remove the signal file.
func (w *Worker) maybeReloadFrequency() {
	sentinel := filepath.Join(w.tempDir, ReloadSentinel)
	if _, err := os.Stat(sentinel); err != nil {
		return
	}

	freq, err := LoadFrequency(filepath.Join(w.tempDir, config.FrequencyFile))
	if err != nil {
		slog.Warn("Reloading frequency config failed", "error", err)
	} else {
		w.mu.Lock()
		w.frequency = freq
		w.mu.Unlock()
		slog.Info("Screenshot frequency reloaded", "frequency", freq)
		w.buf.Add(fmt.Sprintf("Screenshot frequency set to %gs", freq.Seconds()))
	}

	if err := os.Remove(sentinel); err != nil && !os.IsNotExist(err) {
		slog.Warn("Removing reload sentinel failed", "error", err)
	}
}

// sleep waits for d, interruptible by Poke and by shutdown. Returns false
// when the context is done.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// LoadFrequency reads the frequency config file and clamps the value.
// Out-of-range values fall back to the default with a warning.
func LoadFrequency(path string) (time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading frequency config: %w", err)
	}
	var body struct {
		Frequency float64 `json:"frequency"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return 0, fmt.Errorf("parsing frequency config: %w", err)
	}
	freq, ok := config.ClampFrequency(body.Frequency)
	if !ok {
		slog.Warn("Configured frequency out of range - using default",
			"got", body.Frequency, "default", config.DefaultFrequency)
	}
	return time.Duration(freq * float64(time.Second)), nil
}

// OutputBuffer keeps the worker's recent log lines for the status view.
// Oldest lines drop once the cap is reached.
type OutputBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func NewOutputBuffer(max int) *OutputBuffer {
	return &OutputBuffer{max: max}
}

func (b *OutputBuffer) Add(message string) {
	line := time.Now().Format("15:04:05") + " " + message
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[1:]
	}
}

func (b *OutputBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
