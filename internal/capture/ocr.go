// Package capture implements the workstation side: periodic screenshot
// capture, age-based cleanup, and on-demand OCR over the latest capture.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/designerGenes/33ter-backend-sub000/internal/metrics"
)

// Capturer takes one screenshot and returns the written file path.
// The screen-capture engine itself is an external collaborator.
type Capturer interface {
	Capture(ctx context.Context) (string, error)
}

// Recognizer extracts text from a capture file. OCR is an external
// collaborator with this one-function contract.
type Recognizer interface {
	Recognize(ctx context.Context, path string) (string, error)
}

var (
	// ErrNoScreenshot is reported when OCR is requested with no captures on disk.
	ErrNoScreenshot = errors.New("no screenshot")
	// ErrNoText is reported when OCR finds only whitespace.
	ErrNoText = errors.New("no text")
)

const (
	filePrefix = "screenshot_"
	fileSuffix = ".png"
	// timestampLayout produces screenshot_YYYYMMDD-HHMMSS.png names that
	// sort lexicographically by capture time.
	timestampLayout = "20060102-150405"
)

// Filename returns the capture file name for a timestamp.
func Filename(t time.Time) string {
	return filePrefix + t.Format(timestampLayout) + fileSuffix
}

// isCapture reports whether a directory entry is one of ours. Anything else
// in the directory is left alone.
func isCapture(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

// LatestScreenshot returns the newest capture in dir, relying on the
// timestamped names sorting lexicographically.
func LatestScreenshot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading capture dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isCapture(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", ErrNoScreenshot
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return filepath.Join(dir, names[0]), nil
}

// Cleanup deletes captures in dir whose modification time is older than
// maxAge and returns how many were removed. Races with external readers are
// tolerated; a file that vanished is not an error.
func Cleanup(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading capture dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !isCapture(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil || os.IsNotExist(err) {
				deleted++
			}
		}
	}
	if deleted > 0 {
		metrics.ScreenshotsDeleted.Add(float64(deleted))
	}
	return deleted, nil
}

// NormalizeText strips trailing whitespace per line while preserving line
// breaks, matching what the mobile clients expect to render.
func NormalizeText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.Join(lines, "\n")
}

// ProcessLatest runs OCR over the newest capture in dir. The error values
// distinguish "nothing captured yet" from "capture had no text".
func ProcessLatest(ctx context.Context, rec Recognizer, dir string) (string, error) {
	path, err := LatestScreenshot(dir)
	if err != nil {
		return "", err
	}
	text, err := rec.Recognize(ctx, path)
	if err != nil {
		return "", fmt.Errorf("ocr on %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoText
	}
	return NormalizeText(text), nil
}

// --- exec-backed collaborators ---

// ScreencaptureCapturer shells out to the platform screenshot tool
// (screencapture on macOS). It writes timestamped PNGs into Dir.
type ScreencaptureCapturer struct {
	Dir string
	// Tool overrides the binary, mainly for tests.
	Tool string
}

func (s *ScreencaptureCapturer) Capture(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating capture dir: %w", err)
	}
	tool := s.Tool
	if tool == "" {
		tool = "screencapture"
	}
	path := filepath.Join(s.Dir, Filename(time.Now()))
	cmd := exec.CommandContext(ctx, tool, "-x", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", tool, err, strings.TrimSpace(string(out)))
	}
	return path, nil
}

// TesseractRecognizer shells out to tesseract and reads text from stdout.
type TesseractRecognizer struct {
	// Tool overrides the binary, mainly for tests.
	Tool string
}

func (t *TesseractRecognizer) Recognize(ctx context.Context, path string) (string, error) {
	tool := t.Tool
	if tool == "" {
		tool = "tesseract"
	}
	cmd := exec.CommandContext(ctx, tool, path, "stdout")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", tool, err)
	}
	return string(out), nil
}
