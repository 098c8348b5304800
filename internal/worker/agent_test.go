package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/designerGenes/33ter-backend-sub000/internal/capture"
	"github.com/designerGenes/33ter-backend-sub000/internal/config"
	"github.com/designerGenes/33ter-backend-sub000/internal/relay"
	"github.com/designerGenes/33ter-backend-sub000/internal/sio"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubCapturer struct {
	dir string
}

func (s *stubCapturer) Capture(context.Context) (string, error) {
	path := filepath.Join(s.dir, capture.Filename(time.Now()))
	return path, os.WriteFile(path, []byte("png"), 0o644)
}

type stubRecognizer struct {
	text string
	err  error
}

func (s *stubRecognizer) Recognize(context.Context, string) (string, error) {
	return s.text, s.err
}

type failingCapturer struct{}

func (failingCapturer) Capture(context.Context) (string, error) {
	return "", errors.New("screen locked")
}

// startStack spins relay + agent and returns the relay URL.
func startStack(t *testing.T, capt capture.Capturer, rec capture.Recognizer, seedCapture bool) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()

	cfg := config.Defaults()
	cfg.Server.Room = "t3t"
	cfg.Server.HealthCheckInterval = 60
	cfg.Server.OCRTimeoutSeconds = 0

	srv := sio.NewServer(nil)
	rel := relay.New(cfg, srv)
	router.GET("/socket.io/", srv.HandleRequest)
	ts := httptest.NewServer(router)
	rel.Start()

	shotCfg := config.ScreenshotConfig{
		Frequency:  60, // effectively one capture per test
		CleanupAge: config.DefaultCleanupAge,
		Dir:        t.TempDir(),
		TempDir:    t.TempDir(),
	}
	if seedCapture {
		require.NoError(t, os.WriteFile(
			filepath.Join(shotCfg.Dir, capture.Filename(time.Now())), []byte("png"), 0o644))
	}
	if capt == nil {
		capt = &stubCapturer{dir: shotCfg.Dir}
	}

	agent := New(ts.URL, shotCfg, capt, rec)

	agentCtx, stopAgent := context.WithCancel(context.Background())
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		agent.Run(agentCtx)
	}()

	t.Cleanup(func() {
		stopAgent()
		select {
		case <-agentDone:
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rel.Shutdown(ctx)
		srv.Shutdown(ctx)
		ts.Close()
	})

	// The agent must hold the InternalSlot before tests proceed.
	require.Eventually(t, func() bool {
		_, ok := rel.Registry().InternalSID()
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	return ts.URL
}

// mobilePeer dials as a handheld client and records message/event traffic.
type mobilePeer struct {
	client *sio.Client

	mu     sync.Mutex
	frames map[string][]json.RawMessage
}

func dialMobile(t *testing.T, url string) *mobilePeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := sio.Dial(ctx, url, sio.DialOptions{UserAgent: "Threethreeter/2.0 iPhone"})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	m := &mobilePeer{client: client, frames: make(map[string][]json.RawMessage)}
	for _, name := range []string{
		"message",
		string(types.EventOCRProcessingStarted),
		string(types.EventOCRProcessingCompleted),
		string(types.EventProcessedScreenshot),
		string(types.EventCapturedScreenshot),
	} {
		name := name
		client.On(name, func(args []json.RawMessage) {
			var raw json.RawMessage
			if len(args) > 0 {
				raw = args[0]
			}
			m.mu.Lock()
			m.frames[name] = append(m.frames[name], raw)
			m.mu.Unlock()
		})
	}
	return m
}

func (m *mobilePeer) waitFor(t *testing.T, name string, pred func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	var match json.RawMessage
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, raw := range m.frames[name] {
			if pred == nil || pred(raw) {
				match = raw
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "never saw %s", name)
	return match
}

func TestAgent_OCRRoundTrip(t *testing.T) {
	url := startStack(t, nil, &stubRecognizer{text: "hello  \nworld"}, true)
	mobile := dialMobile(t, url)

	require.NoError(t, mobile.client.Emit("message", types.Envelope{
		MessageType: "trigger_ocr", Value: "", From: mobile.client.SID(),
	}))

	completed := mobile.waitFor(t, string(types.EventOCRProcessingCompleted), nil)
	var completion struct {
		RequesterSID string `json:"requester_sid"`
		Success      bool   `json:"success"`
	}
	require.NoError(t, json.Unmarshal(completed, &completion))
	assert.True(t, completion.Success)
	assert.Equal(t, mobile.client.SID(), completion.RequesterSID)

	// Normalized text comes back on the message channel.
	mobile.waitFor(t, "message", func(raw json.RawMessage) bool {
		var env struct {
			MessageType string `json:"messageType"`
			Value       string `json:"value"`
		}
		return json.Unmarshal(raw, &env) == nil &&
			env.MessageType == "ocr_result" && env.Value == "hello\nworld"
	})
}

func TestAgent_NoScreenshot(t *testing.T) {
	url := startStack(t, failingCapturer{}, &stubRecognizer{text: "unused"}, false)
	mobile := dialMobile(t, url)

	require.NoError(t, mobile.client.Emit("message", types.Envelope{
		MessageType: "trigger_ocr", Value: "", From: mobile.client.SID(),
	}))

	completed := mobile.waitFor(t, string(types.EventOCRProcessingCompleted), nil)
	var completion struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(completed, &completion))
	assert.False(t, completion.Success)
	assert.Equal(t, "no screenshot", completion.Error)
}

func TestAgent_EmptyText(t *testing.T) {
	url := startStack(t, nil, &stubRecognizer{text: "   \n  "}, true)
	mobile := dialMobile(t, url)

	require.NoError(t, mobile.client.Emit("message", types.Envelope{
		MessageType: "trigger_ocr", Value: "", From: mobile.client.SID(),
	}))

	completed := mobile.waitFor(t, string(types.EventOCRProcessingCompleted), nil)
	var completion struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(completed, &completion))
	assert.False(t, completion.Success)
	assert.Equal(t, "no text", completion.Error)
}

func TestOCRErrorString(t *testing.T) {
	assert.Equal(t, "no screenshot", ocrErrorString(capture.ErrNoScreenshot))
	assert.Equal(t, "no text", ocrErrorString(capture.ErrNoText))
	assert.Equal(t, "wrapped: no screenshot",
		ocrErrorString(errors.New("wrapped: no screenshot")))
}
