package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/designerGenes/33ter-backend-sub000/internal/config"
	"github.com/designerGenes/33ter-backend-sub000/internal/sio"
	"github.com/designerGenes/33ter-backend-sub000/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testCfg returns a config tuned for fast tests.
func testCfg() *config.Config {
	cfg := config.Defaults()
	cfg.Server.Room = "t3t"
	cfg.Server.HealthCheckInterval = 1
	cfg.Server.OCRTimeoutSeconds = 0
	return cfg
}

// startRelay spins a full relay behind an httptest listener.
func startRelay(t *testing.T, cfg *config.Config) (*Relay, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()

	srv := sio.NewServer(nil)
	rel := New(cfg, srv)
	router.GET("/socket.io/", srv.HandleRequest)

	ts := httptest.NewServer(router)
	rel.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rel.Shutdown(ctx)
		srv.Shutdown(ctx)
		ts.Close()
	})
	return rel, ts.URL
}

// recorder wraps a client and keeps every observed frame in arrival order.
type recorder struct {
	client *sio.Client

	mu     sync.Mutex
	frames []frame
}

type frame struct {
	Name string
	Raw  json.RawMessage
}

// watchedEvents is every channel a room observer can see.
var watchedEvents = []string{
	"message",
	"perform_ocr_request",
	string(types.EventServerStarted),
	string(types.EventClientConnected),
	string(types.EventClientDisconnected),
	string(types.EventClientJoinedRoom),
	string(types.EventClientLeftRoom),
	string(types.EventUpdatedClientCount),
	string(types.EventCapturedScreenshot),
	string(types.EventFailedScreenshotCapture),
	string(types.EventOCRProcessingStarted),
	string(types.EventOCRProcessingCompleted),
	string(types.EventProcessedScreenshot),
}

func newRecorder(t *testing.T, url string, opts sio.DialOptions) *recorder {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := sio.Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	r := &recorder{client: client}
	for _, name := range watchedEvents {
		name := name
		client.On(name, func(args []json.RawMessage) {
			var raw json.RawMessage
			if len(args) > 0 {
				raw = args[0]
			}
			r.mu.Lock()
			r.frames = append(r.frames, frame{Name: name, Raw: raw})
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) sid() types.SessionIDType {
	return types.SessionIDType(r.client.SID())
}

func (r *recorder) snapshot() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// waitFor blocks until pred matches one recorded frame.
func (r *recorder) waitFor(t *testing.T, name string, pred func(frame) bool) frame {
	t.Helper()
	var match frame
	require.Eventually(t, func() bool {
		for _, f := range r.snapshot() {
			if f.Name == name && (pred == nil || pred(f)) {
				match = f
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "never saw %s", name)
	return match
}

func (r *recorder) count(name string) int {
	n := 0
	for _, f := range r.snapshot() {
		if f.Name == name {
			n++
		}
	}
	return n
}

// indexOf returns the position of the first frame matching name+pred, or -1.
func indexOf(frames []frame, name string, pred func(frame) bool) int {
	for i, f := range frames {
		if f.Name == name && (pred == nil || pred(f)) {
			return i
		}
	}
	return -1
}

func hasField(raw json.RawMessage, key, want string) bool {
	var body map[string]any
	if json.Unmarshal(raw, &body) != nil {
		return false
	}
	got, _ := body[key].(string)
	return got == want
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		auth map[string]any
		ua   string
		want types.ClassificationType
	}{
		{"auth internal", map[string]any{"client_type": "internal"}, "", types.ClassInternal},
		{"internal user agent", nil, "Threethreeter-Worker/1.0", types.ClassInternal},
		{"ios", nil, "Threethreeter/2.1 iOS/17.0 iPhone", types.ClassMobile},
		{"android", nil, "Dalvik/2.1 (Linux; Android 14)", types.ClassMobile},
		{"unknown", nil, "curl/8.0", types.ClassUnknown},
		{"auth wins over ua", map[string]any{"client_type": "internal"}, "iPhone", types.ClassInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.auth, tt.ua))
		})
	}
}

func TestConnect_RegistersAndAnnounces(t *testing.T) {
	rel, url := startRelay(t, testCfg())

	observer := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})
	observer.waitFor(t, string(types.EventClientConnected), nil)

	mobile := newRecorder(t, url, sio.DialOptions{UserAgent: "iPad"})

	// The observer sees the second peer arrive and join the room.
	observer.waitFor(t, string(types.EventClientConnected), func(f frame) bool {
		return hasField(f.Raw, "sid", string(mobile.sid()))
	})
	observer.waitFor(t, string(types.EventClientJoinedRoom), func(f frame) bool {
		return hasField(f.Raw, "sid", string(mobile.sid()))
	})

	// Welcome message targets the newcomer but is delivered to the room.
	observer.waitFor(t, "message", func(f frame) bool {
		return hasField(f.Raw, "target_sid", string(mobile.sid())) &&
			hasField(f.Raw, "messageType", "info")
	})

	peer, ok := rel.Registry().Lookup(mobile.sid())
	require.True(t, ok)
	assert.Equal(t, types.ClassMobile, peer.Classification)
}

func TestDisconnect_CleansRegistry(t *testing.T) {
	rel, url := startRelay(t, testCfg())

	observer := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})
	mobile := newRecorder(t, url, sio.DialOptions{UserAgent: "iPad"})
	sid := mobile.sid()

	observer.waitFor(t, string(types.EventClientConnected), func(f frame) bool {
		return hasField(f.Raw, "sid", string(sid))
	})

	mobile.client.Close()

	observer.waitFor(t, string(types.EventClientDisconnected), func(f frame) bool {
		return hasField(f.Raw, "sid", string(sid))
	})

	require.Eventually(t, func() bool {
		_, ok := rel.Registry().Lookup(sid)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInternalWorker_ClaimsSlot(t *testing.T) {
	rel, url := startRelay(t, testCfg())

	worker := newRecorder(t, url, sio.DialOptions{
		UserAgent: InternalUserAgent,
		Auth:      map[string]any{"client_type": "internal"},
	})

	require.Eventually(t, func() bool {
		sid, ok := rel.Registry().InternalSID()
		return ok && sid == worker.sid()
	}, 2*time.Second, 10*time.Millisecond)

	// Registration confirmation arrives as a targeted info message.
	worker.waitFor(t, "message", func(f frame) bool {
		return hasField(f.Raw, "target_sid", string(worker.sid()))
	})
}

// S1 — happy path OCR round trip.
func TestTriggerOCR_HappyPath(t *testing.T) {
	_, url := startRelay(t, testCfg())

	worker := newRecorder(t, url, sio.DialOptions{Auth: map[string]any{"client_type": "internal"}})
	mobile := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})

	// The worker echoes the correlation key back with a result.
	worker.client.On("perform_ocr_request", func(args []json.RawMessage) {
		var payload types.PerformOCRPayload
		assert.NoError(t, json.Unmarshal(args[0], &payload))
		assert.NoError(t, worker.client.Emit("ocr_result", types.OCRResultPayload{
			RequesterSID: payload.RequesterSID,
			Text:         "hello\nworld",
		}))
	})

	require.NoError(t, mobile.client.Emit("message", types.Envelope{
		MessageType: "trigger_ocr",
		Value:       "",
		From:        string(mobile.sid()),
	}))

	mobile.waitFor(t, string(types.EventOCRProcessingStarted), func(f frame) bool {
		return hasField(f.Raw, "requester_sid", string(mobile.sid()))
	})
	completed := mobile.waitFor(t, string(types.EventOCRProcessingCompleted), func(f frame) bool {
		return hasField(f.Raw, "requester_sid", string(mobile.sid()))
	})

	var completion struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.Unmarshal(completed.Raw, &completion))
	assert.True(t, completion.Success)

	mobile.waitFor(t, string(types.EventProcessedScreenshot), func(f frame) bool {
		return hasField(f.Raw, "text_preview", "hello\nworld")
	})
	mobile.waitFor(t, "message", func(f frame) bool {
		return hasField(f.Raw, "messageType", "ocr_result") &&
			hasField(f.Raw, "from", types.LocalBackend) &&
			hasField(f.Raw, "value", "hello\nworld")
	})

	// Started always precedes completed for the same requester.
	frames := mobile.snapshot()
	started := indexOf(frames, string(types.EventOCRProcessingStarted), nil)
	done := indexOf(frames, string(types.EventOCRProcessingCompleted), nil)
	require.GreaterOrEqual(t, started, 0)
	require.Greater(t, done, started)

	// The perform_ocr_request frame was targeted, not broadcast.
	assert.Zero(t, mobile.count("perform_ocr_request"))
}

// S2 — no internal worker registered.
func TestTriggerOCR_NoWorker(t *testing.T) {
	_, url := startRelay(t, testCfg())

	mobile := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})
	require.NoError(t, mobile.client.Emit("message", types.Envelope{
		MessageType: "trigger_ocr", Value: "", From: string(mobile.sid()),
	}))

	mobile.waitFor(t, string(types.EventOCRProcessingStarted), nil)
	completed := mobile.waitFor(t, string(types.EventOCRProcessingCompleted), nil)

	var completion struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(completed.Raw, &completion))
	assert.False(t, completion.Success)
	assert.Contains(t, completion.Error, "no internal worker")

	errMsg := mobile.waitFor(t, "message", func(f frame) bool {
		return hasField(f.Raw, "messageType", "error") &&
			hasField(f.Raw, "from", types.LocalBackend)
	})
	assert.Contains(t, string(errMsg.Raw), string(mobile.sid()))
	assert.Zero(t, mobile.count("perform_ocr_request"))
}

// Worker error replies surface verbatim with no positive result.
func TestTriggerOCR_WorkerError(t *testing.T) {
	_, url := startRelay(t, testCfg())

	worker := newRecorder(t, url, sio.DialOptions{Auth: map[string]any{"client_type": "internal"}})
	mobile := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})

	worker.client.On("perform_ocr_request", func(args []json.RawMessage) {
		var payload types.PerformOCRPayload
		assert.NoError(t, json.Unmarshal(args[0], &payload))
		assert.NoError(t, worker.client.Emit("ocr_error", types.OCRErrorPayload{
			RequesterSID: payload.RequesterSID,
			Error:        "no screenshot",
		}))
	})

	// The bare trigger_ocr event works like the envelope form.
	require.NoError(t, mobile.client.Emit("trigger_ocr"))

	completed := mobile.waitFor(t, string(types.EventOCRProcessingCompleted), nil)
	var completion struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(completed.Raw, &completion))
	assert.False(t, completion.Success)
	assert.Equal(t, "no screenshot", completion.Error)

	assert.Zero(t, mobile.count(string(types.EventProcessedScreenshot)))
}

// OCR timeout synthesizes a failure completion.
func TestTriggerOCR_Timeout(t *testing.T) {
	cfg := testCfg()
	cfg.Server.OCRTimeoutSeconds = 1
	_, url := startRelay(t, cfg)

	// A worker that never replies.
	newRecorder(t, url, sio.DialOptions{Auth: map[string]any{"client_type": "internal"}})
	mobile := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})

	require.NoError(t, mobile.client.Emit("message", types.Envelope{
		MessageType: "trigger_ocr", Value: "", From: string(mobile.sid()),
	}))

	completed := mobile.waitFor(t, string(types.EventOCRProcessingCompleted), nil)
	var completion struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(completed.Raw, &completion))
	assert.False(t, completion.Success)
	assert.Equal(t, "ocr timed out", completion.Error)
}

// S4 — rebroadcast excludes the sender.
func TestRebroadcast_ExcludesSender(t *testing.T) {
	_, url := startRelay(t, testCfg())

	a := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})
	b := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})
	c := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})

	require.NoError(t, a.client.Emit("message", types.Envelope{
		MessageType: "info", Value: "hi", From: "A",
	}))

	for _, peer := range []*recorder{b, c} {
		got := peer.waitFor(t, "message", func(f frame) bool {
			return hasField(f.Raw, "from", "A")
		})
		assert.JSONEq(t, `{"messageType":"info","value":"hi","from":"A"}`, string(got.Raw))
	}

	// Give any stray delivery time to land, then check A saw nothing.
	time.Sleep(200 * time.Millisecond)
	for _, f := range a.snapshot() {
		if f.Name == "message" && hasField(f.Raw, "from", "A") {
			t.Fatalf("sender received its own rebroadcast: %s", f.Raw)
		}
	}

	// Exactly-once delivery to the others.
	onceTo := func(r *recorder) int {
		n := 0
		for _, f := range r.snapshot() {
			if f.Name == "message" && hasField(f.Raw, "from", "A") {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, onceTo(b))
	assert.Equal(t, 1, onceTo(c))
}

func TestMalformedEnvelope_Dropped(t *testing.T) {
	_, url := startRelay(t, testCfg())

	a := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})
	b := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})
	b.waitFor(t, string(types.EventClientConnected), nil)

	// Missing value: dropped, nothing forwarded.
	require.NoError(t, a.client.Emit("message", map[string]string{"messageType": "info"}))
	// Missing messageType: dropped too.
	require.NoError(t, a.client.Emit("message", map[string]string{"value": "hi"}))

	time.Sleep(200 * time.Millisecond)
	for _, f := range b.snapshot() {
		if f.Name == "message" && hasField(f.Raw, "messageType", "info") && !hasField(f.Raw, "from", types.LocalBackend) {
			t.Fatalf("malformed envelope was forwarded: %s", f.Raw)
		}
	}
}

// S3 — client count heartbeat excludes internal peers.
func TestClientCountHeartbeat(t *testing.T) {
	_, url := startRelay(t, testCfg())

	newRecorder(t, url, sio.DialOptions{Auth: map[string]any{"client_type": "internal"}})
	mobiles := []*recorder{
		newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"}),
		newRecorder(t, url, sio.DialOptions{UserAgent: "iPad"}),
		newRecorder(t, url, sio.DialOptions{UserAgent: "Android"}),
	}

	heartbeat := mobiles[0].waitFor(t, "message", func(f frame) bool {
		return hasField(f.Raw, "messageType", "client_count") &&
			hasField(f.Raw, "from", types.LocalBackend)
	})

	var body struct {
		Value types.ClientCountValue `json:"value"`
	}
	require.NoError(t, json.Unmarshal(heartbeat.Raw, &body))
	assert.Equal(t, 3, body.Value.Count)
}

func TestJoinLeaveRoom(t *testing.T) {
	rel, url := startRelay(t, testCfg())

	mobile := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})

	require.NoError(t, mobile.client.Emit("join_room", types.RoomPayload{Room: "side-room"}))
	mobile.waitFor(t, string(types.EventClientJoinedRoom), func(f frame) bool {
		return hasField(f.Raw, "room", "side-room")
	})
	require.Eventually(t, func() bool {
		return rel.Registry().InRoom(mobile.sid(), "side-room")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mobile.client.Emit("leave_room", types.RoomPayload{Room: "side-room"}))
	mobile.waitFor(t, string(types.EventClientLeftRoom), func(f frame) bool {
		return hasField(f.Raw, "room", "side-room")
	})

	// Leaving a room it is not in draws a warning message, not an event.
	require.NoError(t, mobile.client.Emit("leave_room", types.RoomPayload{Room: "never-joined"}))
	mobile.waitFor(t, "message", func(f frame) bool {
		return hasField(f.Raw, "messageType", "warning")
	})

	// Missing room name draws an error message.
	require.NoError(t, mobile.client.Emit("join_room", map[string]string{}))
	mobile.waitFor(t, "message", func(f frame) bool {
		return hasField(f.Raw, "messageType", "error")
	})
}

func TestCaptureReports_ForwardedFromWorkerOnly(t *testing.T) {
	_, url := startRelay(t, testCfg())

	worker := newRecorder(t, url, sio.DialOptions{Auth: map[string]any{"client_type": "internal"}})
	mobile := newRecorder(t, url, sio.DialOptions{UserAgent: "iPhone"})

	// Reports from a mobile peer are ignored.
	require.NoError(t, mobile.client.Emit("captured_screenshot", map[string]string{"filepath": "/tmp/x.png"}))

	require.NoError(t, worker.client.Emit("captured_screenshot", map[string]string{"filepath": "/tmp/shot.png"}))
	got := mobile.waitFor(t, string(types.EventCapturedScreenshot), nil)
	assert.True(t, hasField(got.Raw, "filepath", "/tmp/shot.png"))

	require.NoError(t, worker.client.Emit("failed_screenshot_capture", map[string]string{"error": "boom"}))
	mobile.waitFor(t, string(types.EventFailedScreenshotCapture), func(f frame) bool {
		return hasField(f.Raw, "error", "boom")
	})

	// Only the worker's report made it through.
	assert.Equal(t, 1, mobile.count(string(types.EventCapturedScreenshot)))
}
