package volc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/asrproxy/domain"
	"github.com/satriahrh/asrproxy/domain/entities"
)

const testTimeout = 3 * time.Second

// recorder collects observer callbacks
type recorder struct {
	events chan domain.Event
	closed chan int
	reason chan string
}

func newRecorder() *recorder {
	return &recorder{
		events: make(chan domain.Event, 32),
		closed: make(chan int, 4),
		reason: make(chan string, 4),
	}
}

func (r *recorder) OnEvent(ev domain.Event) { r.events <- ev }

func (r *recorder) OnClosed(code int, reason string) {
	r.closed <- code
	r.reason <- reason
}

func (r *recorder) nextEvent(t *testing.T) domain.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for event")
		return domain.Event{}
	}
}

func (r *recorder) nextClose(t *testing.T) (int, string) {
	t.Helper()
	select {
	case code := <-r.closed:
		return code, <-r.reason
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for close")
		return 0, ""
	}
}

// countingMetrics records relay counters
type countingMetrics struct {
	mu      sync.Mutex
	dropped map[string]int
	vendor  map[uint32]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{dropped: map[string]int{}, vendor: map[uint32]int{}}
}

func (m *countingMetrics) FrameSent(string) {}
func (m *countingMetrics) FrameDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}
func (m *countingMetrics) AudioDropped(string)  {}
func (m *countingMetrics) DecompressionFailed() {}
func (m *countingMetrics) VendorError(code uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vendor[code]++
}
func (m *countingMetrics) UpstreamError(string) {}

func (m *countingMetrics) droppedCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

// mockVendor is a scripted upstream ASR server
type mockVendor struct {
	srv     *httptest.Server
	dials   atomic.Int32
	headers chan http.Header
	frames  chan *Frame
	closes  chan *websocket.CloseError
}

func newMockVendor(t *testing.T, respond func(conn *websocket.Conn, frame *Frame, audioIndex int)) *mockVendor {
	t.Helper()
	v := &mockVendor{
		headers: make(chan http.Header, 1),
		frames:  make(chan *Frame, 32),
		closes:  make(chan *websocket.CloseError, 1),
	}

	upgrader := websocket.Upgrader{}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		v.headers <- r.Header

		audioIndex := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					v.closes <- closeErr
				}
				return
			}
			frame, err := DecodeFrame(data)
			if err != nil {
				t.Errorf("Vendor received malformed frame: %v", err)
				return
			}
			v.frames <- frame
			if frame.Type == MessageTypeAudioOnlyRequest {
				audioIndex++
			}
			if respond != nil {
				respond(conn, frame, audioIndex)
			}
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *mockVendor) url() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func (v *mockVendor) nextFrame(t *testing.T) *Frame {
	t.Helper()
	select {
	case f := <-v.frames:
		return f
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for vendor frame")
		return nil
	}
}

func (v *mockVendor) nextClose(t *testing.T) *websocket.CloseError {
	t.Helper()
	select {
	case c := <-v.closes:
		return c
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for vendor close")
		return nil
	}
}

func serverResponse(t *testing.T, seq int32, flags byte, text string) []byte {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{"result": map[string]string{"text": text}})
	payload, err := Compress(body)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	f := Frame{
		Type:          MessageTypeFullServerResponse,
		Flags:         flags,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
		Sequence:      seq,
		Payload:       payload,
	}
	return f.Encode()
}

func errorResponse(code uint32, message string) []byte {
	f := Frame{Type: MessageTypeErrorResponse, ErrorCode: code, Payload: []byte(message)}
	return f.Encode()
}

func newTestRelay(t *testing.T, endpoint string, cfg Config, metrics Metrics, rec *recorder) *Relay {
	t.Helper()
	cfg.BidiEndpoint = endpoint
	cfg.CloseTimeout = time.Second
	provider := NewProvider(cfg, metrics, zaptest.NewLogger(t))

	relay, err := provider.NewRelay(newTestSession(entities.DefaultSessionOptions()), rec)
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	t.Cleanup(func() { _ = relay.Close(websocket.CloseNormalClosure, "test done") })
	return relay
}

func TestRelay_StreamToFinal(t *testing.T) {
	vendor := newMockVendor(t, func(conn *websocket.Conn, frame *Frame, audioIndex int) {
		if frame.Type != MessageTypeAudioOnlyRequest {
			return
		}
		if frame.IsLastAudio() {
			_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 2, FlagServerFinalMask, "hello world"))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finished"))
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 1, FlagNone, "hello"))
	})

	rec := newRecorder()
	relay := newTestRelay(t, vendor.url(), Config{}, nil, rec)

	ctx := context.Background()
	if err := relay.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if ev := rec.nextEvent(t); ev.Type != domain.EventReady {
		t.Fatalf("Expected ready event, got %s", ev.Type)
	}

	headers := <-vendor.headers
	if headers.Get(HeaderAppKey) != "app" || headers.Get(HeaderAccessKey) != "secret" {
		t.Errorf("Unexpected auth headers: %v", headers)
	}
	if headers.Get(HeaderResourceID) != ResourceIDV1 {
		t.Errorf("Expected resource id %s, got %s", ResourceIDV1, headers.Get(HeaderResourceID))
	}
	if headers.Get(HeaderConnectID) == "" {
		t.Error("Expected connect id header")
	}

	first := vendor.nextFrame(t)
	if first.Type != MessageTypeFullClientRequest || first.Serialization != SerializationJSON || first.Compression != CompressionGzip {
		t.Fatalf("Unexpected first frame: %+v", first)
	}
	body, err := Decompress(first.Payload)
	if err != nil {
		t.Fatalf("Failed to decompress client request: %v", err)
	}
	var req FullClientRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("Invalid client request JSON: %v", err)
	}
	if req.User.UID != "app" || req.Request.ModelName != "bigmodel" {
		t.Errorf("Unexpected client request: %+v", req)
	}

	pcm := make([]byte, 3200)
	if err := relay.SendAudio(ctx, pcm); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	audio := vendor.nextFrame(t)
	if audio.Type != MessageTypeAudioOnlyRequest || audio.IsLastAudio() {
		t.Fatalf("Unexpected audio frame: %+v", audio)
	}
	if raw, _ := Decompress(audio.Payload); len(raw) != len(pcm) {
		t.Errorf("Expected %d audio bytes, got %d", len(pcm), len(raw))
	}

	partial := rec.nextEvent(t)
	if partial.Type != domain.EventPartial || partial.Text != "hello" {
		t.Errorf("Expected partial hello, got %+v", partial)
	}

	if err := relay.EndAudio(ctx); err != nil {
		t.Fatalf("EndAudio failed: %v", err)
	}
	if err := relay.EndAudio(ctx); err != nil {
		t.Fatalf("Second EndAudio failed: %v", err)
	}

	last := vendor.nextFrame(t)
	if !last.IsLastAudio() {
		t.Fatalf("Expected last audio frame, got flags %x", last.Flags)
	}
	if raw, err := Decompress(last.Payload); err != nil || len(raw) != 0 {
		t.Errorf("Expected empty end marker, got %d bytes (%v)", len(raw), err)
	}

	final := rec.nextEvent(t)
	if final.Type != domain.EventFinal || final.Text != "hello world" {
		t.Errorf("Expected final hello world, got %+v", final)
	}

	code, reason := rec.nextClose(t)
	if code != websocket.CloseNormalClosure || reason != "finished" {
		t.Errorf("Expected close 1000 finished, got %d %q", code, reason)
	}

	select {
	case <-relay.Done():
	case <-time.After(testTimeout):
		t.Fatal("Relay did not terminate")
	}

	select {
	case f := <-vendor.frames:
		t.Errorf("Unexpected extra frame after end marker: %+v", f)
	default:
	}
}

func TestRelay_NonFatalVendorErrorKeepsStreaming(t *testing.T) {
	vendor := newMockVendor(t, func(conn *websocket.Conn, frame *Frame, audioIndex int) {
		if frame.Type != MessageTypeAudioOnlyRequest {
			return
		}
		if audioIndex == 1 {
			_ = conn.WriteMessage(websocket.BinaryMessage, errorResponse(45000002, "empty audio"))
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 1, FlagNone, "still here"))
	})

	rec := newRecorder()
	metrics := newCountingMetrics()
	relay := newTestRelay(t, vendor.url(), Config{}, metrics, rec)

	ctx := context.Background()
	if err := relay.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rec.nextEvent(t)

	_ = relay.SendAudio(ctx, []byte{1, 2})
	ev := rec.nextEvent(t)
	if ev.Type != domain.EventError || ev.Code != 45000002 || ev.Message != "empty audio" {
		t.Fatalf("Unexpected error event: %+v", ev)
	}

	_ = relay.SendAudio(ctx, []byte{3, 4})
	ev = rec.nextEvent(t)
	if ev.Type != domain.EventPartial || ev.Text != "still here" {
		t.Errorf("Expected stream to continue, got %+v", ev)
	}

	metrics.mu.Lock()
	count := metrics.vendor[45000002]
	metrics.mu.Unlock()
	if count != 1 {
		t.Errorf("Expected 1 vendor error counted, got %d", count)
	}
}

func TestRelay_FatalVendorErrorClosesSession(t *testing.T) {
	vendor := newMockVendor(t, func(conn *websocket.Conn, frame *Frame, audioIndex int) {
		if frame.Type == MessageTypeAudioOnlyRequest {
			_ = conn.WriteMessage(websocket.BinaryMessage, errorResponse(45000081, "quota exceeded"))
		}
	})

	rec := newRecorder()
	relay := newTestRelay(t, vendor.url(), Config{FatalErrorCodes: []uint32{45000081}}, nil, rec)

	ctx := context.Background()
	if err := relay.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rec.nextEvent(t)

	_ = relay.SendAudio(ctx, []byte{1})

	ev := rec.nextEvent(t)
	if ev.Type != domain.EventError || ev.Code != 45000081 {
		t.Fatalf("Unexpected error event: %+v", ev)
	}

	code, _ := rec.nextClose(t)
	if code != domain.CloseUpstreamFatal {
		t.Errorf("Expected close %d, got %d", domain.CloseUpstreamFatal, code)
	}

	closeErr := vendor.nextClose(t)
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("Expected vendor to see 1000, got %d", closeErr.Code)
	}
}

func TestRelay_UpstreamDropReportsTransportError(t *testing.T) {
	vendor := newMockVendor(t, func(conn *websocket.Conn, frame *Frame, audioIndex int) {
		if frame.Type == MessageTypeAudioOnlyRequest {
			_ = conn.UnderlyingConn().Close()
		}
	})

	rec := newRecorder()
	relay := newTestRelay(t, vendor.url(), Config{}, nil, rec)

	ctx := context.Background()
	if err := relay.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rec.nextEvent(t)

	_ = relay.SendAudio(ctx, []byte{1})

	ev := rec.nextEvent(t)
	if ev.Type != domain.EventError || ev.Message == "" {
		t.Fatalf("Expected transport error event, got %+v", ev)
	}

	code, reason := rec.nextClose(t)
	if code != domain.CloseUpstreamError || reason != "Upstream WebSocket error" {
		t.Errorf("Expected close 4002, got %d %q", code, reason)
	}
}

func TestRelay_MalformedFrameIsDropped(t *testing.T) {
	vendor := newMockVendor(t, func(conn *websocket.Conn, frame *Frame, audioIndex int) {
		if frame.Type == MessageTypeAudioOnlyRequest {
			_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x11, 0x90})
			_ = conn.WriteMessage(websocket.BinaryMessage, serverResponse(t, 1, FlagNone, "after garbage"))
		}
	})

	rec := newRecorder()
	metrics := newCountingMetrics()
	relay := newTestRelay(t, vendor.url(), Config{}, metrics, rec)

	ctx := context.Background()
	if err := relay.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rec.nextEvent(t)

	_ = relay.SendAudio(ctx, []byte{1})

	ev := rec.nextEvent(t)
	if ev.Type != domain.EventPartial || ev.Text != "after garbage" {
		t.Errorf("Expected partial after garbage, got %+v", ev)
	}
	if metrics.droppedCount("malformed") != 1 {
		t.Errorf("Expected 1 malformed drop, got %d", metrics.droppedCount("malformed"))
	}
}

func TestRelay_ClientCloseSendsEndMarker(t *testing.T) {
	vendor := newMockVendor(t, nil)

	rec := newRecorder()
	relay := newTestRelay(t, vendor.url(), Config{}, nil, rec)

	if err := relay.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rec.nextEvent(t)
	vendor.nextFrame(t)

	if err := relay.Close(websocket.CloseNormalClosure, "Client disconnected"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	last := vendor.nextFrame(t)
	if !last.IsLastAudio() {
		t.Errorf("Expected end marker before close, got flags %x", last.Flags)
	}

	closeErr := vendor.nextClose(t)
	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "Client disconnected" {
		t.Errorf("Unexpected vendor close: %d %q", closeErr.Code, closeErr.Text)
	}

	select {
	case code := <-rec.closed:
		t.Errorf("Observer should not be notified on client close, got %d", code)
	case <-time.After(100 * time.Millisecond):
	}

	if err := relay.SendAudio(context.Background(), []byte{1}); err != nil {
		t.Errorf("SendAudio after close should be a no-op, got %v", err)
	}
}

func TestRelay_AudioBeforeReadyIsDropped(t *testing.T) {
	vendor := newMockVendor(t, nil)

	rec := newRecorder()
	relay := newTestRelay(t, vendor.url(), Config{}, nil, rec)

	if err := relay.SendAudio(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("Expected nil error for early audio, got %v", err)
	}
	if err := relay.EndAudio(context.Background()); err != nil {
		t.Fatalf("Expected nil error for early end, got %v", err)
	}
	if vendor.dials.Load() != 0 {
		t.Error("Vendor should not be contacted before Open")
	}
}

func TestRelay_MissingCredentialsNeverDials(t *testing.T) {
	vendor := newMockVendor(t, nil)
	provider := NewProvider(Config{BidiEndpoint: vendor.url()}, nil, zaptest.NewLogger(t))

	session := entities.NewSession(entities.Credentials{AppKey: "app"}, entities.DefaultSessionOptions())
	if _, err := provider.NewStream(session, newRecorder()); !errors.Is(err, entities.ErrMissingCredentials) {
		t.Fatalf("Expected ErrMissingCredentials, got %v", err)
	}
	if vendor.dials.Load() != 0 {
		t.Error("Vendor should not be dialed without credentials")
	}
}

func TestRelay_DialFailure(t *testing.T) {
	vendor := newMockVendor(t, nil)
	endpoint := vendor.url()
	vendor.srv.Close()

	rec := newRecorder()
	relay := newTestRelay(t, endpoint, Config{}, nil, rec)

	err := relay.Open(context.Background())
	if !errors.Is(err, ErrUpstreamTransport) {
		t.Fatalf("Expected ErrUpstreamTransport, got %v", err)
	}
	if !relay.session.Closed() {
		t.Error("Expected session to be closed after dial failure")
	}
}

func TestConfig_Endpoint(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Endpoint(true) != DefaultBidiEndpoint {
		t.Errorf("Unexpected bidi endpoint %s", cfg.Endpoint(true))
	}
	if cfg.Endpoint(false) != DefaultNoStreamEndpoint {
		t.Errorf("Unexpected no-stream endpoint %s", cfg.Endpoint(false))
	}
}

func TestSendableCloseCode(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{1000, true},
		{1001, true},
		{1004, false},
		{1005, false},
		{1006, false},
		{1011, true},
		{1015, false},
		{2999, false},
		{4001, true},
		{5000, false},
	}
	for _, tt := range tests {
		if got := sendableCloseCode(tt.code); got != tt.want {
			t.Errorf("sendableCloseCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
