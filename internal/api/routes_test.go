package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/asrproxy/adapters/soniox"
	"github.com/satriahrh/asrproxy/adapters/volc"
	"github.com/satriahrh/asrproxy/domain/repositories"
	"github.com/satriahrh/asrproxy/internal/auth"
	"github.com/satriahrh/asrproxy/internal/metrics"
	"github.com/satriahrh/asrproxy/internal/websocket"
)

const testTimeout = 3 * time.Second

type fakeIssuer struct {
	body json.RawMessage
	err  error
	got  string
}

func (f *fakeIssuer) CreateTemporaryKey(ctx context.Context, apiKey string) (json.RawMessage, error) {
	f.got = apiKey
	return f.body, f.err
}

type testServer struct {
	echo *echo.Echo
	hub  *websocket.Hub
	url  string
}

func newTestServer(t *testing.T, vendorURL string, issuer TemporaryKeyIssuer, authn *auth.Authenticator) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	collector := metrics.NewCollector(nil)

	hub := websocket.NewHub(websocket.HubConfig{}, collector, logger)
	go hub.Run()

	provider := volc.NewProvider(volc.Config{BidiEndpoint: vendorURL, CloseTimeout: time.Second}, collector, logger)

	e := echo.New()
	InitRoutes(e, Params{
		Hub:       hub,
		Providers: repositories.NewProviderRegistry(provider),
		TempKeys:  issuer,
		Auth:      authn,
		Metrics:   collector.Handler(),
		Logger:    logger,
	})

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
	})

	return &testServer{echo: e, hub: hub, url: srv.URL}
}

func (s *testServer) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

// newVendor answers every audio frame with a partial and the end marker with
// a final, then closes normally.
func newVendor(t *testing.T) string {
	t.Helper()
	upgrader := gorilla.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := volc.DecodeFrame(data)
			if err != nil || frame.Type != volc.MessageTypeAudioOnlyRequest {
				continue
			}

			flags, text := volc.FlagNone, "partial text"
			if frame.IsLastAudio() {
				flags, text = volc.FlagServerFinalMask, "final text"
			}
			body, _ := json.Marshal(map[string]interface{}{"result": map[string]string{"text": text}})
			resp := volc.Frame{
				Type:          volc.MessageTypeFullServerResponse,
				Flags:         flags,
				Serialization: volc.SerializationJSON,
				Payload:       body,
			}
			_ = conn.WriteMessage(gorilla.BinaryMessage, resp.Encode())

			if frame.IsLastAudio() {
				_ = conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "done"))
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "ws://127.0.0.1:1", &fakeIssuer{}, nil)

	for _, path := range []string{"/health", "/api/health"} {
		rec := s.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}

		var resp HealthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: invalid JSON: %v", path, err)
		}
		if resp.Status != "ok" || resp.Timestamp.IsZero() {
			t.Errorf("%s: unexpected response %+v", path, resp)
		}
	}
}

func TestTemporaryAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		issuer   *fakeIssuer
		status   int
		contains string
	}{
		{
			name:     "success passes vendor body through",
			body:     `{"apiKey":"real"}`,
			issuer:   &fakeIssuer{body: json.RawMessage(`{"api_key":"temp:1"}`)},
			status:   http.StatusOK,
			contains: `"api_key":"temp:1"`,
		},
		{
			name:     "missing key",
			body:     `{}`,
			issuer:   &fakeIssuer{},
			status:   http.StatusBadRequest,
			contains: "API key is required",
		},
		{
			name:     "invalid body",
			body:     `{"apiKey":`,
			issuer:   &fakeIssuer{},
			status:   http.StatusBadRequest,
			contains: "invalid_request",
		},
		{
			name: "vendor rejection keeps status and details",
			body: `{"apiKey":"bad"}`,
			issuer: &fakeIssuer{err: &soniox.APIError{
				StatusCode: http.StatusUnauthorized,
				Details:    json.RawMessage(`{"message":"invalid"}`),
			}},
			status:   http.StatusUnauthorized,
			contains: `"details":{"message":"invalid"}`,
		},
		{
			name:     "transport failure",
			body:     `{"apiKey":"real"}`,
			issuer:   &fakeIssuer{err: errors.New("connection refused")},
			status:   http.StatusInternalServerError,
			contains: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, "ws://127.0.0.1:1", tt.issuer, nil)
			rec := s.do(t, http.MethodPost, "/api/temporary-api-key", tt.body, nil)

			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Expected body to contain %q, got %s", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "ws://127.0.0.1:1", &fakeIssuer{}, nil)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("Expected Prometheus exposition output")
	}
}

func TestUnknownProvider(t *testing.T) {
	s := newTestServer(t, "ws://127.0.0.1:1", &fakeIssuer{}, nil)

	rec := s.do(t, http.MethodGet, "/ws/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestTokenGate(t *testing.T) {
	authn := auth.NewAuthenticator("secret")
	s := newTestServer(t, "ws://127.0.0.1:1", &fakeIssuer{}, authn)

	rec := s.do(t, http.MethodGet, "/ws/volc?appKey=a&accessKey=b", "", nil)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "missing_token") {
		t.Errorf("Expected 401 missing_token, got %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/ws/volc?token=garbage", "", nil)
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "invalid_token") {
		t.Errorf("Expected 401 invalid_token, got %d %s", rec.Code, rec.Body.String())
	}

	token, err := authn.GenerateClientToken("tester", time.Minute)
	if err != nil {
		t.Fatalf("GenerateClientToken failed: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/ws/volc?token=" + token
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial with valid token failed: %v", err)
	}
	defer conn.Close()

	// No credentials, so the gateway itself closes with 4001
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, _, err = conn.ReadMessage()
	var closeErr *gorilla.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != 4001 {
		t.Errorf("Expected close 4001 after passing the gate, got %v", err)
	}
}

func TestVolcStreamEndToEnd(t *testing.T) {
	s := newTestServer(t, newVendor(t), &fakeIssuer{}, nil)

	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/ws/volc?appKey=a&accessKey=b&enableVad=true"
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))

	read := func() map[string]interface{} {
		t.Helper()
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		var ev map[string]interface{}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Invalid JSON %s: %v", data, err)
		}
		return ev
	}

	if ev := read(); ev["type"] != "ready" {
		t.Fatalf("Expected ready, got %v", ev)
	}

	if err := conn.WriteMessage(gorilla.BinaryMessage, make([]byte, 3200)); err != nil {
		t.Fatalf("Write audio failed: %v", err)
	}
	if ev := read(); ev["type"] != "partial" || ev["text"] != "partial text" {
		t.Errorf("Expected partial, got %v", ev)
	}

	if err := conn.WriteMessage(gorilla.TextMessage, []byte(`{"type":"audio_end"}`)); err != nil {
		t.Fatalf("Write audio_end failed: %v", err)
	}
	ev := read()
	if ev["type"] != "final" || ev["text"] != "final text" {
		t.Errorf("Expected final, got %v", ev)
	}
	if raw, ok := ev["raw"].(map[string]interface{}); !ok || raw["result"] == nil {
		t.Errorf("Expected raw vendor JSON, got %v", ev["raw"])
	}

	_, _, err = conn.ReadMessage()
	var closeErr *gorilla.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != gorilla.CloseNormalClosure || closeErr.Text != "done" {
		t.Errorf("Expected close 1000 done, got %v", err)
	}

	deadline := time.Now().Add(testTimeout)
	for s.hub.ActiveSessions() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("Session not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
