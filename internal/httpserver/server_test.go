package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/univo/univo-rtc/internal/config"
	"github.com/univo/univo-rtc/internal/metrics"
	"github.com/univo/univo-rtc/internal/turnrest"
)

type fakeStats struct {
	rooms       int
	connections int
	snapshot    map[string][]string
}

func (f fakeStats) RoomCount() int                     { return f.rooms }
func (f fakeStats) ConnectionCount() int               { return f.connections }
func (f fakeStats) RoomsSnapshot() map[string][]string { return f.snapshot }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg config.Config, deps Deps) *Server {
	t.Helper()
	return New(cfg, testLogger(), BuildInfo{Commit: "abc", BuildTime: "now"}, deps)
}

func doRequest(t *testing.T, s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthzReportsCounts(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{Stats: fakeStats{rooms: 2, connections: 5}})

	rec := doRequest(t, s, "GET", "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["rooms"] != float64(2) || body["connections"] != float64(5) {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyzBeforeAndAfterServe(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})

	rec := doRequest(t, s, "GET", "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before serve = %d", rec.Code)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + l.Addr().String() + "/readyz")
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReadyzSurfacesICEConfigError(t *testing.T) {
	t.Setenv("UNIVO_ICE_SERVERS_JSON", "{not json")
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected deferred ICE config error")
	}

	s := newTestServer(t, cfg, Deps{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + l.Addr().String() + "/readyz")
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusServiceUnavailable && strings.Contains(string(body), "error") {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("readyz did not surface the ICE config error")
}

func TestDebugRooms(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{
		Stats: fakeStats{snapshot: map[string][]string{"R1": {"A", "B"}}},
	})

	rec := doRequest(t, s, "GET", "/debug/rooms", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"R1":["A","B"]`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestICEEndpoint(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
	s := newTestServer(t, cfg, Deps{})

	rec := doRequest(t, s, "GET", "/webrtc/ice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stun:stun.example.com:3478") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestICEEndpointInjectsTURNCredentials(t *testing.T) {
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "univo",
		RandomID:       func() (string, error) { return "deadbeef", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}},
		},
		TURNREST: config.TurnRESTConfig{SharedSecret: "secret", TTLSeconds: 3600},
	}
	s := newTestServer(t, cfg, Deps{TURNREST: gen})

	rec := doRequest(t, s, "GET", "/webrtc/ice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		TTL int64 `json:"ttl"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TTL != 3600 {
		t.Errorf("ttl = %d", body.TTL)
	}
	if len(body.ICEServers) != 2 {
		t.Fatalf("servers = %+v", body.ICEServers)
	}
	if body.ICEServers[0].Username != "" {
		t.Errorf("stun entry got credentials: %+v", body.ICEServers[0])
	}
	turn := body.ICEServers[1]
	if !strings.HasSuffix(turn.Username, ":univo:deadbeef") || turn.Credential == "" {
		t.Errorf("turn entry = %+v", turn)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.RoomJoins)
	s := newTestServer(t, config.Config{}, Deps{Metrics: m})

	rec := doRequest(t, s, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `univo_signaling_events_total{event="room_joins"} 1`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestVersionEndpoint(t *testing.T) {
	s := newTestServer(t, config.Config{}, Deps{})
	rec := doRequest(t, s, "GET", "/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"commit":"abc"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
	s := newTestServer(t, cfg, Deps{})

	t.Run("no origin passes", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/webrtc/ice", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("allowed origin passes with CORS headers", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/webrtc/ice", http.Header{"Origin": {"https://app.example.com"}})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("allow-origin = %q", got)
		}
	})

	t.Run("default https port is normalized", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/webrtc/ice", http.Header{"Origin": {"https://app.example.com:443"}})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("unlisted origin is forbidden", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/webrtc/ice", http.Header{"Origin": {"https://evil.example.com"}})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("null origin is forbidden unless listed", func(t *testing.T) {
		rec := doRequest(t, s, "GET", "/webrtc/ice", http.Header{"Origin": {"null"}})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		rec := doRequest(t, s, "OPTIONS", "/webrtc/ice", http.Header{
			"Origin":                        {"https://app.example.com"},
			"Access-Control-Request-Method": {"GET"},
		})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestOriginPolicySameHostDefault(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
	s := newTestServer(t, cfg, Deps{})

	req := httptest.NewRequest("GET", "/webrtc/ice", nil)
	req.Host = "app.example.com"
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("same-host status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/webrtc/ice", nil)
	req.Host = "app.example.com"
	req.Header.Set("Origin", "https://other.example.com")
	rec = httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-host status = %d", rec.Code)
	}
}

func TestWithOriginPolicyGuardsExternalHandler(t *testing.T) {
	s := newTestServer(t, config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
	}, Deps{})

	var calls int
	s.Mux().HandleFunc("GET /ws", s.WithOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	rec := doRequest(t, s, "GET", "/ws", http.Header{"Origin": {"https://evil.example.com"}})
	if rec.Code != http.StatusForbidden || calls != 0 {
		t.Fatalf("unlisted origin: status = %d, calls = %d", rec.Code, calls)
	}

	rec = doRequest(t, s, "GET", "/ws", http.Header{"Origin": {"https://app.example.com"}})
	if rec.Code != http.StatusOK || calls != 1 {
		t.Fatalf("allowed origin: status = %d, calls = %d", rec.Code, calls)
	}

	// Non-browser clients send no Origin header and pass through.
	rec = doRequest(t, s, "GET", "/ws", nil)
	if rec.Code != http.StatusOK || calls != 2 {
		t.Fatalf("no origin: status = %d, calls = %d", rec.Code, calls)
	}
}

func TestStatusWriterUnwrapReachesHijackableWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	if got := sw.Unwrap(); got != http.ResponseWriter(rec) {
		t.Fatalf("Unwrap = %T, want the wrapped writer", got)
	}
	// ResponseController only finds the recorder's Flush through Unwrap;
	// the same path is what a WebSocket upgrade's Hijack takes.
	if err := http.NewResponseController(sw).Flush(); err != nil {
		t.Fatalf("Flush through ResponseController: %v", err)
	}
}
