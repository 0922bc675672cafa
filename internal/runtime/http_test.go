package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHandlers(lines *transcript.Buffer, done chan struct{}) *httpHandlers {
	ready := &atomic.Bool{}
	return &httpHandlers{
		sessionID: "session-1",
		window:    lines,
		ready:     ready,
		interval:  10 * time.Millisecond,
		done:      done,
		log:       newLogger(),
	}
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHandlers(transcript.New(), make(chan struct{}))
	srv := httptest.NewServer(h.routes(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", resp.StatusCode)
	}

	h.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected /metrics unmounted, got %d", resp.StatusCode)
	}
}

func TestCaptionsEndpointReturnsWindow(t *testing.T) {
	lines := transcript.New()
	lines.Publish("hello")
	lines.Publish("world")
	h := newHandlers(lines, make(chan struct{}))

	rec := httptest.NewRecorder()
	h.handleCaptions(rec, httptest.NewRequest(http.MethodGet, "/captions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var window protocol.CaptionWindow
	if err := json.Unmarshal(rec.Body.Bytes(), &window); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if window.SessionID != "session-1" || window.Version != 2 {
		t.Fatalf("unexpected window %+v", window)
	}
	if strings.Join(window.Lines, "|") != "|hello|world" {
		t.Fatalf("unexpected lines %q", window.Lines)
	}

	rec = httptest.NewRecorder()
	h.handleCaptions(rec, httptest.NewRequest(http.MethodPost, "/captions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCaptionsWebSocketPushesChanges(t *testing.T) {
	lines := transcript.New()
	done := make(chan struct{})
	h := newHandlers(lines, done)
	srv := httptest.NewServer(h.routes(nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/captions/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first protocol.CaptionWindow
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial window: %v", err)
	}
	if first.Version != 0 || len(first.Lines) != transcript.Depth {
		t.Fatalf("unexpected initial window %+v", first)
	}

	lines.Publish("caption")
	var next protocol.CaptionWindow
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if next.Version != 1 || next.Lines[2] != "caption" {
		t.Fatalf("unexpected update %+v", next)
	}

	close(done)
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestCaptionsWebSocketChecksOrigin(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	h := newHandlers(transcript.New(), done)
	h.origins = []string{"http://overlay.local:3000/"}
	srv := httptest.NewServer(h.routes(nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/captions/ws"
	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "", ok: true},
		{origin: srv.URL, ok: true},
		{origin: "http://overlay.local:3000", ok: true},
		{origin: "https://attacker.example", ok: false},
		{origin: "http://overlay.local:3001", ok: false},
	}
	for _, tc := range cases {
		header := http.Header{}
		if tc.origin != "" {
			header.Set("Origin", tc.origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if tc.ok {
			if err != nil {
				t.Fatalf("origin %q: dial: %v", tc.origin, err)
			}
			conn.Close()
			continue
		}
		if err == nil {
			conn.Close()
			t.Fatalf("origin %q: expected handshake to be refused", tc.origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got %v", tc.origin, resp)
		}
	}
}

type fakeCounter map[string]int64

func (f fakeCounter) CountEvents(context.Context, string) (map[string]int64, error) {
	return f, nil
}

func TestDiagnosticsEndpoint(t *testing.T) {
	h := newHandlers(transcript.New(), make(chan struct{}))
	h.events = fakeCounter{"recognition.failed": 3}
	h.dropped = func() uint64 { return 2 }

	rec := httptest.NewRecorder()
	h.handleDiagnostics(rec, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var diag protocol.Diagnostics
	if err := json.Unmarshal(rec.Body.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diag.Events["recognition.failed"] != 3 || diag.RelayDropped != 2 || diag.SessionID != "session-1" {
		t.Fatalf("unexpected diagnostics %+v", diag)
	}
}
