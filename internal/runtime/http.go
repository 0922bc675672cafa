package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/presence"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/transcript"
)

// Window is the read side of the transcript buffer used by overlay clients.
type Window interface {
	SnapshotVersion() (transcript.Lines, uint64)
}

// EventCounter tallies a session's diagnostics events.
type EventCounter interface {
	CountEvents(ctx context.Context, sessionID string) (map[string]int64, error)
}

// Peers reports captioners seen on the bus.
type Peers interface {
	Healthy() bool
	Peers() []presence.Peer
}

const (
	wsWriteTimeout = 5 * time.Second
	wsMinInterval  = 50 * time.Millisecond
)

type httpHandlers struct {
	sessionID string
	window    Window
	ready     *atomic.Bool
	interval  time.Duration
	done      <-chan struct{}
	log       *slog.Logger
	peers     Peers
	events    EventCounter
	dropped   func() uint64
	origins   []string
}

func (h *httpHandlers) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/readyz", h.handleReady)
	mux.HandleFunc("/captions", h.handleCaptions)
	mux.HandleFunc("/captions/ws", h.handleCaptionsWS)
	mux.HandleFunc("/captioners", h.handleCaptioners)
	mux.HandleFunc("/diagnostics", h.handleDiagnostics)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (h *httpHandlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *httpHandlers) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() && (h.peers == nil || h.peers.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *httpHandlers) snapshot() protocol.CaptionWindow {
	lines, version := h.window.SnapshotVersion()
	return protocol.CaptionWindow{
		SessionID: h.sessionID,
		Version:   version,
		Lines:     lines[:],
		Timestamp: time.Now().UTC(),
	}
}

func (h *httpHandlers) handleCaptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.snapshot()); err != nil {
		h.log.Warn("failed to write caption window", slog.String("error", err.Error()))
	}
}

func (h *httpHandlers) handleCaptioners(w http.ResponseWriter, _ *http.Request) {
	peers := []presence.Peer{}
	if h.peers != nil {
		peers = h.peers.Peers()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(peers); err != nil {
		h.log.Warn("failed to write captioners", slog.String("error", err.Error()))
	}
}

func (h *httpHandlers) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag := protocol.Diagnostics{SessionID: h.sessionID, Events: map[string]int64{}}
	if h.events != nil {
		counts, err := h.events.CountEvents(r.Context(), h.sessionID)
		if err != nil {
			h.log.Warn("failed to count events", slog.String("error", err.Error()))
			http.Error(w, "event store unavailable", http.StatusInternalServerError)
			return
		}
		diag.Events = counts
	}
	if h.dropped != nil {
		diag.RelayDropped = h.dropped()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(diag); err != nil {
		h.log.Warn("failed to write diagnostics", slog.String("error", err.Error()))
	}
}

// checkOrigin admits clients that send no Origin header, pages served from
// this host, and the configured origins.
func (h *httpHandlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// handleCaptionsWS pushes the caption window whenever it changes. The first
// message is the current window.
func (h *httpHandlers) handleCaptionsWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.interval
	if interval < wsMinInterval {
		interval = wsMinInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := false
	var last uint64
	for {
		window := h.snapshot()
		if !sent || window.Version != last {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(window); err != nil {
				h.log.Debug("caption websocket closed", slog.String("error", err.Error()))
				return
			}
			sent = true
			last = window.Version
		}
		select {
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
