package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestEphemeralStoreWritesNothing(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if es.Enabled() {
		t.Fatal("ephemeral store should not be enabled")
	}
	if err := es.StartSession(ctx, Session{ID: "s"}); err != nil {
		t.Fatalf("start session on ephemeral store: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: TypeStreamError}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	counts, err := es.CountEvents(ctx, "s")
	if err != nil || len(counts) != 0 {
		t.Fatalf("expected no counts, got %v (%v)", counts, err)
	}
}

func TestSessionTimeline(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent"})

	sess := Session{ID: "session-123", Source: "wav", Stream: "16000Hz/2ch/i16", Recognizer: "mock"}
	if err := es.StartSession(ctx, sess); err != nil {
		t.Fatalf("start session: %v", err)
	}
	for _, typ := range []string{TypeSessionStart, TypeRecognitionFailed, TypeRecognitionFailed, TypeStreamError} {
		if err := es.AppendEvent(ctx, Event{SessionID: sess.ID, Type: typ}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sess.ID, Type: TypeRelayDropped, Payload: []byte(`{"count":4}`)}); err != nil {
		t.Fatalf("append dropped: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 5 || events[0].Type != TypeSessionStart || string(events[4].Payload) != `{"count":4}` {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round trip")
	}

	counts, err := es.CountEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if counts[TypeRecognitionFailed] != 2 || counts[TypeStreamError] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	if err := es.StopSession(ctx, sess.ID); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	if err := es.StopSession(ctx, sess.ID); err == nil {
		t.Fatal("expected error stopping a session twice")
	}
	sessions, err := es.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Recognizer != "mock" || sessions[0].StoppedAt.IsZero() {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, Session{ID: "old-session", Source: "sdl", Stream: "48000Hz/2ch/f32", Recognizer: "exec"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: TypeStreamError}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, Session{ID: "new-session", Source: "sdl", Stream: "48000Hz/2ch/f32", Recognizer: "exec"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestSessionModeDropsFinishedSessionsOnOpen(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}

	first, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.StartSession(ctx, Session{ID: "done", Source: "wav", Stream: "s", Recognizer: "mock"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := first.StopSession(ctx, "done"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = first.Close()

	second := openStore(t, cfg)
	sessions, err := second.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected finished session removed, got %+v", sessions)
	}
}
