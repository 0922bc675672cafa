package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) (*bus.Client, config.BusConfig) {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	cfg.HeartbeatMS = 20
	cfg.HeartbeatTTLMS = 100

	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client, cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTrackerSeesItselfAndPeers(t *testing.T) {
	client, cfg := connect(t)

	a, err := Start(context.Background(), client.Conn(), protocol.Presence{SessionID: "a", Source: "wav"}, cfg, newLogger())
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Close()
	waitFor(t, "self heartbeat", a.Healthy)

	b, err := Start(context.Background(), client.Conn(), protocol.Presence{SessionID: "b", Source: "sdl"}, cfg, newLogger())
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	waitFor(t, "peer b", func() bool {
		for _, p := range a.Peers() {
			if p.SessionID == "b" && p.Healthy && p.Source == "sdl" {
				return true
			}
		}
		return false
	})

	b.Close()
	waitFor(t, "peer b expiry", func() bool {
		for _, p := range a.Peers() {
			if p.SessionID == "b" {
				return !p.Healthy
			}
		}
		return false
	})
	if !a.Healthy() {
		t.Fatal("expected a to stay healthy")
	}
}

func useManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	otel.SetMeterProvider(provider)
	return reader
}

func peersGaugeReported(t *testing.T, reader *sdkmetric.ManualReader) bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "captions.presence.peers" {
				return true
			}
		}
	}
	return false
}

func TestTrackerCloseReleasesSubscriptionsAndGauge(t *testing.T) {
	reader := useManualReader(t)
	client, cfg := connect(t)

	tr, err := Start(context.Background(), client.Conn(), protocol.Presence{SessionID: "c"}, cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	subs := append([]*nats.Subscription(nil), tr.subs...)
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	if !peersGaugeReported(t, reader) {
		t.Fatal("expected peers gauge while running")
	}

	tr.Close()
	for _, sub := range subs {
		if sub.IsValid() {
			t.Fatalf("subscription %s still active after close", sub.Subject)
		}
	}
	if peersGaugeReported(t, reader) {
		t.Fatal("peers gauge still reported after close")
	}
}

func TestStartFailureReleasesGauge(t *testing.T) {
	reader := useManualReader(t)
	client, cfg := connect(t)
	client.Conn().Close()

	if _, err := Start(context.Background(), client.Conn(), protocol.Presence{SessionID: "d"}, cfg, newLogger()); err == nil {
		t.Fatal("expected start to fail on a closed connection")
	}
	if peersGaugeReported(t, reader) {
		t.Fatal("peers gauge left registered after failed start")
	}
}
