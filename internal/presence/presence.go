// Package presence announces this captioner on the bus and tracks the
// other captioners that do the same.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Peer is a captioner seen on the bus.
type Peer struct {
	protocol.Presence
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type Tracker struct {
	self     protocol.Presence
	conn     *nats.Conn
	interval time.Duration
	ttl      time.Duration
	log      *slog.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
	subs  []*nats.Subscription
	reg   metric.Registration

	cancel context.CancelFunc
	done   chan struct{}
}

// Start subscribes to presence traffic, announces self and begins
// heartbeating until Close.
func Start(ctx context.Context, conn *nats.Conn, self protocol.Presence, cfg config.BusConfig, log *slog.Logger) (*Tracker, error) {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		self:     self,
		conn:     conn,
		interval: time.Duration(cfg.HeartbeatMS) * time.Millisecond,
		ttl:      time.Duration(cfg.HeartbeatTTLMS) * time.Millisecond,
		log:      log.With(slog.String("component", "presence")),
		peers:    make(map[string]*Peer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := t.subscribe(); err != nil {
		cancel()
		t.release()
		return nil, err
	}
	if err := t.announce(); err != nil {
		t.log.Warn("failed to announce captioner", slog.String("error", err.Error()))
	}

	go t.run(ctx)
	return t, nil
}

func (t *Tracker) Close() {
	t.cancel()
	<-t.done
	t.release()
}

// release drops the bus subscriptions and the gauge callback.
func (t *Tracker) release() {
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil {
			t.log.Debug("failed to unsubscribe", slog.String("subject", sub.Subject), slog.String("error", err.Error()))
		}
	}
	t.subs = nil
	if t.reg != nil {
		if err := t.reg.Unregister(); err != nil {
			t.log.Debug("failed to unregister gauge", slog.String("error", err.Error()))
		}
		t.reg = nil
	}
}

func (t *Tracker) subscribe() error {
	announceSub, err := t.conn.Subscribe(protocol.SubjectPresenceAnnounce, t.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	t.subs = append(t.subs, announceSub)

	heartbeatSub, err := t.conn.Subscribe(protocol.SubjectPresenceHeartbeat+".*", t.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	t.subs = append(t.subs, heartbeatSub)
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	heartbeat := time.NewTicker(t.interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := t.publishHeartbeat(); err != nil {
				t.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			t.expire(time.Now())
		}
	}
}

func (t *Tracker) announce() error {
	msg := t.self
	msg.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.conn.Publish(protocol.SubjectPresenceAnnounce, payload)
}

func (t *Tracker) publishHeartbeat() error {
	payload, err := json.Marshal(protocol.Heartbeat{SessionID: t.self.SessionID, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return t.conn.Publish(protocol.HeartbeatSubject(t.self.SessionID), payload)
}

func (t *Tracker) handleAnnounce(msg *nats.Msg) {
	var p protocol.Presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		t.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[p.SessionID] = &Peer{Presence: p, LastSeen: p.Timestamp, Healthy: true}
}

func (t *Tracker) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		t.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[hb.SessionID]
	if !ok {
		// Heartbeat from a captioner that announced before we subscribed.
		peer = &Peer{Presence: protocol.Presence{SessionID: hb.SessionID}}
		t.peers[hb.SessionID] = peer
	}
	peer.LastSeen = hb.Timestamp
	peer.Healthy = true
}

func (t *Tracker) expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, peer := range t.peers {
		if now.Sub(peer.LastSeen) > t.ttl {
			peer.Healthy = false
		}
	}
}

// Healthy reports whether our own presence made the round trip through the
// bus recently.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.peers[t.self.SessionID]
	return ok && peer.Healthy
}

// Peers returns a copy of every known captioner, self included.
func (t *Tracker) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		out = append(out, *peer)
	}
	return out
}

func (t *Tracker) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-captions/presence")
	gauge, err := meter.Int64ObservableGauge("captions.presence.peers",
		metric.WithDescription("Healthy captioners seen on the bus"))
	if err != nil {
		return err
	}
	t.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, peer := range t.Peers() {
			if peer.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}
