// Package relay moves caption side effects off the capture callback. The
// callback only enqueues; a worker goroutine publishes to the bus and writes
// the diagnostics timeline.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CaptionPublisher broadcasts finalized lines.
type CaptionPublisher interface {
	PublishCaption(line protocol.CaptionLine) error
}

// EventAppender records diagnostics events.
type EventAppender interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type kind int

const (
	kindFinal kind = iota
	kindFailure
	kindStreamError
)

type notice struct {
	kind    kind
	seq     uint64
	text    string
	samples int
	at      time.Time
}

type Relay struct {
	sessionID string
	captions  CaptionPublisher
	events    EventAppender
	log       *slog.Logger
	queue     chan notice

	seq          atomic.Uint64
	dropped      atomic.Uint64
	droppedTotal atomic.Uint64

	tracer       trace.Tracer
	droppedCount metric.Int64Counter
}

// New creates a relay. captions and events may be nil.
func New(sessionID string, captions CaptionPublisher, events EventAppender, queueSize int, log *slog.Logger) *Relay {
	if queueSize <= 0 {
		queueSize = 1
	}
	r := &Relay{
		sessionID: sessionID,
		captions:  captions,
		events:    events,
		log:       log.With(slog.String("component", "relay")),
		queue:     make(chan notice, queueSize),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-captions/relay"),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-captions/relay").Int64Counter("captions.relay.dropped",
		metric.WithDescription("Notifications dropped because the relay queue was full"))
	if err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		r.droppedCount = counter
	}
	return r
}

func (r *Relay) enqueue(n notice) {
	select {
	case r.queue <- n:
	default:
		r.dropped.Add(1)
		r.droppedTotal.Add(1)
		if r.droppedCount != nil {
			r.droppedCount.Add(context.Background(), 1)
		}
	}
}

// OnFinal is called on the capture callback for each published line.
func (r *Relay) OnFinal(line string) {
	r.enqueue(notice{kind: kindFinal, seq: r.seq.Add(1), text: line, at: time.Now().UTC()})
}

// OnFailure is called on the capture callback when a chunk of samples
// failed to decode. The warning is logged by the worker.
func (r *Relay) OnFailure(samples int) {
	r.enqueue(notice{kind: kindFailure, samples: samples, at: time.Now().UTC()})
}

// OnStreamError receives asynchronous errors from the capture source. The
// stream keeps running.
func (r *Relay) OnStreamError(err error) {
	r.log.Warn("an error occurred on stream", slog.String("error", err.Error()))
	r.enqueue(notice{kind: kindStreamError, text: err.Error(), at: time.Now().UTC()})
}

// Dropped reports how many notifications were discarded so far.
func (r *Relay) Dropped() uint64 { return r.droppedTotal.Load() }

// Run delivers notifications until ctx is cancelled, then drains what is
// already queued.
func (r *Relay) Run(ctx context.Context) error {
	// Deliveries outlive cancellation; ctx only says when to start draining.
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case n := <-r.queue:
			r.deliver(work, n)
		}
	}
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case n := <-r.queue:
			r.deliver(ctx, n)
		default:
			r.flushDropped(ctx)
			return
		}
	}
}

func (r *Relay) deliver(ctx context.Context, n notice) {
	switch n.kind {
	case kindFinal:
		r.publish(ctx, n)
	case kindFailure:
		r.log.Warn("recognizer failed to decode chunk", slog.Int("samples", n.samples))
		r.record(ctx, eventstore.TypeRecognitionFailed, n.at, map[string]any{"samples": n.samples})
	case kindStreamError:
		r.record(ctx, eventstore.TypeStreamError, n.at, map[string]any{"error": n.text})
	}
	r.flushDropped(ctx)
}

func (r *Relay) publish(ctx context.Context, n notice) {
	if r.captions == nil {
		return
	}
	_, span := r.tracer.Start(ctx, "relay.caption",
		trace.WithAttributes(attribute.Int64("caption.sequence", int64(n.seq))))
	defer span.End()

	err := r.captions.PublishCaption(protocol.CaptionLine{
		SessionID: r.sessionID,
		Sequence:  n.seq,
		Text:      n.text,
		Timestamp: n.at,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		r.log.Warn("failed to publish caption", slog.String("error", err.Error()))
	}
}

func (r *Relay) flushDropped(ctx context.Context) {
	if count := r.dropped.Swap(0); count > 0 {
		r.record(ctx, eventstore.TypeRelayDropped, time.Now().UTC(), map[string]any{"count": count})
	}
}

func (r *Relay) record(ctx context.Context, typ string, at time.Time, payload map[string]any) {
	if r.events == nil {
		return
	}
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			r.log.Warn("failed to marshal event payload", slog.String("error", err.Error()))
			return
		}
	}
	_, span := r.tracer.Start(ctx, "relay.event", trace.WithAttributes(attribute.String("event.type", typ)))
	defer span.End()
	err := r.events.AppendEvent(ctx, eventstore.Event{SessionID: r.sessionID, Type: typ, Payload: data, CreatedAt: at})
	if err != nil {
		span.RecordError(err)
		r.log.Warn("failed to record event", slog.String("type", typ), slog.String("error", err.Error()))
	}
}
