package stt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Publisher receives finalized, non-empty lines.
type Publisher interface {
	Publish(line string)
}

// Listener observes driver outcomes. It is called on the capture callback,
// so implementations must return immediately.
type Listener interface {
	OnFinal(line string)
	OnFailure(samples int)
}

type nopListener struct{}

func (nopListener) OnFinal(string) {}
func (nopListener) OnFailure(int)  {}

// Driver feeds PCM into the single shared engine and publishes finalized
// text. Accept runs on the capture callback: the engine lock covers one
// accept plus result read, and the publisher takes its own lock for the
// update. Accept does not log; failures go to the Listener.
type Driver struct {
	mu     sync.Mutex
	engine Engine

	lines    Publisher
	listener Listener
	log      *slog.Logger
	metrics  driverMetrics
}

type driverMetrics struct {
	chunks    metric.Int64Counter
	published metric.Int64Counter
	empty     metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewDriver(engine Engine, lines Publisher, listener Listener, log *slog.Logger) *Driver {
	if listener == nil {
		listener = nopListener{}
	}
	d := &Driver{
		engine:   engine,
		lines:    lines,
		listener: listener,
		log:      log.With(slog.String("component", "stt-driver")),
	}
	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slogError(err))
	}
	return d
}

func (d *Driver) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-captions/stt")
	var err error
	if d.metrics.chunks, err = meter.Int64Counter("captions.chunks",
		metric.WithDescription("Audio chunks accepted by the recognizer, by decoding state")); err != nil {
		return err
	}
	if d.metrics.published, err = meter.Int64Counter("captions.lines.published",
		metric.WithDescription("Finalized lines published to the transcript")); err != nil {
		return err
	}
	if d.metrics.empty, err = meter.Int64Counter("captions.lines.empty",
		metric.WithDescription("Finalized results discarded because they were empty")); err != nil {
		return err
	}
	if d.metrics.latency, err = meter.Float64Histogram("captions.accept.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent in the recognizer per chunk")); err != nil {
		return err
	}
	return nil
}

// Accept advances the engine by one chunk and returns the state it reported.
func (d *Driver) Accept(pcm []int16) DecodingState {
	start := time.Now()

	d.mu.Lock()
	state := d.engine.AcceptWaveform(pcm)
	var text string
	if state == Finalized {
		text = d.engine.Result().Best()
	}
	d.mu.Unlock()

	d.record(state, time.Since(start))

	switch state {
	case Finalized:
		d.publish(text)
	case Failed:
		d.listener.OnFailure(len(pcm))
	}
	return state
}

func (d *Driver) publish(text string) {
	if text == "" {
		if d.metrics.empty != nil {
			d.metrics.empty.Add(context.Background(), 1)
		}
		return
	}
	d.lines.Publish(text)
	if d.metrics.published != nil {
		d.metrics.published.Add(context.Background(), 1)
	}
	d.listener.OnFinal(text)
}

// Flush publishes text the engine is still holding. It must run after the
// capture stream has stopped and before Close. Engines that do not buffer
// are left alone.
func (d *Driver) Flush(ctx context.Context) error {
	flusher, ok := d.engine.(Flusher)
	if !ok {
		return nil
	}
	d.mu.Lock()
	results, err := flusher.Flush(ctx)
	d.mu.Unlock()

	for _, result := range results {
		d.publish(result.Best())
	}
	return err
}

func (d *Driver) record(state DecodingState, elapsed time.Duration) {
	ctx := context.Background()
	if d.metrics.chunks != nil {
		d.metrics.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
	}
	if d.metrics.latency != nil {
		d.metrics.latency.Record(ctx, float64(elapsed.Microseconds())/1000)
	}
}

// Close releases the engine. The capture stream must already be stopped.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
