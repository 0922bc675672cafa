package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/display"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/presence"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/relay"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"golang.org/x/sync/errgroup"
)

// Runtime wires the capture pipeline: source callback, normalizer,
// recognition driver and transcript buffer, plus the presentation loop and
// the optional side channels (HTTP, bus, event store).
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	traceOut io.Writer

	ready     atomic.Bool
	started   chan struct{}
	mu        sync.Mutex
	addr      string
	sessionID string
}

func New(cfg config.Config, logger *slog.Logger, traceOut io.Writer) *Runtime {
	if traceOut == nil {
		traceOut = io.Discard
	}
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		traceOut: traceOut,
		started:  make(chan struct{}),
	}
}

// Started is closed once audio is flowing and the HTTP listener is bound.
func (r *Runtime) Started() <-chan struct{} {
	return r.started
}

// Addr is the bound HTTP address, empty when HTTP is disabled.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// SessionID identifies the current capture session.
func (r *Runtime) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Start runs until ctx is cancelled or the viewer closes the display. Any
// error returned before audio flows is a fatal setup error.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer func() {
		if err := events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}()

	natsSrv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	defer natsSrv.Shutdown()

	var (
		captions  relay.CaptionPublisher
		busClient *bus.Client
	)
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if natsSrv != nil {
			busCfg.Servers = []string{natsSrv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer client.Close()
		captions = client
		busClient = client
	}

	source, err := audio.NewSource(r.cfg.Audio, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create audio source: %w", err)
	}
	stream, err := source.Open()
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	var sourceClosed bool
	closeSource := func() {
		if sourceClosed {
			return
		}
		sourceClosed = true
		if err := source.Close(); err != nil {
			r.logger.Warn("audio source close error", slog.String("error", err.Error()))
		}
	}
	defer closeSource()

	engine, err := stt.NewEngine(r.cfg.Recognizer, stream.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}

	sessionID := uuid.NewString()
	r.mu.Lock()
	r.sessionID = sessionID
	r.mu.Unlock()
	log := r.logger.With(slog.String("session_id", sessionID))

	var appender relay.EventAppender
	if events.Enabled() {
		appender = events
		err := events.StartSession(ctx, eventstore.Session{
			ID:         sessionID,
			Source:     r.cfg.Audio.Source,
			Stream:     stream.String(),
			Recognizer: r.cfg.Recognizer.Mode,
		})
		if err != nil {
			log.Warn("failed to record session", slog.String("error", err.Error()))
		}
		r.recordLifecycle(ctx, events, sessionID, eventstore.TypeSessionStart, stream)
	}

	var tracker *presence.Tracker
	if busClient != nil {
		tracker, err = presence.Start(ctx, busClient.Conn(), protocol.Presence{
			SessionID:  sessionID,
			Source:     r.cfg.Audio.Source,
			Stream:     stream.String(),
			Recognizer: r.cfg.Recognizer.Mode,
		}, r.cfg.Bus, log)
		if err != nil {
			return fmt.Errorf("failed to start presence: %w", err)
		}
		defer tracker.Close()
	}

	lines := transcript.New()
	rel := relay.New(sessionID, captions, appender, r.cfg.EventStore.QueueSize, log)
	driver := stt.NewDriver(engine, lines, rel, log)
	defer func() {
		if err := driver.Close(); err != nil {
			log.Error("recognizer close error", slog.String("error", err.Error()))
		}
	}()

	callback, err := audio.NewCallback(stream, func(pcm []int16) {
		driver.Accept(pcm)
	})
	if err != nil {
		return fmt.Errorf("failed to build audio callback: %w", err)
	}

	presenter, err := display.New(r.cfg.Display, lines, log)
	if err != nil {
		return fmt.Errorf("failed to create display: %w", err)
	}

	var (
		httpServer *http.Server
		listener   net.Listener
	)
	stopping := make(chan struct{})
	if r.cfg.HTTP.Enabled {
		handlers := &httpHandlers{
			sessionID: sessionID,
			window:    lines,
			ready:     &r.ready,
			interval:  time.Duration(r.cfg.Display.FrameIntervalMS) * time.Millisecond,
			done:      stopping,
			log:       log,
			events:    events,
			dropped:   rel.Dropped,
			origins:   r.cfg.HTTP.AllowedOrigins,
		}
		if tracker != nil {
			handlers.peers = tracker
		}
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		httpServer = &http.Server{
			Handler:           handlers.routes(metricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.mu.Lock()
		r.addr = listener.Addr().String()
		r.mu.Unlock()
	}

	// Text the engine still holds goes out when the stream ends on its own and
	// again, for anything left, at shutdown.
	flush := func(ctx context.Context, timeout time.Duration) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := driver.Flush(ctx); err != nil {
			log.Warn("failed to flush recognizer", slog.String("error", err.Error()))
		}
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)
	go func() { relayDone <- rel.Run(relayCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := source.Run(gctx, callback, rel.OnStreamError); err != nil {
			return fmt.Errorf("audio stream: %w", err)
		}
		log.Info("audio stream ended")
		if gctx.Err() == nil {
			flush(gctx, time.Duration(r.cfg.Recognizer.TimeoutMS)*time.Millisecond+5*time.Second)
		}
		return nil
	})
	g.Go(func() error {
		err := presenter.Run(gctx)
		if errors.Is(err, display.ErrQuit) {
			log.Info("display closed")
			cancel()
			return nil
		}
		return err
	})
	if httpServer != nil {
		g.Go(func() error {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			close(stopping)
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	r.ready.Store(true)
	close(r.started)
	log.Info("runtime started",
		slog.String("stream", stream.String()),
		slog.String("recognizer", r.cfg.Recognizer.Mode),
		slog.String("display", r.cfg.Display.Mode),
		slog.String("addr", r.Addr()))

	runErr := g.Wait()
	r.ready.Store(false)
	log.Info("runtime stopping")

	// The callback is quiet once Run has returned; close the device before
	// draining side effects so nothing new is queued.
	closeSource()
	flush(context.Background(), 5*time.Second)
	stopRelay()
	<-relayDone
	if dropped := rel.Dropped(); dropped > 0 {
		log.Warn("relay dropped notifications", slog.Uint64("count", dropped))
	}
	if events.Enabled() {
		r.recordLifecycle(context.Background(), events, sessionID, eventstore.TypeSessionStop, stream)
		if err := events.StopSession(context.Background(), sessionID); err != nil {
			log.Warn("failed to close session record", slog.String("error", err.Error()))
		}
	}
	return runErr
}

func (r *Runtime) recordLifecycle(ctx context.Context, events *eventstore.Store, sessionID, typ string, stream audio.StreamConfig) {
	payload, _ := json.Marshal(map[string]any{
		"source":      r.cfg.Audio.Source,
		"sample_rate": stream.SampleRate,
		"channels":    stream.Channels,
		"format":      stream.Format.String(),
		"recognizer":  r.cfg.Recognizer.Mode,
	})
	err := events.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: typ, Payload: payload})
	if err != nil {
		r.logger.Warn("failed to record lifecycle event", slog.String("type", typ), slog.String("error", err.Error()))
	}
}
