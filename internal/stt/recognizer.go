package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// DecodingState is the engine's verdict on one accepted chunk.
type DecodingState int

const (
	// Running means no new finalized text yet.
	Running DecodingState = iota
	// Finalized means a stable hypothesis is ready via Result.
	Finalized
	// Failed means the engine could not process the chunk.
	Failed
)

func (s DecodingState) String() string {
	switch s {
	case Running:
		return "running"
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Alternative is one candidate transcription.
type Alternative struct {
	Text       string
	Confidence float64
}

// TranscriptResult captures recognizer output. Alternatives is populated
// only when the engine was configured with MaxAlternatives > 0.
type TranscriptResult struct {
	Text         string
	Confidence   float64
	Alternatives []Alternative
}

// Best returns the single best hypothesis.
func (r TranscriptResult) Best() string {
	if len(r.Alternatives) > 0 {
		return r.Alternatives[0].Text
	}
	return r.Text
}

// Options are applied once when an engine is created.
type Options struct {
	SampleRate      int
	MaxAlternatives int
	Words           bool
	PartialWords    bool
}

// Engine is a streaming recognizer. It is not safe for concurrent use; the
// Driver serializes access.
type Engine interface {
	AcceptWaveform(pcm []int16) DecodingState
	Result() TranscriptResult
	Close() error
}

// Flusher is implemented by engines that hold audio or results back until
// more audio arrives. Flush is called once after the capture stream stops
// and returns whatever is still pending, oldest first.
type Flusher interface {
	Flush(ctx context.Context) ([]TranscriptResult, error)
}

// NewEngine builds the engine selected by cfg.Mode for a stream at sampleRate.
func NewEngine(cfg config.RecognizerConfig, sampleRate int) (Engine, error) {
	opts := Options{
		SampleRate:      sampleRate,
		MaxAlternatives: cfg.MaxAlternatives,
		Words:           cfg.Words,
		PartialWords:    cfg.PartialWords,
	}
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(opts, cfg.SegmentMS), nil
	case "exec":
		return NewExecRecognizer(cfg, opts)
	}
	return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
}
