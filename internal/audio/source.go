package audio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// Source is a capture device. Open negotiates the stream format; Run then
// delivers blocks to cb until ctx is cancelled or the device ends.
// Asynchronous stream errors go to errs and do not stop the stream.
type Source interface {
	Open() (StreamConfig, error)
	Run(ctx context.Context, cb Callback, errs func(error)) error
	Close() error
}

// NewSource builds the capture source named by cfg.Source.
func NewSource(cfg config.AudioConfig, log *slog.Logger) (Source, error) {
	format, err := ParseSampleFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	switch cfg.Source {
	case "wav":
		return NewWAVSource(WAVOptions{
			Path:        cfg.File,
			Format:      format,
			BlockFrames: cfg.BlockFrames,
			Realtime:    cfg.Realtime,
			Loop:        cfg.Loop,
		}, log), nil
	case "sdl":
		return newSDLSource(cfg, format, log)
	}
	return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
}
