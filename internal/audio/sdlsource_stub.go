//go:build !sdl

package audio

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func newSDLSource(config.AudioConfig, SampleFormat, *slog.Logger) (Source, error) {
	return nil, errors.New("audio source sdl requires a build with -tags sdl")
}
