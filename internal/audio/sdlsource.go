//go:build sdl

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/veandco/go-sdl2/sdl"
)

// sdlSource captures from an SDL audio device. SDL queues captured audio
// internally; a polling goroutine dequeues it block by block.
type sdlSource struct {
	cfg    config.AudioConfig
	want   SampleFormat
	log    *slog.Logger
	dev    sdl.AudioDeviceID
	stream StreamConfig
	block  int
}

func newSDLSource(cfg config.AudioConfig, want SampleFormat, log *slog.Logger) (Source, error) {
	return &sdlSource{cfg: cfg, want: want, log: log.With(slog.String("component", "sdl-source"))}, nil
}

func toSDLFormat(f SampleFormat) sdl.AudioFormat {
	switch f {
	case FormatF32:
		return sdl.AUDIO_F32LSB
	case FormatU16:
		return sdl.AUDIO_U16LSB
	default:
		return sdl.AUDIO_S16LSB
	}
}

func fromSDLFormat(f sdl.AudioFormat) (SampleFormat, error) {
	switch f {
	case sdl.AUDIO_F32LSB:
		return FormatF32, nil
	case sdl.AUDIO_U16LSB:
		return FormatU16, nil
	case sdl.AUDIO_S16LSB:
		return FormatI16, nil
	}
	return FormatUnknown, fmt.Errorf("unsupported device sample format 0x%x", uint16(f))
}

func (s *sdlSource) Open() (StreamConfig, error) {
	if err := sdl.Init(sdl.INIT_AUDIO); err != nil {
		return StreamConfig{}, fmt.Errorf("init sdl audio: %w", err)
	}
	if sdl.GetNumAudioDevices(true) <= 0 {
		return StreamConfig{}, fmt.Errorf("no input device connected")
	}

	desired := sdl.AudioSpec{
		Freq:     int32(s.cfg.SampleRate),
		Format:   toSDLFormat(s.want),
		Channels: uint8(s.cfg.Channels),
		Samples:  uint16(s.cfg.BlockFrames),
	}
	var obtained sdl.AudioSpec
	dev, err := sdl.OpenAudioDevice(s.cfg.Device, true, &desired, &obtained,
		sdl.AUDIO_ALLOW_FREQUENCY_CHANGE|sdl.AUDIO_ALLOW_FORMAT_CHANGE|sdl.AUDIO_ALLOW_CHANNELS_CHANGE)
	if err != nil {
		return StreamConfig{}, fmt.Errorf("open capture device: %w", err)
	}

	format, err := fromSDLFormat(obtained.Format)
	if err != nil {
		sdl.CloseAudioDevice(dev)
		return StreamConfig{}, err
	}
	s.dev = dev
	s.stream = StreamConfig{
		SampleRate: int(obtained.Freq),
		Channels:   int(obtained.Channels),
		Format:     format,
	}
	s.block = int(obtained.Samples) * int(obtained.Channels) * format.Width()

	name := s.cfg.Device
	if name == "" {
		name = "default"
	}
	s.log.Info("capture stream opened",
		slog.String("device", name),
		slog.String("stream", s.stream.String()))
	return s.stream, nil
}

func (s *sdlSource) Run(ctx context.Context, cb Callback, errs func(error)) error {
	if s.dev == 0 {
		return fmt.Errorf("sdl source not opened")
	}
	sdl.PauseAudioDevice(s.dev, false)
	defer sdl.PauseAudioDevice(s.dev, true)

	raw := make([]byte, s.block)
	period := time.Duration(s.cfg.BlockFrames) * time.Second / time.Duration(s.stream.SampleRate) / 2
	if period <= 0 {
		period = 5 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	stopped := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if sdl.GetAudioDeviceStatus(s.dev) == sdl.AUDIO_STOPPED {
			if !stopped {
				errs(fmt.Errorf("capture device stopped"))
				stopped = true
			}
			continue
		}
		stopped = false

		for sdl.GetQueuedAudioSize(s.dev) >= uint32(len(raw)) {
			n := sdl.DequeueAudio(s.dev, raw)
			if n == 0 {
				break
			}
			cb(raw[:n])
		}
	}
}

func (s *sdlSource) Close() error {
	if s.dev != 0 {
		sdl.CloseAudioDevice(s.dev)
		s.dev = 0
	}
	sdl.QuitSubSystem(sdl.INIT_AUDIO)
	return nil
}
