package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVOptions configures a WAVSource.
type WAVOptions struct {
	Path        string
	Format      SampleFormat
	BlockFrames int
	Realtime    bool
	Loop        bool
}

// WAVSource replays a 16-bit PCM WAV file as if it were a capture device,
// re-encoding every block in the configured sample format.
type WAVSource struct {
	opts WAVOptions
	log  *slog.Logger

	file   *os.File
	dec    *wav.Decoder
	stream StreamConfig
}

func NewWAVSource(opts WAVOptions, log *slog.Logger) *WAVSource {
	if opts.BlockFrames <= 0 {
		opts.BlockFrames = 512
	}
	if opts.Format == FormatUnknown {
		opts.Format = FormatI16
	}
	return &WAVSource{opts: opts, log: log.With(slog.String("component", "wav-source"))}
}

func (s *WAVSource) Open() (StreamConfig, error) {
	if err := s.rewind(); err != nil {
		return StreamConfig{}, err
	}
	if s.dec.BitDepth != 16 {
		s.Close()
		return StreamConfig{}, fmt.Errorf("wav %s: unsupported bit depth %d", s.opts.Path, s.dec.BitDepth)
	}
	s.stream = StreamConfig{
		SampleRate: int(s.dec.SampleRate),
		Channels:   int(s.dec.NumChans),
		Format:     s.opts.Format,
	}
	s.log.Info("capture stream opened",
		slog.String("path", s.opts.Path),
		slog.String("stream", s.stream.String()))
	return s.stream, nil
}

func (s *WAVSource) rewind() error {
	if s.file != nil {
		s.file.Close()
	}
	file, err := os.Open(s.opts.Path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return fmt.Errorf("wav %s: not a valid wav file", s.opts.Path)
	}
	s.file = file
	s.dec = dec
	return nil
}

func (s *WAVSource) Run(ctx context.Context, cb Callback, errs func(error)) error {
	if s.dec == nil {
		return errors.New("wav source not opened")
	}
	channels := s.stream.Channels
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: s.stream.SampleRate},
		Data:   make([]int, s.opts.BlockFrames*channels),
	}
	raw := make([]byte, 0, len(buf.Data)*s.stream.Format.Width())
	blockDur := time.Duration(s.opts.BlockFrames) * time.Second / time.Duration(s.stream.SampleRate)

	var ticker *time.Ticker
	if s.opts.Realtime {
		ticker = time.NewTicker(blockDur)
		defer ticker.Stop()
	}

	delivered := false
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := s.dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			if n == 0 {
				return fmt.Errorf("decode wav block: %w", err)
			}
			errs(fmt.Errorf("decode wav block: %w", err))
		}
		if n == 0 {
			if !s.opts.Loop {
				s.log.Info("capture stream ended", slog.String("path", s.opts.Path))
				return nil
			}
			if !delivered {
				return fmt.Errorf("wav %s: no samples to loop", s.opts.Path)
			}
			if err := s.rewind(); err != nil {
				return err
			}
			delivered = false
			continue
		}

		raw = encodeBlock(raw, buf.Data[:n], s.stream.Format)
		cb(raw)
		delivered = true

		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

func (s *WAVSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.dec = nil
	return err
}

// encodeBlock writes 16-bit samples as little-endian bytes of format f.
func encodeBlock(dst []byte, samples []int, f SampleFormat) []byte {
	dst = dst[:0]
	for _, v := range samples {
		s := int16(v)
		switch f {
		case FormatF32:
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(s)/32768.0))
		case FormatU16:
			dst = binary.LittleEndian.AppendUint16(dst, uint16(int32(s)+32768))
		default:
			dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
		}
	}
	return dst
}
