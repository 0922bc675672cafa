package audio

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeWAV(t *testing.T, sampleRate, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestWAVSourceDeliversBlocks(t *testing.T) {
	path := writeWAV(t, 16000, 2, []int{2, 4, 2, 4, 2, 4, 2, 4, 2, 4})

	for _, format := range []SampleFormat{FormatI16, FormatU16, FormatF32} {
		src := NewWAVSource(WAVOptions{Path: path, Format: format, BlockFrames: 2}, newLogger())
		stream, err := src.Open()
		if err != nil {
			t.Fatalf("%s: open: %v", format, err)
		}
		if stream.SampleRate != 16000 || stream.Channels != 2 || stream.Format != format {
			t.Fatalf("%s: unexpected stream %s", format, stream)
		}

		var blocks [][]int16
		cb, err := NewCallback(stream, func(pcm []int16) {
			blocks = append(blocks, append([]int16(nil), pcm...))
		})
		if err != nil {
			t.Fatalf("%s: callback: %v", format, err)
		}
		var streamErrs []error
		if err := src.Run(context.Background(), cb, func(err error) { streamErrs = append(streamErrs, err) }); err != nil {
			t.Fatalf("%s: run: %v", format, err)
		}
		_ = src.Close()

		if len(streamErrs) != 0 {
			t.Fatalf("%s: unexpected stream errors %v", format, streamErrs)
		}
		if len(blocks) != 3 {
			t.Fatalf("%s: expected 3 blocks, got %d", format, len(blocks))
		}
		total := 0
		for _, b := range blocks {
			for _, s := range b {
				if s != 3 {
					t.Fatalf("%s: expected mono sample 3, got %d", format, s)
				}
			}
			total += len(b)
		}
		if total != 5 {
			t.Fatalf("%s: expected 5 mono samples, got %d", format, total)
		}
	}
}

func TestWAVSourceRejectsMissingFile(t *testing.T) {
	src := NewWAVSource(WAVOptions{Path: filepath.Join(t.TempDir(), "missing.wav")}, newLogger())
	if _, err := src.Open(); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseSampleFormat(t *testing.T) {
	for in, want := range map[string]SampleFormat{"f32": FormatF32, "U16": FormatU16, "s16": FormatI16} {
		got, err := ParseSampleFormat(in)
		if err != nil || got != want {
			t.Fatalf("parse %q: got %s, %v", in, got, err)
		}
	}
	if _, err := ParseSampleFormat("i24"); err == nil {
		t.Fatal("expected error for i24")
	}
}
