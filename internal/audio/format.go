// Package audio turns raw capture blocks into 16-bit mono PCM for the recognizer.
package audio

import (
	"fmt"
	"strings"
)

// SampleFormat is the numeric representation a capture device delivers.
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatF32
	FormatU16
	FormatI16
)

func (f SampleFormat) String() string {
	switch f {
	case FormatF32:
		return "f32"
	case FormatU16:
		return "u16"
	case FormatI16:
		return "i16"
	default:
		return "unknown"
	}
}

// Width returns the size of one sample in bytes.
func (f SampleFormat) Width() int {
	switch f {
	case FormatF32:
		return 4
	case FormatU16, FormatI16:
		return 2
	default:
		return 0
	}
}

// ParseSampleFormat accepts the names used in configuration files.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32":
		return FormatF32, nil
	case "u16", "uint16":
		return FormatU16, nil
	case "i16", "int16", "s16":
		return FormatI16, nil
	}
	return FormatUnknown, fmt.Errorf("unsupported sample format %q", s)
}

// StreamConfig is negotiated once with the capture device and fixed for the
// lifetime of the stream.
type StreamConfig struct {
	SampleRate int
	Channels   int
	Format     SampleFormat
}

func (c StreamConfig) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", c.SampleRate, c.Channels, c.Format)
}
