package audio

import (
	"encoding/binary"
	"math"
)

// Sample is any representation a capture device may hand us.
type Sample interface {
	float32 | uint16 | int16
}

// F32ToI16 rescales a full-scale float to the int16 range, saturating at the
// ends and truncating toward zero.
func F32ToI16(v float32) int16 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	scaled := float64(v) * 32768.0
	if scaled >= math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled <= math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}

// U16ToI16 shifts an unsigned sample so that the midpoint maps to zero.
func U16ToI16(v uint16) int16 {
	return int16(int32(v) - 32768)
}

// I16ToI16 is the identity conversion.
func I16ToI16(v int16) int16 { return v }

// converterFor resolves the conversion function for T once, so the hot path
// calls a concrete function instead of switching per sample.
func converterFor[T Sample]() func(T) int16 {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(F32ToI16).(func(T) int16)
	case uint16:
		return any(U16ToI16).(func(T) int16)
	default:
		return any(I16ToI16).(func(T) int16)
	}
}

// Downmix reduces interleaved samples to mono. A single channel passes
// through. Anything else is reduced pairwise as left/2 + right/2, each half
// truncated before the sum; a trailing odd sample is dropped. Streams with
// more than two channels are still paired two at a time.
func Downmix(dst, src []int16, channels int) []int16 {
	dst = dst[:0]
	if channels == 1 {
		return append(dst, src...)
	}
	for i := 0; i+1 < len(src); i += 2 {
		dst = append(dst, src[i]/2+src[i+1]/2)
	}
	return dst
}

// Normalizer converts blocks of one representation to mono int16 PCM. The
// returned slice is reused by the next call; it is only valid until then.
type Normalizer[T Sample] struct {
	channels int
	convert  func(T) int16
	wide     []int16
	mono     []int16
}

func NewNormalizer[T Sample](channels int) *Normalizer[T] {
	return &Normalizer[T]{channels: channels, convert: converterFor[T]()}
}

func (n *Normalizer[T]) Normalize(block []T) []int16 {
	n.wide = n.wide[:0]
	for _, s := range block {
		n.wide = append(n.wide, n.convert(s))
	}
	if n.channels == 1 {
		return n.wide
	}
	n.mono = Downmix(n.mono, n.wide, n.channels)
	return n.mono
}

// decoders read little-endian interleaved bytes as produced by capture devices.

func decodeF32(dst []float32, raw []byte) []float32 {
	dst = dst[:0]
	for i := 0; i+4 <= len(raw); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
	}
	return dst
}

func decodeU16(dst []uint16, raw []byte) []uint16 {
	dst = dst[:0]
	for i := 0; i+2 <= len(raw); i += 2 {
		dst = append(dst, binary.LittleEndian.Uint16(raw[i:]))
	}
	return dst
}

func decodeI16(dst []int16, raw []byte) []int16 {
	dst = dst[:0]
	for i := 0; i+2 <= len(raw); i += 2 {
		dst = append(dst, int16(binary.LittleEndian.Uint16(raw[i:])))
	}
	return dst
}
