package audio

import "fmt"

// Callback receives one raw capture block: interleaved little-endian samples
// in the negotiated format.
type Callback func(raw []byte)

// NewCallback selects the conversion path for cfg.Format once and returns the
// function a capture source invokes per block. consume receives the mono PCM
// for that block; the slice is reused after consume returns.
func NewCallback(cfg StreamConfig, consume func(pcm []int16)) (Callback, error) {
	if cfg.Channels < 1 {
		return nil, fmt.Errorf("channel count must be positive, got %d", cfg.Channels)
	}
	switch cfg.Format {
	case FormatF32:
		return bind(cfg.Channels, decodeF32, consume), nil
	case FormatU16:
		return bind(cfg.Channels, decodeU16, consume), nil
	case FormatI16:
		return bind(cfg.Channels, decodeI16, consume), nil
	}
	return nil, fmt.Errorf("unsupported sample format %s", cfg.Format)
}

func bind[T Sample](channels int, decode func([]T, []byte) []T, consume func([]int16)) Callback {
	norm := NewNormalizer[T](channels)
	var block []T
	return func(raw []byte) {
		block = decode(block, raw)
		consume(norm.Normalize(block))
	}
}
