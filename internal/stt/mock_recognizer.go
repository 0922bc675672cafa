package stt

import "fmt"

// mockRecognizer finalizes a synthetic line every segment of audio.
type mockRecognizer struct {
	segment   int
	buffered  int
	utterance int
	last      TranscriptResult
}

func NewMockRecognizer(opts Options, segmentMS int) Engine {
	segment := opts.SampleRate * segmentMS / 1000
	if segment <= 0 {
		segment = 1
	}
	return &mockRecognizer{segment: segment}
}

func (m *mockRecognizer) AcceptWaveform(pcm []int16) DecodingState {
	m.buffered += len(pcm)
	if m.buffered < m.segment {
		return Running
	}
	m.utterance++
	m.last = TranscriptResult{
		Text: fmt.Sprintf("[utterance %d: %d samples]", m.utterance, m.buffered),
	}
	m.buffered = 0
	return Finalized
}

func (m *mockRecognizer) Result() TranscriptResult { return m.last }

func (m *mockRecognizer) Close() error { return nil }
