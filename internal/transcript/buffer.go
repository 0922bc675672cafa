// Package transcript holds the rolling window of finalized caption lines
// shared between the capture callback and the display.
package transcript

import (
	"strings"
	"sync"
)

// Depth is the number of lines kept on screen.
const Depth = 3

// Lines is a copy of the window, oldest first.
type Lines [Depth]string

// Text joins the non-empty lines with newlines.
func (l Lines) Text() string {
	parts := make([]string, 0, Depth)
	for _, line := range l {
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "\n")
}

// Buffer is a fixed three-slot ring. Publish evicts the oldest line and
// appends the newest; Snapshot copies all slots under a single lock so a
// reader never sees a half-applied publish.
type Buffer struct {
	mu      sync.Mutex
	slots   [Depth]string
	head    int // index of the oldest line
	version uint64
}

// New returns a buffer holding three empty lines.
func New() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Publish(line string) {
	b.mu.Lock()
	b.slots[b.head] = line
	b.head = (b.head + 1) % Depth
	b.version++
	b.mu.Unlock()
}

func (b *Buffer) Snapshot() Lines {
	lines, _ := b.SnapshotVersion()
	return lines
}

// SnapshotVersion returns the lines together with the publish count they
// reflect.
func (b *Buffer) SnapshotVersion() (Lines, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out Lines
	for i := range out {
		out[i] = b.slots[(b.head+i)%Depth]
	}
	return out, b.version
}

// Version counts publishes so far. Pollers compare it across frames to skip
// unchanged states.
func (b *Buffer) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}
