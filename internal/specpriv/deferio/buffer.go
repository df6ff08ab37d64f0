// Package deferio defers a worker's visible output until the iterations that produced
// it commit, then replays it in iteration order.
//
// A worker never writes to a real stream. Its Buffer records events tagged with the
// issuing iteration. At a checkpoint the events and their bytes are relocated into
// the checkpoint's redux heap (CopyToCheckpoint); when that checkpoint is retired,
// Commit merges every worker's list by iteration and performs the writes. The output
// is byte-identical to sequential execution whatever order workers ran or finished in.
package deferio

import (
	"fmt"
	"io"
)

// Stream is a handle for an output destination. Handles, not writers, are recorded
// in events because events live in shared memory.
type Stream uint32

// Predefined streams.
const (
	Stdout Stream = 1
	Stderr Stream = 2
)

// Event is one deferred write.
type Event struct {
	Iter   int64
	Stream Stream
	Data   []byte
}

// Buffer collects one worker's events for the current checkpoint window.
//
// A Buffer is owned by its worker and is not safe for concurrent use.
type Buffer struct {
	iter   int64
	events []Event
	bytes  int
}

// SetIteration sets the iteration subsequent events are tagged with.
func (b *Buffer) SetIteration(iter int64) { b.iter = iter }

// Iteration returns the current tag.
func (b *Buffer) Iteration() int64 { return b.iter }

// Events returns the pending events in issue order.
func (b *Buffer) Events() []Event { return b.events }

// Len returns the number of pending events.
func (b *Buffer) Len() int { return len(b.events) }

// Bytes returns the number of pending payload bytes.
func (b *Buffer) Bytes() int { return b.bytes }

// Reset drops every pending event.
func (b *Buffer) Reset() {
	clear(b.events)
	b.events = b.events[:0]
	b.bytes = 0
}

// Issue records a copy of p for stream s. Empty writes are dropped.
func (b *Buffer) Issue(s Stream, p []byte) {
	if len(p) == 0 {
		return
	}
	b.events = append(b.events, Event{Iter: b.iter, Stream: s, Data: append([]byte(nil), p...)})
	b.bytes += len(p)
}

// Fwrite defers writing p to s and returns len(p).
func (b *Buffer) Fwrite(s Stream, p []byte) int {
	b.Issue(s, p)
	return len(p)
}

// Printf defers formatted output to Stdout.
func (b *Buffer) Printf(format string, args ...any) int {
	return b.Fprintf(Stdout, format, args...)
}

// Fprintf defers formatted output to s.
func (b *Buffer) Fprintf(s Stream, format string, args ...any) int {
	p := fmt.Appendf(nil, format, args...)
	b.Issue(s, p)
	return len(p)
}

// Puts defers str and a newline to Stdout.
func (b *Buffer) Puts(str string) int {
	p := make([]byte, 0, len(str)+1)
	p = append(p, str...)
	p = append(p, '\n')
	b.Issue(Stdout, p)
	return len(p)
}

// Putchar defers one byte to Stdout.
func (b *Buffer) Putchar(c byte) byte {
	b.Issue(Stdout, []byte{c})
	return c
}

// Fflush is a no-op: deferred output is flushed when it commits.
func (b *Buffer) Fflush(Stream) error { return nil }

// Writer returns an io.Writer deferring to s.
func (b *Buffer) Writer(s Stream) io.Writer {
	return streamWriter{b: b, s: s}
}

type streamWriter struct {
	b *Buffer
	s Stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	return w.b.Fwrite(w.s, p), nil
}
