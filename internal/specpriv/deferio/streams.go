package deferio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Streams maps stream handles to real writers.
type Streams struct {
	mu   sync.RWMutex
	next Stream
	w    map[Stream]io.Writer

	// held is non-nil between Hold and Release.
	held map[Stream]*bytes.Buffer
}

// NewStreams returns a table with Stdout and Stderr bound to the given writers.
func NewStreams(stdout, stderr io.Writer) *Streams {
	return &Streams{
		next: Stderr + 1,
		w:    map[Stream]io.Writer{Stdout: stdout, Stderr: stderr},
	}
}

// Register binds w to a fresh handle.
func (t *Streams) Register(w io.Writer) Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.next
	t.next++
	t.w[s] = w
	return s
}

// Bind rebinds handle s to w.
func (t *Streams) Bind(s Stream, w io.Writer) {
	t.mu.Lock()
	t.w[s] = w
	t.mu.Unlock()
}

// Writer returns the writer bound to s.
func (t *Streams) Writer(s Stream) (io.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.w[s]
	if !ok || w == nil {
		return nil, fmt.Errorf("unknown stream %d", s)
	}
	if t.held != nil {
		b, ok := t.held[s]
		if !ok {
			b = &bytes.Buffer{}
			t.held[s] = b
		}
		return b, nil
	}
	return w, nil
}

// Hold diverts every stream into memory until Release, so output committed during
// an all-or-nothing invocation can still be discarded.
func (t *Streams) Hold() {
	t.mu.Lock()
	if t.held == nil {
		t.held = make(map[Stream]*bytes.Buffer)
	}
	t.mu.Unlock()
}

// Release ends Hold. With keep the held bytes are written to the real writers in
// stream order; otherwise they are dropped.
func (t *Streams) Release(keep bool) error {
	t.mu.Lock()
	held := t.held
	t.held = nil
	t.mu.Unlock()
	if !keep || len(held) == 0 {
		return nil
	}

	var errs []error
	for s := Stdout; s < t.next; s++ {
		b, ok := held[s]
		if !ok {
			continue
		}
		w, err := t.Writer(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := w.Write(b.Bytes()); err != nil {
			errs = append(errs, fmt.Errorf("release stream %d: %w", s, err))
		}
	}
	errs = append(errs, t.flush())
	return errors.Join(errs...)
}

type flusher interface {
	Flush() error
}

// flush flushes every bound writer that buffers.
func (t *Streams) flush() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for s, w := range t.w {
		if f, ok := w.(flusher); ok {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("flush stream %d: %w", s, err)
			}
		}
	}
	return nil
}
