// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package executive

import (
	"io"

	"github.com/kolkov/specpriv/internal/specpriv/deferio"
)

// Output issued by a worker is buffered with the current iteration and reaches the
// real stream when its checkpoint commits, in iteration order.

// Fwrite defers writing p to stream s.
func (w *Worker) Fwrite(s deferio.Stream, p []byte) int { return w.io.Fwrite(s, p) }

// Printf defers formatted output to standard output.
func (w *Worker) Printf(format string, args ...any) int { return w.io.Printf(format, args...) }

// Fprintf defers formatted output to stream s.
func (w *Worker) Fprintf(s deferio.Stream, format string, args ...any) int {
	return w.io.Fprintf(s, format, args...)
}

// Puts defers str and a newline to standard output.
func (w *Worker) Puts(str string) int { return w.io.Puts(str) }

// Putchar defers c to standard output.
func (w *Worker) Putchar(c byte) byte { return w.io.Putchar(c) }

// Fflush is a no-op: output is flushed when it commits.
func (w *Worker) Fflush(s deferio.Stream) error { return w.io.Fflush(s) }

// Writer returns an io.Writer deferring to stream s, for use with fmt.Fprint and
// encoders.
func (w *Worker) Writer(s deferio.Stream) io.Writer { return w.io.Writer(s) }
