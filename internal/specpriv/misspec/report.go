// Package misspec defines misspeculation, the single recoverable error of the executive,
// and the shared flag workers use to publish it.
//
// A misspeculation is a detected violation of an assumption the parallelizing compiler
// made about a loop: a privatized byte that was really carried across iterations, a
// predicted value that did not hold, a reduction that was not reduction-only. It is
// never corrected in place. The detecting worker records a Report and stops; the
// orchestrator then discards everything after the last committed checkpoint.
package misspec

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"
)

// ErrMisspeculation is matched by every misspeculation error.
var ErrMisspeculation = errors.New("misspeculation")

// MainWorker is the worker id recorded when the main goroutine detects a
// misspeculation (during distillation).
const MainWorker = -1

// maxStackDepth bounds stack capture for debug reports.
const maxStackDepth = 32

// Report describes one misspeculation.
type Report struct {
	// Worker is the id of the detecting worker, or MainWorker.
	Worker int

	// Iteration is the iteration the violation is attributed to.
	Iteration int64

	// Reason is a short human-readable cause, e.g. "Privacy violation on write".
	Reason string

	// Time is when the report was created.
	Time time.Time

	// Stack holds program counters of the detecting call, when captured.
	Stack []uintptr
}

// New creates a report without a stack.
func New(worker int, iter int64, reason string) *Report {
	return &Report{Worker: worker, Iteration: iter, Reason: reason, Time: time.Now()}
}

// Newf creates a report with a formatted reason.
func Newf(worker int, iter int64, format string, args ...any) *Report {
	return New(worker, iter, fmt.Sprintf(format, args...))
}

// WithStack captures the caller's stack into the report and returns it.
// skip counts frames above WithStack's caller.
func (r *Report) WithStack(skip int) *Report {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	r.Stack = pcs[:n]
	return r
}

// Error implements error.
func (r *Report) Error() string {
	who := fmt.Sprintf("worker %d", r.Worker)
	if r.Worker == MainWorker {
		who = "main"
	}
	return fmt.Sprintf("misspeculation at iteration %d by %s: %s", r.Iteration, who, r.Reason)
}

// Unwrap makes errors.Is(r, ErrMisspeculation) hold.
func (r *Report) Unwrap() error { return ErrMisspeculation }

// Format writes the report, with its stack when captured.
//
//nolint:errcheck // Best-effort diagnostic output.
func (r *Report) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "MISSPECULATION: %s\n", r.Reason)
	if r.Worker == MainWorker {
		fmt.Fprintf(w, "iteration %d, detected by main\n", r.Iteration)
	} else {
		fmt.Fprintf(w, "iteration %d, detected by worker %d\n", r.Iteration, r.Worker)
	}
	if len(r.Stack) > 0 {
		fmt.Fprint(w, FormatStack(r.Stack))
	}
	fmt.Fprintf(w, "==================\n")
}

// String returns the formatted report.
func (r *Report) String() string {
	var buf strings.Builder
	r.Format(&buf)
	return buf.String()
}

// FormatStack renders program counters like a goroutine dump, skipping runtime frames:
//
//	main.body()
//	    /path/to/file.go:15 +0x3b
func FormatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return "  (no stack trace available)\n"
	}

	frames := runtime.CallersFrames(pcs)
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&buf, "  %s()\n      %s:%d +0x%x\n",
				frame.Function, frame.File, frame.Line, frame.PC&0xfff)
		}
		if !more {
			break
		}
	}
	return buf.String()
}
