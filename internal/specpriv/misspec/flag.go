package misspec

import (
	"sync"
	"sync/atomic"
)

// Flag is the shared misspeculation flag of one invocation.
//
// Happened is a single atomic load so workers can poll it on every iteration. When
// several workers raise the flag concurrently the report with the earliest iteration
// is kept, since recovery can never resume past it.
type Flag struct {
	happened atomic.Bool

	mu     sync.Mutex
	report *Report
}

// Raise records r. It returns true if r became the retained report.
func (f *Flag) Raise(r *Report) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.report != nil && f.report.Iteration <= r.Iteration {
		f.happened.Store(true)
		return false
	}
	f.report = r
	f.happened.Store(true)
	return true
}

// Happened reports whether any misspeculation was raised.
func (f *Flag) Happened() bool {
	return f.happened.Load()
}

// AtOrBefore reports whether a misspeculation was raised at an iteration <= iter.
// Work at later iterations is futile once this holds.
func (f *Flag) AtOrBefore(iter int64) bool {
	if !f.happened.Load() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report != nil && f.report.Iteration <= iter
}

// Report returns the retained report, or nil.
func (f *Flag) Report() *Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

// Reset clears the flag for the next invocation.
func (f *Flag) Reset() {
	f.mu.Lock()
	f.report = nil
	f.happened.Store(false)
	f.mu.Unlock()
}
