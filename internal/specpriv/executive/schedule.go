// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package executive

import "fmt"

// Schedule assigns loop iterations to workers.
type Schedule uint8

const (
	// RoundRobin gives iteration i to worker (i-first) mod workers.
	RoundRobin Schedule = iota

	// Chunked splits every checkpoint window into one contiguous chunk per worker.
	Chunked
)

// String returns the schedule name.
func (s Schedule) String() string {
	switch s {
	case RoundRobin:
		return "round-robin"
	case Chunked:
		return "chunked"
	}
	return fmt.Sprintf("Schedule(%d)", uint8(s))
}

// Owns reports whether the worker w executes iteration iter.
func (s Schedule) Owns(w *Worker, iter int64) bool {
	rel := iter - w.first
	n := int64(w.NumWorkers())
	if s == Chunked {
		chunk := int64(w.g) / n
		return (rel%int64(w.g))/chunk == int64(w.id)
	}
	return rel%n == int64(w.id)
}

// Iteration is the body of one loop iteration.
type Iteration func(w *Worker, iter int64) error

// Loop returns a Body running count iterations from the invocation's first
// iteration, executing those sched assigns to the worker. Every worker calls
// BeginIter and EndIter on every iteration.
//
// An error from fn ends the worker's loop and is handled like any body error.
func Loop(count int64, sched Schedule, fn Iteration) Body {
	return func(w *Worker) (int, error) {
		end := w.First() + count
		for i := w.First(); i < end; i++ {
			w.BeginIter()
			if sched.Owns(w, i) {
				if err := fn(w, i); err != nil {
					return 0, err
				}
			}
			w.EndIter()
		}
		return 0, nil
	}
}
