// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package executive is the runtime entry point called by parallelized loop code.
//
// A parallelizing compiler splits a loop across workers under assumptions it could
// not prove: that some memory is private to each iteration, that some updates are
// reductions, that output can be replayed later. The executive runs the loop on those
// assumptions and checks them as it goes. Progress is committed one checkpoint window
// at a time; when an assumption fails, everything after the last committed window is
// discarded and the caller learns where to resume sequentially.
//
// Two types make up the API:
//
//   - Executive is the program context. It owns the main heaps, the checkpoint
//     manager, the worker pool and the invocation lifecycle.
//   - Worker is the context of one worker goroutine during an invocation. Generated
//     code calls its iteration, access, reduction and output methods.
//
// Lifecycle:
//
//	e := executive.New(cfg, executive.Options{})
//	e.BeginProgram()
//	defer e.EndProgram()
//
//	// allocate heaps, initialise live-ins through e.Bytes
//	e.BeginInvocation()
//	e.Spawn(first, body)
//	res, err := e.Join()      // res.Committed, res.Misspec
//	e.EndInvocation()
//	// on misspeculation: re-execute from res.Committed+1, then e.RecoveryFinished
//
// Memory Model:
//
// Workers are goroutines, but each sees the private heaps through its own
// copy-on-write mapping of the main segments, so speculative writes stay invisible to
// other workers exactly as with forked processes. The shared and read-only heaps are
// mapped once and seen by everyone. Reduction accumulators live in an anonymous
// per-worker heap laid out like the main redux heap.
//
// Misspeculation:
//
// Worker methods do not return errors. A failed check records a report in the
// invocation's misspeculation flag and unwinds the worker goroutine; the runner
// recovers and the worker simply stops contributing. Faults inside a worker body
// (a write to the read-only heap, a stray pointer) are recovered the same way and
// reported as "Segfault".
package executive
