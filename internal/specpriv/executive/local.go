// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package executive

import (
	"fmt"

	"github.com/kolkov/specpriv/internal/specpriv/heap"
)

// AllocLocal reserves size bytes in the worker's local heap. Local objects live for
// one iteration: every one must be freed before EndIter.
func (w *Worker) AllocLocal(size uint64) heap.Addr {
	a, err := w.local.Alloc(size)
	if err != nil {
		w.Misspec(fmt.Sprintf("Local heap exhausted: %v", err))
	}
	w.liveLocal++
	return a
}

// FreeLocal releases a local object.
func (w *Worker) FreeLocal(a heap.Addr) {
	if a.Kind() != heap.Local {
		w.Misspec(fmt.Sprintf("Local free of %s", a))
	}
	if w.liveLocal == 0 {
		w.Misspec(fmt.Sprintf("Local free of %s with no live object", a))
	}
	w.local.Free(a)
	w.liveLocal--
}

// LiveLocal returns the number of local objects not yet freed.
func (w *Worker) LiveLocal() int { return w.liveLocal }
