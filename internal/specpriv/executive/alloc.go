// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package executive

import (
	"fmt"
	"unsafe"

	"github.com/kolkov/specpriv/internal/specpriv/heap"
	"github.com/kolkov/specpriv/internal/specpriv/redux"
)

// Memory resolves natural addresses to bytes. Both the main program (Executive) and
// each worker (Worker) implement it, each seeing its own views.
type Memory interface {
	Bytes(a heap.Addr, n uint64) []byte
}

// Scalar is a value that can be loaded from or stored to a heap.
type Scalar interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint | ~uintptr |
		~float32 | ~float64 | ~bool
}

// Load reads a T at a through m.
func Load[T Scalar](m Memory, a heap.Addr) T {
	var v T
	b := m.Bytes(a, uint64(unsafe.Sizeof(v)))
	return *(*T)(unsafe.Pointer(unsafe.SliceData(b)))
}

// Store writes v at a through m.
func Store[T Scalar](m Memory, a heap.Addr, v T) {
	b := m.Bytes(a, uint64(unsafe.Sizeof(v)))
	*(*T)(unsafe.Pointer(unsafe.SliceData(b))) = v
}

// allocIn reserves size bytes in the main heap of kind k between invocations. The
// views are nil outside a program, so the phase is checked first.
func (e *Executive) allocIn(k heap.Addr, size uint64) (heap.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != program {
		return heap.Nil, fmt.Errorf("alloc in %s heap: %w", k.Kind(), ErrState)
	}
	return e.view(k).Alloc(size)
}

// AllocShared reserves size bytes of the shared heap. Workers write it in place.
func (e *Executive) AllocShared(size uint64) (heap.Addr, error) {
	return e.allocIn(heap.Base(heap.Shared), size)
}

// AllocRO reserves size bytes of the read-only heap. Only the main program writes it.
func (e *Executive) AllocRO(size uint64) (heap.Addr, error) {
	return e.allocIn(heap.Base(heap.ReadOnly), size)
}

// AllocPriv reserves size bytes of the private heap, tracked byte by byte.
func (e *Executive) AllocPriv(size uint64) (heap.Addr, error) {
	return e.allocIn(heap.Base(heap.Private), size)
}

// AllocKillPriv reserves size bytes of the killable-private heap: memory every
// iteration writes before reading, so no read checks are needed.
func (e *Executive) AllocKillPriv(size uint64) (heap.Addr, error) {
	return e.allocIn(heap.Base(heap.Private)|heap.KillBit, size)
}

// AllocSharePriv reserves size bytes of the shared-private heap: memory every
// writer sets to the same value, merged by difference from the committed state.
func (e *Executive) AllocSharePriv(size uint64) (heap.Addr, error) {
	return e.allocIn(heap.Base(heap.Private)|heap.ShareBit, size)
}

// Free releases an allocation. Heaps are bump allocated; space returns when the
// program ends.
func (e *Executive) Free(heap.Addr) {}

// AllocRedux reserves an accumulator of size bytes combined with op. Its committed
// value, initially identity, is read and written through Bytes, Load and Store.
func (e *Executive) AllocRedux(size uint64, op redux.Op) (heap.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != program {
		return heap.Nil, fmt.Errorf("alloc reduction: %w", ErrState)
	}
	info, err := e.rr.Allocate(e.redux, size, op)
	if err != nil {
		return heap.Nil, err
	}
	return info.Addr, nil
}

// AllocReduxDependent reserves elemSize bytes per element of the max or min
// accumulator at key. An element of the dependent follows the winning key element
// across workers, like the index in an argmax.
func (e *Executive) AllocReduxDependent(key heap.Addr, elemSize uint64) (heap.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != program {
		return heap.Nil, fmt.Errorf("alloc dependent reduction: %w", ErrState)
	}
	k := e.rr.Lookup(key)
	if k == nil || k.Addr != key {
		return heap.Nil, fmt.Errorf("alloc dependent reduction: %s is not an accumulator", key)
	}
	info, err := e.rr.AllocateDependent(e.redux, k, elemSize)
	if err != nil {
		return heap.Nil, err
	}
	return info.Addr, nil
}

// Bytes returns the n committed bytes at a, as the main program sees them. It
// panics on an address outside every main heap.
func (e *Executive) Bytes(a heap.Addr, n uint64) []byte {
	h := e.view(a)
	if h == nil {
		panic(fmt.Sprintf("executive: address %s outside the main heaps", a))
	}
	return h.Bytes(a, n)
}

// view returns the main view holding a, or nil.
func (e *Executive) view(a heap.Addr) *heap.MappedHeap {
	switch a.Kind() {
	case heap.Private:
		switch {
		case a.Killable():
			return e.kill
		case a.SharePrivate():
			return e.share
		}
		return e.priv
	case heap.Redux:
		return e.redux
	case heap.Shared:
		return e.shared
	case heap.ReadOnly:
		return e.ro
	}
	return nil
}

// SizeofPrivate returns the bytes allocated in the private heap.
func (e *Executive) SizeofPrivate() uint64 { return e.priv.Used() }

// SizeofRedux returns the bytes allocated in the redux heap.
func (e *Executive) SizeofRedux() uint64 { return e.redux.Used() }
