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

// Bytes returns the n bytes at a as this worker sees them. Private heaps resolve to
// the worker's copy-on-write views, the redux heap to its partial accumulators and
// the read-only heap to a read-only mapping. An address outside every heap is a
// misspeculation.
//
// Bytes performs no tracking; private accesses go through PrivateRead and
// PrivateWrite first.
func (w *Worker) Bytes(a heap.Addr, n uint64) []byte {
	h := w.view(a)
	if h == nil {
		w.Misspec(fmt.Sprintf("Bad pointer %s", a))
	}
	if a.Offset()+n > h.Size() {
		w.Misspec(fmt.Sprintf("Access of %d bytes at %s beyond heap", n, a))
	}
	return h.Bytes(a, n)
}

func (w *Worker) view(a heap.Addr) *heap.MappedHeap {
	switch a.Kind() {
	case heap.Private:
		switch {
		case a.Killable():
			return w.kill
		case a.SharePrivate():
			return w.share
		}
		return w.priv
	case heap.Redux:
		return w.redux
	case heap.Shared:
		return w.e.shared
	case heap.ReadOnly:
		return w.e.roView
	case heap.Local:
		return w.local
	}
	return nil
}

// check turns a tracking error into a misspeculation at the current iteration.
func (w *Worker) check(err error) {
	if err != nil {
		w.Misspec(err.Error())
	}
}

// PrivateWrite records a write of n bytes at a and returns the bytes to write.
//
// For the private heap the write is stamped with the iteration's code and fails
// when the bytes were read as live-in earlier in the invocation. Killable-private
// writes are stamped unchecked. Shared-private writes only widen the range compared
// at checkpoint time.
func (w *Worker) PrivateWrite(a heap.Addr, n uint64) []byte {
	b := w.Bytes(a, n)
	off := a.Offset()
	switch {
	case a.Kind() != heap.Private:
		w.Misspec(fmt.Sprintf("Private write to %s", a))
	case a.Killable():
		w.killT.Mark(off, n)
	case a.SharePrivate():
		w.shareRng.Extend(off, off+n)
	default:
		w.check(w.privT.Write(off, n))
	}
	return b
}

// PrivateRead records a read of n bytes at a and returns them. name labels the
// object in a violation report.
//
// A private read fails when a byte was written by an earlier iteration of this
// worker, since the value it should observe may come from another worker. Reads of
// killable-private and shared-private memory are not tracked.
func (w *Worker) PrivateRead(a heap.Addr, n uint64, name string) []byte {
	b := w.Bytes(a, n)
	if a.Kind() != heap.Private {
		w.Misspec(fmt.Sprintf("Private read of %s", a))
	}
	if !a.Killable() && !a.SharePrivate() {
		w.check(w.privT.Read(a.Offset(), n, name))
	}
	return b
}

// PrivateWriteStride records nStrides writes of width bytes, stride bytes apart,
// starting at a.
func (w *Worker) PrivateWriteStride(a heap.Addr, nStrides, stride, width uint64) {
	if nStrides == 0 {
		return
	}
	w.Bytes(a, (nStrides-1)*stride+width)
	off := a.Offset()
	switch {
	case a.Kind() != heap.Private:
		w.Misspec(fmt.Sprintf("Private write to %s", a))
	case a.Killable():
		for k := uint64(0); k < nStrides; k++ {
			w.killT.Mark(off+k*stride, width)
		}
	case a.SharePrivate():
		w.shareRng.Extend(off, off+(nStrides-1)*stride+width)
	default:
		w.check(w.privT.WriteStride(off, nStrides, stride, width))
	}
}

// PrivateReadStride records nStrides reads of width bytes, stride bytes apart,
// starting at a.
func (w *Worker) PrivateReadStride(a heap.Addr, nStrides, stride, width uint64, name string) {
	if nStrides == 0 {
		return
	}
	w.Bytes(a, (nStrides-1)*stride+width)
	if a.Kind() != heap.Private {
		w.Misspec(fmt.Sprintf("Private read of %s", a))
	}
	if !a.Killable() && !a.SharePrivate() {
		w.check(w.privT.ReadStride(a.Offset(), nStrides, stride, width, name))
	}
}

// KillPrivWrite records a write of n bytes to killable-private memory at a.
func (w *Worker) KillPrivWrite(a heap.Addr, n uint64) []byte {
	if !a.Killable() {
		w.Misspec(fmt.Sprintf("Killable write to %s", a))
	}
	return w.PrivateWrite(a, n)
}

// SharePrivWrite records a write of n bytes to shared-private memory at a.
func (w *Worker) SharePrivWrite(a heap.Addr, n uint64) []byte {
	if !a.SharePrivate() {
		w.Misspec(fmt.Sprintf("Shared-private write to %s", a))
	}
	return w.PrivateWrite(a, n)
}

// SharedWrite announces a write of n bytes to the shared heap at a and returns the
// bytes to write. When the shared heap is versioned the touched pages are saved
// first.
func (w *Worker) SharedWrite(a heap.Addr, n uint64) []byte {
	if a.Kind() != heap.Shared {
		w.Misspec(fmt.Sprintf("Shared write to %s", a))
	}
	b := w.Bytes(a, n)
	if w.e.barrier != nil {
		if err := w.e.barrier.Touch(a, n); err != nil {
			w.failf("version shared write: %w", err)
		}
	}
	return b
}

// StorePrivate writes v at private address a through PrivateWrite, using the word
// tracker for 8-byte values.
func StorePrivate[T Scalar](w *Worker, a heap.Addr, v T) {
	n := uint64(unsafe.Sizeof(v))
	var b []byte
	if n == 8 && a.Kind() == heap.Private && !a.Killable() && !a.SharePrivate() {
		b = w.Bytes(a, n)
		w.check(w.privT.Write8(a.Offset()))
	} else {
		b = w.PrivateWrite(a, n)
	}
	*(*T)(unsafe.Pointer(unsafe.SliceData(b))) = v
}

// LoadPrivate reads a T at private address a through PrivateRead.
func LoadPrivate[T Scalar](w *Worker, a heap.Addr, name string) T {
	var v T
	n := uint64(unsafe.Sizeof(v))
	var b []byte
	if n == 8 && a.Kind() == heap.Private && !a.Killable() && !a.SharePrivate() {
		b = w.Bytes(a, n)
		w.check(w.privT.Read8(a.Offset(), name))
	} else {
		b = w.PrivateRead(a, n, name)
	}
	return *(*T)(unsafe.Pointer(unsafe.SliceData(b)))
}

// StoreShared writes v at shared address a through SharedWrite.
func StoreShared[T Scalar](w *Worker, a heap.Addr, v T) {
	b := w.SharedWrite(a, uint64(unsafe.Sizeof(v)))
	*(*T)(unsafe.Pointer(unsafe.SliceData(b))) = v
}

// reduxElem resolves a to its accumulator and element index.
func (w *Worker) reduxElem(a heap.Addr, width uint64) (*redux.Info, uint64) {
	info := w.e.rr.Lookup(a)
	if info == nil {
		w.Misspec(fmt.Sprintf("Reduction update of %s outside every accumulator", a))
	}
	rel := a.Offset() - info.Addr.Offset()
	if rel%width != 0 {
		w.Misspec(fmt.Sprintf("Misaligned reduction update at %s", a))
	}
	return info, rel / width
}

// ReduxUpdate folds v into the worker's partial value of the accumulator element at
// a and reports whether the element changed. T must match the accumulator's
// operator.
func ReduxUpdate[T redux.Number](w *Worker, a heap.Addr, v T) bool {
	info, e := w.reduxElem(a, uint64(unsafe.Sizeof(v)))
	changed, err := redux.Update(w.redux.Data(), info, e, v)
	if err != nil {
		w.Misspec(fmt.Sprintf("Reduction update: %v", err))
	}
	return changed
}

// ReduxArgUpdate folds v into the max or min accumulator element at key and, when
// the element changed, records value as the matching element of the dependent at
// dep, stamped with the current iteration. Combining keeps the dependent value of
// the winning worker.
func ReduxArgUpdate[T redux.Number](w *Worker, key heap.Addr, v T, dep heap.Addr, value []byte) bool {
	info, e := w.reduxElem(key, uint64(unsafe.Sizeof(v)))
	d := w.e.rr.Lookup(dep)
	if d == nil || d.Addr != dep || d.Key != info {
		w.Misspec(fmt.Sprintf("%s is not a dependent of %s", dep, info.Addr))
	}
	if uint64(len(value)) != d.ElemSize {
		w.Misspec(fmt.Sprintf("Dependent update: %d-byte value for %d-byte element", len(value), d.ElemSize))
	}
	changed, err := redux.Update(w.redux.Data(), info, e, v)
	if err != nil {
		w.Misspec(fmt.Sprintf("Reduction update: %v", err))
	}
	if changed {
		redux.RecordDependent(w.redux.Data(), d, e, value, w.iter)
	}
	return changed
}

// Predict misspeculates when a predicted value differs from the one observed.
func (w *Worker) Predict(observed, expected uint64) {
	if observed != expected {
		w.Misspec("Value prediction failed")
	}
}

// AssertKind misspeculates with msg when a does not point into a heap of kind k.
func (w *Worker) AssertKind(a heap.Addr, k heap.Kind, msg string) {
	if a.Kind() != k {
		w.Misspec(msg)
	}
}
