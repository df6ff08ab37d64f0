package redux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/kolkov/specpriv/internal/specpriv/heap"
)

// NoIteration is stored in a dependent's iteration slot until the first update.
const NoIteration = math.MaxInt64

// ErrBadSize is returned when an accumulator size is not a multiple of its element.
var ErrBadSize = errors.New("accumulator size not a multiple of element width")

// Info describes one accumulator in the redux heap.
type Info struct {
	// Addr is the natural address of the accumulator.
	Addr heap.Addr

	// Size is the accumulator size in bytes.
	Size uint64

	// Op is the operator. For a dependent it is its key's operator.
	Op Op

	// Key is the max or min accumulator deciding a dependent's value, nil otherwise.
	Key *Info

	// ElemSize is a dependent's value size per element.
	ElemSize uint64

	// Iters is the address of a dependent's per-element last-update iterations (int64).
	Iters heap.Addr

	next *Info
}

// Dependent reports whether the accumulator rides along a key.
func (i *Info) Dependent() bool { return i.Key != nil }

// Count returns the number of elements.
func (i *Info) Count() uint64 {
	if i.Key != nil {
		return i.Key.Count()
	}
	return i.Size / i.Op.Width()
}

// String describes the accumulator for logs.
func (i *Info) String() string {
	if i.Key != nil {
		return fmt.Sprintf("%s[%d] dep of %s", i.Addr, i.Count(), i.Key.Addr)
	}
	return fmt.Sprintf("%s[%d] %s", i.Addr, i.Count(), i.Op)
}

// Registry is the list of accumulators of one program. Entries are prepended, so a
// dependent always precedes its key when walking.
type Registry struct {
	head *Info
	n    int
}

// Len returns the number of accumulators.
func (r *Registry) Len() int { return r.n }

// Each calls fn for every accumulator, newest first, stopping at the first error.
func (r *Registry) Each(fn func(*Info) error) error {
	for i := r.head; i != nil; i = i.next {
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the accumulator whose storage contains a, or nil.
func (r *Registry) Lookup(a heap.Addr) *Info {
	for i := r.head; i != nil; i = i.next {
		if a.Tag() == i.Addr.Tag() && a.Offset() >= i.Addr.Offset() && a.Offset() < i.Addr.Offset()+i.Size {
			return i
		}
	}
	return nil
}

// Reset forgets every accumulator.
func (r *Registry) Reset() {
	r.head, r.n = nil, 0
}

func (r *Registry) push(i *Info) {
	i.next = r.head
	r.head = i
	r.n++
}

// Allocate reserves an accumulator of size bytes in h, sets it to identity and
// registers it.
func (r *Registry) Allocate(h *heap.MappedHeap, size uint64, op Op) (*Info, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("allocate reduction: invalid operator %d", op)
	}
	if size == 0 || size%op.Width() != 0 {
		return nil, fmt.Errorf("allocate %s of %d bytes: %w", op, size, ErrBadSize)
	}
	a, err := h.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", op, err)
	}
	info := &Info{Addr: a, Size: size, Op: op}
	Initialize(h.Data(), info)
	r.push(info)
	return info, nil
}

// AllocateDependent reserves a dependent accumulator of elemSize bytes per element of
// key, followed by its iteration slots.
func (r *Registry) AllocateDependent(h *heap.MappedHeap, key *Info, elemSize uint64) (*Info, error) {
	if key == nil || key.Dependent() || !(key.Op.IsMax() || key.Op.IsMin()) {
		return nil, errors.New("allocate dependent reduction: key must be a max or min accumulator")
	}
	if elemSize == 0 {
		return nil, fmt.Errorf("allocate dependent of %s: zero element size", key.Addr)
	}
	count := key.Count()
	size := count * elemSize
	a, err := h.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("allocate dependent of %s: %w", key.Addr, err)
	}
	iters, err := h.Alloc(count * 8)
	if err != nil {
		return nil, fmt.Errorf("allocate dependent iterations of %s: %w", key.Addr, err)
	}
	info := &Info{Addr: a, Size: size, Op: key.Op, Key: key, ElemSize: elemSize, Iters: iters}
	Initialize(h.Data(), info)
	r.push(info)
	return info, nil
}

// Initialize sets the accumulator to identity in the redux heap view buf.
// Dependents get zero values and no recorded iteration.
func Initialize(buf []byte, info *Info) {
	off := info.Addr.Offset()
	if info.Key == nil {
		setIdentity(info.Op, buf[off:off+info.Size])
		return
	}
	clear(buf[off : off+info.Size])
	it := info.Iters.Offset()
	for e := uint64(0); e < info.Count(); e++ {
		binary.NativeEndian.PutUint64(buf[it+e*8:], uint64(NoIteration))
	}
}

// InitializeAll sets every accumulator in buf to identity.
func (r *Registry) InitializeAll(buf []byte) {
	for i := r.head; i != nil; i = i.next {
		Initialize(buf, i)
	}
}

// Combine folds the accumulator from the view src into the view dst and resets it to
// identity in src.
func Combine(dst, src []byte, info *Info) {
	if info.Key != nil {
		combineDependent(dst, src, info)
		Initialize(src, info)
		return
	}
	off := info.Addr.Offset()
	d, s := dst[off:off+info.Size], src[off:off+info.Size]
	combine(info.Op, d, s)
	setIdentity(info.Op, s)
}

// CombineAll folds every accumulator of src into dst. Dependents are folded while
// their keys still hold the pre-combine values.
func (r *Registry) CombineAll(dst, src []byte) {
	for i := r.head; i != nil; i = i.next {
		Combine(dst, src, i)
	}
}

// combineDependent moves each element's value from src to dst when src's key is
// strictly better, or equal with an earlier update.
func combineDependent(dst, src []byte, info *Info) {
	key := info.Key
	koff := key.Addr.Offset()
	dk, sk := dst[koff:koff+key.Size], src[koff:koff+key.Size]
	off, it := info.Addr.Offset(), info.Iters.Offset()

	for e := uint64(0); e < info.Count(); e++ {
		sIter := int64(binary.NativeEndian.Uint64(src[it+e*8:]))
		if sIter == NoIteration {
			continue
		}
		dIter := int64(binary.NativeEndian.Uint64(dst[it+e*8:]))

		c := compareKey(key.Op, sk, dk, e)
		if key.Op.IsMin() {
			c = -c
		}
		if c > 0 || (c == 0 && sIter < dIter) {
			p := off + e*info.ElemSize
			copy(dst[p:p+info.ElemSize], src[p:p+info.ElemSize])
			binary.NativeEndian.PutUint64(dst[it+e*8:], uint64(sIter))
		}
	}
}

// RecordDependent stores value as element e of a dependent in buf, updated at iter.
func RecordDependent(buf []byte, info *Info, e uint64, value []byte, iter int64) {
	p := info.Addr.Offset() + e*info.ElemSize
	copy(buf[p:p+info.ElemSize], value)
	binary.NativeEndian.PutUint64(buf[info.Iters.Offset()+e*8:], uint64(iter))
}

// DependentIteration returns the last-update iteration of element e of a dependent.
func DependentIteration(buf []byte, info *Info, e uint64) int64 {
	return int64(binary.NativeEndian.Uint64(buf[info.Iters.Offset()+e*8:]))
}

// Update folds v into element e of the accumulator in buf and reports whether the
// element changed. For max and min only a strictly better v changes it, so on ties
// the earliest update is kept. T must be the operator's element type.
func Update[T Number](buf []byte, info *Info, e uint64, v T) (bool, error) {
	if w := uint64(unsafe.Sizeof(v)); w != info.Op.Width() || info.Key != nil {
		return false, fmt.Errorf("update %s: %d-byte value: %w", info, w, ErrBadSize)
	}
	if e >= info.Count() {
		return false, fmt.Errorf("update %s: element %d out of range", info, e)
	}
	off := info.Addr.Offset()
	acc := &elems[T](buf[off : off+info.Size])[e]
	switch {
	case info.Op.IsSum():
		*acc += v
		return true, nil
	case info.Op.IsMax() && v > *acc, info.Op.IsMin() && v < *acc:
		*acc = v
		return true, nil
	}
	return false, nil
}

// Value returns element e of the accumulator in buf.
func Value[T Number](buf []byte, info *Info, e uint64) T {
	off := info.Addr.Offset()
	return elems[T](buf[off : off+info.Size])[e]
}
