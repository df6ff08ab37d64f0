package heap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapMode selects how a heap is mapped.
type MapMode uint8

const (
	// SharedMap is a read-write view shared with every other SharedMap of the heap.
	// Foreign checkpoints are inspected through it too.
	SharedMap MapMode = iota

	// ReadOnlyMap is a shared view that faults on write.
	ReadOnlyMap

	// CopyOnWriteMap is a private view seeded with the segment contents. Writes stay
	// in the view.
	CopyOnWriteMap

	// AnonymousMap is a zero-filled private view with no segment.
	AnonymousMap
)

// String returns the mode name.
func (m MapMode) String() string {
	switch m {
	case SharedMap:
		return "shared"
	case ReadOnlyMap:
		return "read-only"
	case CopyOnWriteMap:
		return "copy-on-write"
	case AnonymousMap:
		return "anonymous"
	default:
		return fmt.Sprintf("MapMode(%d)", m)
	}
}

func (m MapMode) prot() int {
	if m == ReadOnlyMap {
		return unix.PROT_READ
	}
	return unix.PROT_READ | unix.PROT_WRITE
}

func (m MapMode) flags() int {
	if m == CopyOnWriteMap {
		return unix.MAP_PRIVATE | noReserve
	}
	return unix.MAP_SHARED
}

// MappedHeap is one view of a heap with its own bump cursor.
//
// A MappedHeap is not safe for concurrent allocation. Concurrent access to disjoint
// bytes of Data is fine.
type MappedHeap struct {
	heap *Heap
	mode MapMode
	base Addr
	data []byte
	next uint64
}

// Heap returns the segment behind the view, or nil for anonymous views.
func (m *MappedHeap) Heap() *Heap { return m.heap }

// Mode returns how the view was mapped.
func (m *MappedHeap) Mode() MapMode { return m.mode }

// Base returns the natural base address of the view.
func (m *MappedHeap) Base() Addr { return m.base }

// Size returns the mapped length.
func (m *MappedHeap) Size() uint64 { return uint64(len(m.data)) }

// Data returns the whole view.
func (m *MappedHeap) Data() []byte { return m.data }

// Alloc reserves size bytes, rounded up to Alignment, and returns their natural address.
func (m *MappedHeap) Alloc(size uint64) (Addr, error) {
	size = AlignUp(size)
	if size == 0 {
		size = Alignment
	}
	if m.next+size > uint64(len(m.data)) {
		return Nil, fmt.Errorf("alloc %d bytes in %s (used %d of %d): %w",
			size, m.base, m.next, len(m.data), ErrExhausted)
	}
	a := m.base.Add(m.next)
	m.next += size
	return a, nil
}

// Free is a no-op: space is reclaimed only by Reset.
func (m *MappedHeap) Free(Addr) {}

// Used returns the number of bytes allocated so far.
func (m *MappedHeap) Used() uint64 { return m.next }

// SetUsed moves the bump cursor, used when a view must agree with an allocation
// made through another view of the same heap.
func (m *MappedHeap) SetUsed(n uint64) {
	if n > uint64(len(m.data)) {
		n = uint64(len(m.data))
	}
	m.next = n
}

// Reset forgets every allocation. Contents are left untouched.
func (m *MappedHeap) Reset() { m.next = 0 }

// Contains reports whether a falls inside this view.
func (m *MappedHeap) Contains(a Addr) bool {
	return a.Tag() == m.base.Tag() && a.Offset() < uint64(len(m.data))
}

// Bytes returns the n bytes at natural address a. It panics if the range is not
// inside the view, like an out-of-bounds slice.
func (m *MappedHeap) Bytes(a Addr, n uint64) []byte {
	off := a.Offset()
	return m.data[off : off+n : off+n]
}

// Translate converts a natural address into the actual address inside this view.
func (m *MappedHeap) Translate(a Addr) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.data))) + uintptr(a.Offset())
}

// InverseTranslate converts an actual address inside this view back into a natural
// address. ok is false when p is outside the view.
func (m *MappedHeap) InverseTranslate(p uintptr) (a Addr, ok bool) {
	start := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	if p < start || p >= start+uintptr(len(m.data)) {
		return Nil, false
	}
	return m.base.Add(uint64(p - start)), true
}

// Zero clears n bytes starting at offset off.
func (m *MappedHeap) Zero(off, n uint64) {
	clear(m.data[off : off+n])
}

// Discard drops the contents of an anonymous view so it reads as zero again without
// touching every page.
func (m *MappedHeap) Discard() error {
	if m.mode != AnonymousMap {
		clear(m.data)
		return nil
	}
	return discard(m.data)
}

// Unmap releases the view. The MappedHeap must not be used afterwards.
func (m *MappedHeap) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return fmt.Errorf("unmap %s: %w", m.base, err)
	}
	return nil
}
