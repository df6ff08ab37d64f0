//go:build linux

package heap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Remap replaces n bytes of m starting at offset off with the same range of segment
// src, in place. off and n must be page aligned. Writes through m then reach src.
func (m *MappedHeap) Remap(off, n uint64, src *Heap) error {
	if off+n > uint64(len(m.data)) {
		return fmt.Errorf("remap %s+%#x: range beyond view", m.base, off)
	}
	fd, err := unix.Open(src.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("remap %s+%#x: open %s: %w", m.base, off, src.name, err)
	}
	defer unix.Close(fd)

	addr := unsafe.Pointer(&m.data[off])
	_, err = unix.MmapPtr(fd, int64(off), addr, uintptr(n),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("remap %s+%#x onto %s: %w", m.base, off, src.name, err)
	}
	return nil
}
