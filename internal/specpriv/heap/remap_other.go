//go:build !linux

package heap

import (
	"errors"
	"fmt"
)

// Remap is only supported on Linux.
func (m *MappedHeap) Remap(off, n uint64, src *Heap) error {
	return fmt.Errorf("remap %s+%#x: %w", m.base, off, errors.ErrUnsupported)
}
