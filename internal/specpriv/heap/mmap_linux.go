//go:build linux

package heap

import "golang.org/x/sys/unix"

const noReserve = unix.MAP_NORESERVE

func discard(b []byte) error {
	return unix.Madvise(b, unix.MADV_DONTNEED)
}
