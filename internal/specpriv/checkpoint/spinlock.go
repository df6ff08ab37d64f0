package checkpoint

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a test-and-set lock that yields the processor while waiting.
// Critical sections guarded by it are short or run by few contenders.
type Spinlock struct {
	v atomic.Uint32
}

// Lock acquires the lock.
func (l *Spinlock) Lock() {
	for !l.v.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free.
func (l *Spinlock) TryLock() bool {
	return l.v.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *Spinlock) Unlock() {
	l.v.Store(0)
}
