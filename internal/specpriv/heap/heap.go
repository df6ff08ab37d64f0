package heap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultShmDir is where segments are created when it exists.
const DefaultShmDir = "/dev/shm"

// ErrExhausted is returned when an allocation does not fit in the heap.
var ErrExhausted = errors.New("heap exhausted")

// ErrDestroyed is returned when mapping a heap whose segment was removed.
var ErrDestroyed = errors.New("heap destroyed")

// Heap is one named shared-memory segment.
type Heap struct {
	name string
	path string
	size uint64
	base Addr

	mu        sync.Mutex
	destroyed bool
}

// Name returns the segment name ("/specpriv-<pid>-<addr>-<nonce>-<desc>").
func (h *Heap) Name() string { return h.name }

// Path returns the backing file of the segment.
func (h *Heap) Path() string { return h.path }

// Size returns the logical size in bytes.
func (h *Heap) Size() uint64 { return h.size }

// Base returns the natural base address.
func (h *Heap) Base() Addr { return h.base }

// Registry creates heaps and owns them until Close.
//
// Segment names are unique per registry thanks to a nonce, so several registries in
// one process (or several processes) never collide.
type Registry struct {
	dir   string
	pid   int
	nonce atomic.Uint64

	mu    sync.Mutex
	heaps map[string]*Heap
}

// DefaultDir returns DefaultShmDir if it is usable, otherwise the system temp dir.
func DefaultDir() string {
	if fi, err := os.Stat(DefaultShmDir); err == nil && fi.IsDir() {
		return DefaultShmDir
	}
	return os.TempDir()
}

// NewRegistry returns a registry creating segments under dir.
// An empty dir selects DefaultDir().
func NewRegistry(dir string) *Registry {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Registry{
		dir:   dir,
		pid:   os.Getpid(),
		heaps: make(map[string]*Heap),
	}
}

// Dir returns the directory segments are created in.
func (r *Registry) Dir() string { return r.dir }

// SegmentName formats the segment name for a heap.
func SegmentName(pid int, base Addr, nonce uint64, desc string) string {
	return fmt.Sprintf("/specpriv-%d-%x-%d-%s", pid, uint64(base), nonce, desc)
}

// Create makes a new zero-filled segment of size bytes whose addresses start at base.
func (r *Registry) Create(desc string, base Addr, size uint64) (*Heap, error) {
	if size == 0 {
		return nil, fmt.Errorf("create heap %q: zero size", desc)
	}
	if size > OffsetMask {
		return nil, fmt.Errorf("create heap %q: size %d exceeds address space", desc, size)
	}
	size = roundPage(size)

	name := SegmentName(r.pid, base, r.nonce.Add(1), desc)
	path := filepath.Join(r.dir, strings.TrimPrefix(name, "/"))

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create heap %s: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("extend heap %s to %d bytes: %w", name, size, err)
	}

	h := &Heap{name: name, path: path, size: size, base: base}
	r.mu.Lock()
	r.heaps[name] = h
	r.mu.Unlock()
	return h, nil
}

// Destroy removes the segment of h. Existing mappings stay valid until unmapped.
func (r *Registry) Destroy(h *Heap) error {
	r.mu.Lock()
	delete(r.heaps, h.name)
	r.mu.Unlock()
	return h.destroy()
}

// Live returns the number of segments created and not yet destroyed.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heaps)
}

// Close destroys every remaining segment.
func (r *Registry) Close() error {
	r.mu.Lock()
	heaps := make([]*Heap, 0, len(r.heaps))
	for _, h := range r.heaps {
		heaps = append(heaps, h)
	}
	r.heaps = make(map[string]*Heap)
	r.mu.Unlock()

	var errs []error
	for _, h := range heaps {
		if err := h.destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Heap) destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil
	}
	h.destroyed = true
	if err := unix.Unlink(h.path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("destroy heap %s: %w", h.name, err)
	}
	return nil
}

// Map maps the whole segment with the given mode.
func (h *Heap) Map(mode MapMode) (*MappedHeap, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil, fmt.Errorf("map %s: %w", h.name, ErrDestroyed)
	}

	flags := unix.O_RDWR
	if mode == ReadOnlyMap {
		flags = unix.O_RDONLY
	}
	fd, err := unix.Open(h.path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open heap %s: %w", h.name, err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, int(h.size), mode.prot(), mode.flags())
	if err != nil {
		return nil, fmt.Errorf("map heap %s (%s): %w", h.name, mode, err)
	}
	return &MappedHeap{heap: h, mode: mode, base: h.base, data: data}, nil
}

// MapAnonymous maps size zero-filled bytes not backed by any segment, used for
// memory that is never shared (a worker's shadow, a worker's local heap).
func MapAnonymous(base Addr, size uint64) (*MappedHeap, error) {
	size = roundPage(size)
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|noReserve)
	if err != nil {
		return nil, fmt.Errorf("map anonymous %s (%d bytes): %w", base, size, err)
	}
	return &MappedHeap{mode: AnonymousMap, base: base, data: data}, nil
}

func roundPage(n uint64) uint64 {
	ps := uint64(unix.Getpagesize())
	return (n + ps - 1) &^ (ps - 1)
}

// PageSize returns the system page size.
func PageSize() uint64 {
	return uint64(unix.Getpagesize())
}
