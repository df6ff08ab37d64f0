package versioning

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/kolkov/specpriv/internal/specpriv/heap"
)

// Strategy selects how pages are versioned.
type Strategy uint8

const (
	InPlace Strategy = iota
	Eager
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case InPlace:
		return "in-place"
	case Eager:
		return "eager"
	default:
		return fmt.Sprintf("Strategy(%d)", s)
	}
}

// ParseStrategy returns the strategy named s.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "in-place", "inplace":
		return InPlace, nil
	case "eager":
		return Eager, nil
	}
	return InPlace, fmt.Errorf("unknown versioning strategy %q", s)
}

// Region versions one mapped heap.
type Region struct {
	strategy Strategy
	pageSize uint64

	primary   *heap.Heap
	view      *heap.MappedHeap // the view writers use
	backing   *heap.MappedHeap // a second view of primary, used by Eager commit
	secondary *heap.Heap
	second    *heap.MappedHeap

	reg *heap.Registry

	mu    sync.Mutex
	pages *roaring.Bitmap
}

// NewRegion versions view, a shared mapping of a heap created in reg.
func NewRegion(reg *heap.Registry, view *heap.MappedHeap, s Strategy) (*Region, error) {
	primary := view.Heap()
	if primary == nil {
		return nil, errors.New("version region: view has no segment")
	}
	sec, err := reg.Create("secondary", view.Base(), primary.Size())
	if err != nil {
		return nil, fmt.Errorf("version region %s: %w", view.Base(), err)
	}
	second, err := sec.Map(heap.SharedMap)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("version region %s: %w", view.Base(), err), reg.Destroy(sec))
	}
	r := &Region{
		strategy:  s,
		pageSize:  heap.PageSize(),
		primary:   primary,
		view:      view,
		secondary: sec,
		second:    second,
		reg:       reg,
		pages:     roaring.New(),
	}
	if s == Eager {
		r.backing, err = primary.Map(heap.SharedMap)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("version region %s: %w", view.Base(), err), r.Close())
		}
	}
	return r, nil
}

// Strategy returns the versioning strategy.
func (r *Region) Strategy() Strategy { return r.strategy }

// Contains reports whether a lies in the region.
func (r *Region) Contains(a heap.Addr) bool { return r.view.Contains(a) }

// Touch versions every page of [off, off+n) not yet versioned. It must be called
// before the bytes are written.
func (r *Region) Touch(off, n uint64) error {
	if n == 0 {
		return nil
	}
	if off+n > r.view.Size() {
		return fmt.Errorf("touch %s+%#x: beyond region", r.view.Base(), off)
	}
	first, last := off/r.pageSize, (off+n-1)/r.pageSize

	r.mu.Lock()
	defer r.mu.Unlock()
	for p := first; p <= last; p++ {
		if r.pages.Contains(uint32(p)) {
			continue
		}
		if err := r.version(p); err != nil {
			return err
		}
		r.pages.Add(uint32(p))
	}
	return nil
}

// version saves or diverts page p. Caller holds mu.
func (r *Region) version(p uint64) error {
	lo, hi := p*r.pageSize, (p+1)*r.pageSize
	copy(r.second.Data()[lo:hi], r.view.Data()[lo:hi])
	if r.strategy == Eager {
		return r.view.Remap(lo, r.pageSize, r.secondary)
	}
	return nil
}

// Dirty returns the number of versioned pages.
func (r *Region) Dirty() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages.GetCardinality()
}

// Pages returns the versioned page numbers in order.
func (r *Region) Pages() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages.ToArray()
}

// Commit makes the writes since the last Commit or Rollback the current version.
func (r *Region) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.strategy == Eager {
		it := r.pages.Iterator()
		for it.HasNext() {
			p := uint64(it.Next())
			lo, hi := p*r.pageSize, (p+1)*r.pageSize
			copy(r.backing.Data()[lo:hi], r.second.Data()[lo:hi])
			if err := r.view.Remap(lo, r.pageSize, r.primary); err != nil {
				return err
			}
		}
	}
	r.pages.Clear()
	return nil
}

// Rollback restores every versioned page to its content at the last Commit.
func (r *Region) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := r.pages.Iterator()
	for it.HasNext() {
		p := uint64(it.Next())
		lo, hi := p*r.pageSize, (p+1)*r.pageSize
		if r.strategy == Eager {
			if err := r.view.Remap(lo, r.pageSize, r.primary); err != nil {
				return err
			}
			continue
		}
		copy(r.view.Data()[lo:hi], r.second.Data()[lo:hi])
	}
	r.pages.Clear()
	return nil
}

// Close releases the secondary segment. Pending versions are rolled back first so the
// view is left on the primary segment.
func (r *Region) Close() error {
	var errs []error
	if r.strategy == Eager {
		errs = append(errs, r.Rollback())
	}
	if r.backing != nil {
		errs = append(errs, r.backing.Unmap())
	}
	errs = append(errs, r.second.Unmap(), r.reg.Destroy(r.secondary))
	return errors.Join(errs...)
}
