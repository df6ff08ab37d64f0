package versioning

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/kolkov/specpriv/internal/specpriv/heap"
)

// ErrUntracked is returned for writes outside every region when no previous handler
// was installed.
var ErrUntracked = errors.New("address outside versioned regions")

// Handler handles a write barrier call.
type Handler func(a heap.Addr, n uint64) error

// Controller dispatches write barrier calls to regions.
type Controller struct {
	mu      sync.RWMutex
	regions []*Region
	prev    Handler
}

// NewController returns a controller that chains to prev for untracked addresses.
// prev may be nil.
func NewController(prev Handler) *Controller {
	return &Controller{prev: prev}
}

// Add starts routing the region's addresses to it.
func (c *Controller) Add(r *Region) {
	c.mu.Lock()
	c.regions = append(c.regions, r)
	c.mu.Unlock()
}

// Remove stops routing to r.
func (c *Controller) Remove(r *Region) {
	c.mu.Lock()
	c.regions = slices.DeleteFunc(c.regions, func(x *Region) bool { return x == r })
	c.mu.Unlock()
}

// Touch is the write barrier: it versions the pages of [a, a+n) before they are
// written.
func (c *Controller) Touch(a heap.Addr, n uint64) error {
	c.mu.RLock()
	var r *Region
	for _, x := range c.regions {
		if x.Contains(a) {
			r = x
			break
		}
	}
	c.mu.RUnlock()

	if r != nil {
		return r.Touch(a.Offset(), n)
	}
	if c.prev != nil {
		return c.prev(a, n)
	}
	return fmt.Errorf("touch %s: %w", a, ErrUntracked)
}

// Commit commits every region.
func (c *Controller) Commit() error {
	return c.each((*Region).Commit)
}

// Rollback rolls every region back.
func (c *Controller) Rollback() error {
	return c.each((*Region).Rollback)
}

// Close closes and removes every region.
func (c *Controller) Close() error {
	err := c.each((*Region).Close)
	c.mu.Lock()
	c.regions = nil
	c.mu.Unlock()
	return err
}

func (c *Controller) each(fn func(*Region) error) error {
	c.mu.RLock()
	regions := slices.Clone(c.regions)
	c.mu.RUnlock()

	var errs []error
	for _, r := range regions {
		errs = append(errs, fn(r))
	}
	return errors.Join(errs...)
}
