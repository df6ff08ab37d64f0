package checkpoint

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/kolkov/specpriv/internal/specpriv/deferio"
	"github.com/kolkov/specpriv/internal/specpriv/heap"
	"github.com/kolkov/specpriv/internal/specpriv/shadow"
)

// LastIteration identifies the checkpoint of the final, possibly short, window.
const LastIteration = math.MaxInt32

// State is the lifecycle state of a checkpoint.
type State uint32

const (
	Free State = iota
	Partial
	Complete
	Broken
	Main
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Partial:
		return "partial"
	case Complete:
		return "complete"
	case Broken:
		return "broken"
	case Main:
		return "main"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Kinds of private state tracked per checkpoint.
const (
	PrivKind = iota
	KillKind
	ShareKind

	numKinds
)

// Layout gives the size of each heap of a checkpoint.
type Layout struct {
	Priv  uint64
	Kill  uint64
	Share uint64
	Redux uint64
}

// ID names a checkpoint slot at one generation. A slot is reused after the checkpoint
// is freed; the generation tells a stale ID apart.
type ID struct {
	Slot int
	Gen  uint32
}

// Checkpoint is one versioned snapshot.
type Checkpoint struct {
	lock  Spinlock
	state atomic.Uint32
	slot  int
	gen   uint32

	// iter and the list links are guarded by the manager lock.
	iter       int64
	prev, next *Checkpoint

	// The fields below are guarded by lock.
	ready   bool
	workers uint64 // bit i set once worker i contributed
	ranges  [numKinds]shadow.Range
	io      deferio.Set

	footprint atomic.Uint64

	priv, privShadow *heap.MappedHeap
	kill, killShadow *heap.MappedHeap
	share, shareMask *heap.MappedHeap
	redux            *heap.MappedHeap
	segments         []*heap.Heap
}

// ID returns the slot and generation of c.
func (c *Checkpoint) ID() ID { return ID{Slot: c.slot, Gen: c.gen} }

// State returns the lifecycle state.
func (c *Checkpoint) State() State { return State(c.state.Load()) }

func (c *Checkpoint) setState(s State) { c.state.Store(uint32(s)) }

// Iteration returns the last iteration of the window c covers, or LastIteration.
// Only meaningful while c is in use.
func (c *Checkpoint) Iteration() int64 { return c.iter }

// Contributors returns how many workers have contributed.
func (c *Checkpoint) Contributors() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return bits.OnesCount64(c.workers)
}

// Contributed reports whether worker id has contributed to c.
func (c *Checkpoint) Contributed(id int) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return id >= 0 && id < 64 && c.workers&(1<<id) != 0
}

// Range returns the touched range of one private kind.
func (c *Checkpoint) Range(kind int) shadow.Range {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ranges[kind]
}

// Footprint returns the bytes the checkpoint accounts for against the memory ceiling.
func (c *Checkpoint) Footprint() uint64 { return c.footprint.Load() }

func (c *Checkpoint) privView() shadow.View {
	return shadow.View{Data: c.priv.Data(), Shadow: c.privShadow.Data()}
}

func (c *Checkpoint) killView() shadow.View {
	return shadow.View{Data: c.kill.Data(), Shadow: c.killShadow.Data()}
}

func (c *Checkpoint) shareView() shadow.View {
	return shadow.View{Data: c.share.Data(), Shadow: c.shareMask.Data()}
}

// PrivateBytes returns the private heap of the checkpoint, for inspection.
func (c *Checkpoint) PrivateBytes() []byte { return c.priv.Data() }

// ReduxBytes returns the redux heap of the checkpoint, for inspection.
func (c *Checkpoint) ReduxBytes() []byte { return c.redux.Data() }

func (c *Checkpoint) updateFootprint(reduxUsed uint64) {
	n := reduxUsed
	for _, r := range c.ranges {
		n += 2 * r.Len()
	}
	c.footprint.Store(n)
}

// newCheckpoint creates the segments of a checkpoint and maps them.
func newCheckpoint(reg *heap.Registry, slot int, l Layout) (*Checkpoint, error) {
	c := &Checkpoint{slot: slot}
	for i := range c.ranges {
		c.ranges[i] = shadow.EmptyRange()
	}

	specs := []struct {
		dst  **heap.MappedHeap
		desc string
		base heap.Addr
		size uint64
	}{
		{&c.priv, "ckpt-priv", heap.Base(heap.Private), l.Priv},
		{&c.privShadow, "ckpt-shadow", heap.Base(heap.Shadow), l.Priv},
		{&c.kill, "ckpt-killpriv", heap.Base(heap.Private) | heap.KillBit, l.Kill},
		{&c.killShadow, "ckpt-killshadow", heap.Base(heap.Shadow) | heap.KillBit, l.Kill},
		{&c.share, "ckpt-sharepriv", heap.Base(heap.Private) | heap.ShareBit, l.Share},
		{&c.shareMask, "ckpt-sharemask", heap.Base(heap.Shadow) | heap.ShareBit, l.Share},
		{&c.redux, "ckpt-redux", heap.Base(heap.Redux), l.Redux},
	}
	for _, s := range specs {
		h, err := reg.Create(fmt.Sprintf("%s-%d", s.desc, slot), s.base, s.size)
		if err != nil {
			return nil, errors.Join(err, c.destroy(reg))
		}
		c.segments = append(c.segments, h)
		m, err := h.Map(heap.SharedMap)
		if err != nil {
			return nil, errors.Join(err, c.destroy(reg))
		}
		*s.dst = m
	}
	return c, nil
}

// destroy unmaps and removes every segment of c.
func (c *Checkpoint) destroy(reg *heap.Registry) error {
	var errs []error
	for _, m := range []*heap.MappedHeap{c.priv, c.privShadow, c.kill, c.killShadow, c.share, c.shareMask, c.redux} {
		if m != nil {
			errs = append(errs, m.Unmap())
		}
	}
	for _, h := range c.segments {
		errs = append(errs, reg.Destroy(h))
	}
	c.segments = nil
	return errors.Join(errs...)
}

// clean returns c to the state of a fresh checkpoint: shadows LiveIn over what was
// touched, no contributors, no events.
func (c *Checkpoint) clean() {
	shadow.Reset(c.privShadow.Data(), c.ranges[PrivKind])
	shadow.Reset(c.killShadow.Data(), c.ranges[KillKind])
	shadow.Reset(c.shareMask.Data(), c.ranges[ShareKind])
	for i := range c.ranges {
		c.ranges[i] = shadow.EmptyRange()
	}
	c.redux.Reset()
	c.io.Reset(0)
	c.ready = false
	c.workers = 0
	c.footprint.Store(0)
}
