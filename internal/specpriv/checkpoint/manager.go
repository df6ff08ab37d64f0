package checkpoint

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/specpriv/internal/specpriv/deferio"
	"github.com/kolkov/specpriv/internal/specpriv/heap"
	"github.com/kolkov/specpriv/internal/specpriv/misspec"
	"github.com/kolkov/specpriv/internal/specpriv/redux"
	"github.com/kolkov/specpriv/internal/specpriv/shadow"
)

// DefaultPollInterval is how often a saturated allocation retries.
const DefaultPollInterval = 100 * time.Microsecond

// ErrAborted is returned by ForIteration when a misspeculation at or before the
// requested iteration makes waiting pointless.
var ErrAborted = errors.New("checkpoint request aborted by misspeculation")

// ErrStale is returned when a contribution names a recycled checkpoint.
var ErrStale = errors.New("stale checkpoint")

// ErrContributed is returned when a worker contributes twice to one checkpoint.
var ErrContributed = errors.New("worker already contributed")

// MainHeaps are the committed heaps the main checkpoint distills into.
type MainHeaps struct {
	Priv  *heap.MappedHeap
	Kill  *heap.MappedHeap
	Share *heap.MappedHeap
	Redux *heap.MappedHeap
}

// Options configures a Manager.
type Options struct {
	// Layout sizes the heaps of every checkpoint.
	Layout Layout

	// MaxBytes caps the footprint of live checkpoints. Zero disables the cap.
	MaxBytes uint64

	// PollInterval is the retry period of a saturated allocation.
	PollInterval time.Duration

	// Logger receives lifecycle traces. Nil discards them.
	Logger logrus.FieldLogger
}

// Stats counts manager activity.
type Stats struct {
	Created      uint64
	Reused       uint64
	Completed    uint64
	Combined     uint64
	Distilled    uint64
	Squashed     uint64
	Broken       uint64
	Backpressure uint64
}

type stats struct {
	created, reused, completed, combined atomic.Uint64
	distilled, squashed, broken, waits   atomic.Uint64
}

// Manager owns the checkpoint arena, the ordered list of used checkpoints and the
// main checkpoint.
type Manager struct {
	lock Spinlock

	reg    *heap.Registry
	opts   Options
	log    logrus.FieldLogger
	reduxR *redux.Registry
	flag   *misspec.Flag

	streams *deferio.Streams
	main    MainHeaps
	mainCk  Checkpoint

	// guarded by lock
	slots      []*Checkpoint
	free       []*Checkpoint
	head, tail *Checkpoint
	used       int

	// committing is held by the one goroutine combining or distilling.
	committing atomic.Bool

	// set by Begin, read-only during an invocation
	workers   int
	reduxUsed uint64

	stats stats
}

// NewManager returns a manager creating checkpoint segments in reg.
func NewManager(reg *heap.Registry, main MainHeaps, rr *redux.Registry, streams *deferio.Streams,
	flag *misspec.Flag, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	m := &Manager{
		reg:     reg,
		opts:    opts,
		log:     log,
		reduxR:  rr,
		flag:    flag,
		streams: streams,
		main:    main,
	}
	m.mainCk.setState(Main)
	m.mainCk.iter = -1
	return m
}

// Begin prepares the manager for an invocation with the given worker count, the
// iteration before the first one, and the size of the reduction area.
func (m *Manager) Begin(workers int, before int64, reduxUsed uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.workers = workers
	m.reduxUsed = reduxUsed
	m.mainCk.iter = before
}

// MainIteration returns the last iteration distilled into main.
func (m *Manager) MainIteration() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.mainCk.iter
}

// SetMainIteration overrides the main iteration after recovery.
func (m *Manager) SetMainIteration(iter int64) {
	m.lock.Lock()
	m.mainCk.iter = iter
	m.lock.Unlock()
}

// Used returns the number of checkpoints in the used list.
func (m *Manager) Used() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.used
}

// Front returns the oldest used checkpoint, or nil.
func (m *Manager) Front() *Checkpoint {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.head
}

// FrontIteration returns the iteration of the oldest used checkpoint. ok is false
// when the used list is empty.
func (m *Manager) FrontIteration() (iter int64, ok bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.head == nil {
		return 0, false
	}
	return m.head.iter, true
}

// Lookup returns the checkpoint named by id, or nil if the slot was recycled.
func (m *Manager) Lookup(id ID) *Checkpoint {
	m.lock.Lock()
	defer m.lock.Unlock()
	if id.Slot < 0 || id.Slot >= len(m.slots) {
		return nil
	}
	c := m.slots[id.Slot]
	if c.gen != id.Gen || c.State() == Free {
		return nil
	}
	return c
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Created:      m.stats.created.Load(),
		Reused:       m.stats.reused.Load(),
		Completed:    m.stats.completed.Load(),
		Combined:     m.stats.combined.Load(),
		Distilled:    m.stats.distilled.Load(),
		Squashed:     m.stats.squashed.Load(),
		Broken:       m.stats.broken.Load(),
		Backpressure: m.stats.waits.Load(),
	}
}

// liveBytes sums the footprint of used checkpoints. Caller holds lock.
func (m *Manager) liveBytes() uint64 {
	var n uint64
	for c := m.head; c != nil; c = c.next {
		n += c.Footprint()
	}
	return n
}

// saturated reports whether a new checkpoint must wait. Caller holds lock.
func (m *Manager) saturated() bool {
	return m.opts.MaxBytes > 0 && m.used > 1 && m.liveBytes() > m.opts.MaxBytes
}

// find returns the used checkpoint of iter. Caller holds lock.
func (m *Manager) find(iter int64) *Checkpoint {
	for c := m.head; c != nil; c = c.next {
		if c.iter == iter {
			return c
		}
	}
	return nil
}

// ForIteration returns the checkpoint of the window ending at iter, allocating it
// if no worker has asked for it yet. who identifies the caller in reports.
func (m *Manager) ForIteration(iter int64, who int) (*Checkpoint, error) {
	for {
		m.lock.Lock()
		if c := m.find(iter); c != nil {
			m.lock.Unlock()
			return c, nil
		}
		if !m.saturated() {
			c, err := m.alloc(iter)
			m.lock.Unlock()
			return c, err
		}
		m.lock.Unlock()

		m.stats.waits.Add(1)
		time.Sleep(m.opts.PollInterval)
		if _, err := m.CommitZeroOrMore(who); err != nil && !errors.Is(err, misspec.ErrMisspeculation) {
			return nil, err
		}
		if m.flag.AtOrBefore(iter) {
			return nil, ErrAborted
		}
	}
}

// alloc takes a checkpoint from the free list or creates one, and inserts it into
// the used list in iteration order. Caller holds lock.
func (m *Manager) alloc(iter int64) (*Checkpoint, error) {
	var c *Checkpoint
	if n := len(m.free); n > 0 {
		c = m.free[n-1]
		m.free = m.free[:n-1]
		m.stats.reused.Add(1)
	} else {
		var err error
		c, err = newCheckpoint(m.reg, len(m.slots), m.opts.Layout)
		if err != nil {
			return nil, fmt.Errorf("allocate checkpoint for iteration %d: %w", iter, err)
		}
		m.slots = append(m.slots, c)
		m.stats.created.Add(1)
	}

	c.iter = iter
	c.setState(Partial)

	at := m.tail
	for at != nil && at.iter > iter {
		at = at.prev
	}
	c.prev = at
	if at == nil {
		c.next = m.head
		m.head = c
	} else {
		c.next = at.next
		at.next = c
	}
	if c.next == nil {
		m.tail = c
	} else {
		c.next.prev = c
	}
	m.used++

	m.log.WithFields(logrus.Fields{"ckpt": iter, "slot": c.slot, "gen": c.gen}).Debug("checkpoint allocated")
	return c, nil
}

// unlink removes c from the used list. Caller holds lock.
func (m *Manager) unlink(c *Checkpoint) {
	if c.prev == nil {
		m.head = c.next
	} else {
		c.prev.next = c.next
	}
	if c.next == nil {
		m.tail = c.prev
	} else {
		c.next.prev = c.prev
	}
	c.prev, c.next = nil, nil
	m.used--
}

// release cleans c, bumps its generation and puts it on the free list.
// Caller holds lock and c is unlinked.
func (m *Manager) release(c *Checkpoint) {
	c.lock.Lock()
	c.clean()
	c.gen++
	c.setState(Free)
	c.lock.Unlock()
	m.free = append(m.free, c)
}

// Contribution is one worker's state for one checkpoint window.
type Contribution struct {
	Worker int

	Priv      shadow.View
	PrivRange shadow.Range

	Kill      shadow.View
	KillRange shadow.Range

	// Share is the worker's view of the shared-private heap and ShareBase the
	// committed contents it started from.
	Share      []byte
	ShareBase  []byte
	ShareRange shadow.Range

	Redux []byte
	IO    []deferio.Event
}

// Contribute merges one worker's window into c. The first contributor initialises c.
// A privatization conflict with an earlier contributor is returned as a
// *shadow.Violation; c is then never completed.
func (m *Manager) Contribute(c *Checkpoint, id ID, w *Contribution) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.gen != id.Gen || c.State() != Partial {
		return fmt.Errorf("contribute to checkpoint slot %d: %w", id.Slot, ErrStale)
	}
	if w.Worker < 0 || w.Worker >= m.workers {
		return fmt.Errorf("contribute to checkpoint %d: worker %d of %d", c.iter, w.Worker, m.workers)
	}
	bit := uint64(1) << w.Worker
	if c.workers&bit != 0 {
		return fmt.Errorf("contribute to checkpoint %d: worker %d: %w", c.iter, w.Worker, ErrContributed)
	}

	if !c.ready {
		c.redux.SetUsed(m.reduxUsed)
		m.reduxR.InitializeAll(c.redux.Data())
		c.io.Reset(m.workers)
		c.ready = true
	}

	if err := shadow.MergeWorker(c.privView(), w.Priv, w.PrivRange); err != nil {
		return err
	}
	c.ranges[PrivKind].Union(w.PrivRange)

	shadow.MergeWorkerUnchecked(c.killView(), w.Kill, w.KillRange)
	c.ranges[KillKind].Union(w.KillRange)

	shadow.MergeDiff(c.shareView(), w.Share, w.ShareBase, w.ShareRange)
	c.ranges[ShareKind].Union(w.ShareRange)

	m.reduxR.CombineAll(c.redux.Data(), w.Redux)

	if err := deferio.CopyToCheckpoint(&c.io, w.Worker, w.IO, c.redux); err != nil {
		return err
	}

	c.updateFootprint(c.redux.Used())
	c.workers |= bit
	if bits.OnesCount64(c.workers) == m.workers {
		c.setState(Complete)
		m.stats.completed.Add(1)
		m.log.WithFields(logrus.Fields{"ckpt": c.iter, "worker": w.Worker}).Debug("checkpoint complete")
	}
	return nil
}

// Close destroys every checkpoint. No invocation may be running.
func (m *Manager) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	var errs []error
	for _, c := range m.slots {
		errs = append(errs, c.destroy(m.reg))
	}
	m.slots, m.free = nil, nil
	m.head, m.tail, m.used = nil, nil, 0
	return errors.Join(errs...)
}
