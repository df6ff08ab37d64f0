// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package executive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/specpriv/internal/specpriv/checkpoint"
	"github.com/kolkov/specpriv/internal/specpriv/config"
	"github.com/kolkov/specpriv/internal/specpriv/deferio"
	"github.com/kolkov/specpriv/internal/specpriv/heap"
	"github.com/kolkov/specpriv/internal/specpriv/misspec"
	"github.com/kolkov/specpriv/internal/specpriv/redux"
	"github.com/kolkov/specpriv/internal/specpriv/versioning"
)

// ErrState is returned when a lifecycle call is made out of order.
var ErrState = errors.New("executive: call out of order")

// phase is the lifecycle position of an Executive.
type phase uint8

const (
	idle phase = iota
	program
	invoking
	spawned
	joined
)

// Options carries the collaborators of an Executive. Zero values select defaults.
type Options struct {
	// Logger receives lifecycle and misspeculation logs. Nil builds one from the
	// configured level.
	Logger logrus.FieldLogger

	// Stdout and Stderr back the predefined output streams. Nil selects os.Stdout
	// and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// Fatal is called with an unrecoverable OS error raised inside a worker, after it
	// was logged. Nil exits the process with status 1.
	Fatal func(error)
}

// Executive is the program context: main heaps, reduction registry, checkpoint
// manager, worker pool and invocation state.
//
// Thread Safety: lifecycle and allocation methods belong to the main goroutine.
// Only Worker methods run concurrently.
type Executive struct {
	cfg   config.Config
	log   logrus.FieldLogger
	fatal func(error)

	reg *heap.Registry

	// main views, all mapped shared
	priv, kill, share *heap.MappedHeap
	redux             *heap.MappedHeap
	shared, ro        *heap.MappedHeap

	// roView is the read-only mapping workers use for the read-only heap.
	roView *heap.MappedHeap

	rr      redux.Registry
	flag    misspec.Flag
	streams *deferio.Streams
	mgr     *checkpoint.Manager

	// barrier and region are set when the shared heap is versioned.
	barrier *versioning.Controller
	region  *versioning.Region

	workers []*Worker

	mu     sync.Mutex
	phase  phase
	inv    invocation
	resume int64
	runs   int
}

// New returns an executive configured by cfg. No resources are acquired until
// BeginProgram.
func New(cfg *config.Config, opts Options) *Executive {
	log := opts.Logger
	if log == nil {
		log = cfg.NewLogger()
	}
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	fatal := opts.Fatal
	if fatal == nil {
		fatal = func(error) { os.Exit(1) }
	}
	return &Executive{
		cfg:     *cfg,
		log:     log,
		fatal:   fatal,
		streams: deferio.NewStreams(stdout, stderr),
	}
}

// Config returns the configuration the executive runs with.
func (e *Executive) Config() config.Config { return e.cfg }

// Logger returns the executive's logger.
func (e *Executive) Logger() logrus.FieldLogger { return e.log }

// Streams returns the output stream table. Streams registered here can be written
// by workers through Fwrite and Fprintf.
func (e *Executive) Streams() *deferio.Streams { return e.streams }

// NumWorkers returns the size of the worker pool.
func (e *Executive) NumWorkers() int { return e.cfg.Workers }

// Stats returns the checkpoint counters accumulated since BeginProgram.
func (e *Executive) Stats() checkpoint.Stats {
	if e.mgr == nil {
		return checkpoint.Stats{}
	}
	return e.mgr.Stats()
}

// BeginProgram creates the main heaps and starts the worker pool.
//
// Main heaps (each cfg.HeapSize bytes, sparse):
//   - private, killable-private and shared-private, merged through checkpoints
//   - redux, holding the committed value of every accumulator
//   - shared, written in place by workers
//   - read-only, mapped read-only in workers
//
// Workers are started once and block between invocations.
func (e *Executive) BeginProgram() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != idle {
		return fmt.Errorf("begin program: %w", ErrState)
	}

	e.reg = heap.NewRegistry(e.cfg.ShmDir)
	if err := e.createHeaps(); err != nil {
		return errors.Join(fmt.Errorf("begin program: %w", err), e.releaseHeaps())
	}

	e.mgr = checkpoint.NewManager(e.reg, checkpoint.MainHeaps{
		Priv:  e.priv,
		Kill:  e.kill,
		Share: e.share,
		Redux: e.redux,
	}, &e.rr, e.streams, &e.flag, checkpoint.Options{
		Layout: checkpoint.Layout{
			Priv:  e.cfg.HeapSize,
			Kill:  e.cfg.HeapSize,
			Share: e.cfg.HeapSize,
			Redux: e.cfg.HeapSize,
		},
		MaxBytes: e.cfg.MaxCheckpointBytes,
		Logger:   e.log,
	})

	if e.cfg.Versioning.Shared {
		r, err := versioning.NewRegion(e.reg, e.shared, e.cfg.Strategy())
		if err != nil {
			return errors.Join(fmt.Errorf("begin program: version shared heap: %w", err), e.releaseHeaps())
		}
		e.region = r
		e.barrier = versioning.NewController(nil)
		e.barrier.Add(r)
	}

	e.workers = make([]*Worker, e.cfg.Workers)
	for i := range e.workers {
		w, err := newWorker(e, i)
		if err != nil {
			e.stopWorkers()
			return errors.Join(fmt.Errorf("begin program: %w", err), e.releaseHeaps())
		}
		e.workers[i] = w
		go w.serve()
	}

	e.resume = 0
	e.phase = program
	e.log.WithFields(logrus.Fields{
		"workers":   e.cfg.Workers,
		"heap_size": e.cfg.HeapSize,
		"shm_dir":   e.reg.Dir(),
	}).Debug("program begins")
	return nil
}

func (e *Executive) createHeaps() error {
	specs := []struct {
		dst  **heap.MappedHeap
		desc string
		base heap.Addr
	}{
		{&e.priv, "priv", heap.Base(heap.Private)},
		{&e.kill, "killpriv", heap.Base(heap.Private) | heap.KillBit},
		{&e.share, "sharepriv", heap.Base(heap.Private) | heap.ShareBit},
		{&e.redux, "redux", heap.Base(heap.Redux)},
		{&e.shared, "shared", heap.Base(heap.Shared)},
		{&e.ro, "ro", heap.Base(heap.ReadOnly)},
	}
	for _, s := range specs {
		h, err := e.reg.Create(s.desc, s.base, e.cfg.HeapSize)
		if err != nil {
			return err
		}
		m, err := h.Map(heap.SharedMap)
		if err != nil {
			return err
		}
		*s.dst = m
	}
	ro, err := e.ro.Heap().Map(heap.ReadOnlyMap)
	if err != nil {
		return err
	}
	e.roView = ro
	return nil
}

// releaseHeaps unmaps the main views and destroys every remaining segment.
func (e *Executive) releaseHeaps() error {
	var errs []error
	if e.region != nil {
		errs = append(errs, e.region.Close())
		e.region, e.barrier = nil, nil
	}
	if e.mgr != nil {
		errs = append(errs, e.mgr.Close())
		e.mgr = nil
	}
	for _, m := range []**heap.MappedHeap{&e.priv, &e.kill, &e.share, &e.redux, &e.shared, &e.ro, &e.roView} {
		if *m != nil {
			errs = append(errs, (*m).Unmap())
			*m = nil
		}
	}
	if e.reg != nil {
		errs = append(errs, e.reg.Close())
	}
	e.rr.Reset()
	return errors.Join(errs...)
}

func (e *Executive) stopWorkers() {
	for _, w := range e.workers {
		if w != nil {
			w.stop()
		}
	}
	e.workers = nil
}

// EndProgram stops the worker pool and destroys every heap and checkpoint.
func (e *Executive) EndProgram() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != program {
		return fmt.Errorf("end program: %w", ErrState)
	}
	e.stopWorkers()
	err := e.releaseHeaps()
	e.phase = idle
	e.log.WithField("invocations", e.runs).Debug("program ends")
	if err != nil {
		return fmt.Errorf("end program: %w", err)
	}
	return nil
}

// fail logs an unrecoverable error and hands it to the fatal hook.
func (e *Executive) fail(err error) {
	e.log.WithError(err).Error("executive cannot continue")
	e.fatal(err)
}
