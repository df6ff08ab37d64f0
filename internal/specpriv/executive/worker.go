// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package executive

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/specpriv/internal/specpriv/checkpoint"
	"github.com/kolkov/specpriv/internal/specpriv/config"
	"github.com/kolkov/specpriv/internal/specpriv/deferio"
	"github.com/kolkov/specpriv/internal/specpriv/heap"
	"github.com/kolkov/specpriv/internal/specpriv/misspec"
	"github.com/kolkov/specpriv/internal/specpriv/shadow"
)

// Body is the code one worker runs for an invocation. It walks the loop, calling
// BeginIter and EndIter around every iteration (including iterations it does not
// execute), and returns the loop exit it took. A non-nil error is treated as a
// misspeculation at the current iteration: sequential re-execution will reproduce
// it if it is genuine.
type Body func(w *Worker) (exit int, err error)

// stopSignal unwinds a worker that stopped because of a misspeculation.
type stopSignal struct{}

// failSignal unwinds a worker after an unrecoverable error.
type failSignal struct{ err error }

// job is one invocation handed to a pooled worker.
type job struct {
	first int64
	g     int
	body  Body
}

// Worker is the runtime context of one worker goroutine.
//
// All methods must be called from the worker's own goroutine, inside the Body it
// was handed. A Worker is reused across invocations.
type Worker struct {
	e   *Executive
	id  int
	log *logrus.Entry

	ctl    chan job
	done   chan error
	exited chan struct{}

	// Copy-on-write views of the main private heaps, remapped per invocation.
	priv, kill, share *heap.MappedHeap

	// Anonymous heaps kept for the life of the program.
	privShadow, killShadow *heap.MappedHeap
	redux, local           *heap.MappedHeap

	privT, killT *shadow.Tracker
	shareRng     shadow.Range
	io           deferio.Buffer

	// schedule of the current invocation
	first int64
	g     int
	iter  int64

	// next window to contribute, counted from first
	window int64

	liveLocal int
}

func newWorker(e *Executive, id int) (*Worker, error) {
	w := &Worker{
		e:      e,
		id:     id,
		log:    e.log.WithField("worker", id),
		ctl:    make(chan job),
		done:   make(chan error),
		exited: make(chan struct{}),
	}

	size := e.cfg.HeapSize
	specs := []struct {
		dst  **heap.MappedHeap
		base heap.Addr
	}{
		{&w.privShadow, heap.Base(heap.Shadow)},
		{&w.killShadow, heap.Base(heap.Shadow) | heap.KillBit},
		{&w.redux, heap.Base(heap.Redux)},
		{&w.local, heap.Base(heap.Local)},
	}
	for _, s := range specs {
		m, err := heap.MapAnonymous(s.base, size)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("worker %d: %w", id, err), w.unmapAll())
		}
		*s.dst = m
	}
	w.privT = shadow.NewTracker(w.privShadow.Data())
	w.killT = shadow.NewTracker(w.killShadow.Data())
	return w, nil
}

func (w *Worker) unmapAll() error {
	var errs []error
	for _, m := range []**heap.MappedHeap{&w.privShadow, &w.killShadow, &w.redux, &w.local} {
		if *m != nil {
			errs = append(errs, (*m).Unmap())
			*m = nil
		}
	}
	return errors.Join(errs...)
}

// serve is the pooled worker goroutine. It blocks on the control channel between
// invocations.
func (w *Worker) serve() {
	defer close(w.exited)
	if w.e.cfg.Affinity != config.AffinityNone {
		runtime.LockOSThread()
		if err := pin(w.id, w.e.cfg.Affinity); err != nil {
			w.log.WithError(err).Warn("cannot set cpu affinity")
		}
	}
	debug.SetPanicOnFault(true)

	for j := range w.ctl {
		w.done <- w.run(j)
	}
}

// stop ends serve and releases the worker's heaps.
func (w *Worker) stop() {
	close(w.ctl)
	<-w.exited
	if err := w.unmapAll(); err != nil {
		w.log.WithError(err).Warn("release worker heaps")
	}
}

// run executes one invocation and converts the ways a body can unwind into a
// result: nil after a normal finish or a misspeculation, an error after a failure.
func (w *Worker) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = w.recovered(r)
		}
		w.e.inv.running.Add(-1)
		if uerr := w.unmapViews(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	w.begin(j)
	exit, berr := j.body(w)
	if berr != nil {
		var r *misspec.Report
		if errors.As(berr, &r) {
			w.raise(r)
			panic(stopSignal{})
		}
		w.Misspec(berr.Error())
	}
	w.finish(exit)
	return nil
}

// recovered maps a recovered panic value to run's result.
func (w *Worker) recovered(r any) error {
	switch v := r.(type) {
	case stopSignal:
		return nil
	case failSignal:
		return v.err
	}

	reason := fmt.Sprint(r)
	if re, ok := r.(runtime.Error); ok {
		if _, fault := re.(interface{ Addr() uintptr }); fault {
			reason = "Segfault"
		}
	}
	w.record(w.iter, reason)
	return nil
}

// begin maps the worker's private views and resets its tracking state for an
// invocation starting at j.first.
func (w *Worker) begin(j job) {
	e := w.e
	var err error
	if w.priv, err = e.priv.Heap().Map(heap.CopyOnWriteMap); err != nil {
		w.failf("map private heap: %w", err)
	}
	if w.kill, err = e.kill.Heap().Map(heap.CopyOnWriteMap); err != nil {
		w.failf("map killable-private heap: %w", err)
	}
	if w.share, err = e.share.Heap().Map(heap.CopyOnWriteMap); err != nil {
		w.failf("map shared-private heap: %w", err)
	}

	for _, m := range []*heap.MappedHeap{w.privShadow, w.killShadow, w.local} {
		if err := m.Discard(); err != nil {
			w.failf("reset worker heap: %w", err)
		}
	}
	w.local.Reset()
	w.liveLocal = 0

	w.redux.SetUsed(e.redux.Used())
	e.rr.InitializeAll(w.redux.Data())

	w.privT.ResetRange()
	w.killT.ResetRange()
	w.shareRng = shadow.EmptyRange()
	w.io.Reset()

	w.first, w.g, w.window = j.first, j.g, 0
	w.setIter(j.first)
}

func (w *Worker) unmapViews() error {
	var errs []error
	for _, m := range []**heap.MappedHeap{&w.priv, &w.kill, &w.share} {
		if *m != nil {
			errs = append(errs, (*m).Unmap())
			*m = nil
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) setIter(iter int64) {
	w.iter = iter
	code := shadow.CodeFor(iter, w.first, w.g)
	w.privT.SetCode(code)
	w.killT.SetCode(code)
	w.io.SetIteration(iter)
}

// ID returns the worker id, 0 to NumWorkers-1.
func (w *Worker) ID() int { return w.id }

// NumWorkers returns the number of workers in the invocation.
func (w *Worker) NumWorkers() int { return w.e.cfg.Workers }

// Iteration returns the current iteration.
func (w *Worker) Iteration() int64 { return w.iter }

// First returns the first iteration of the invocation.
func (w *Worker) First() int64 { return w.first }

// Granularity returns the checkpoint window length of the invocation.
func (w *Worker) Granularity() int { return w.g }

// Logger returns the worker's log entry.
func (w *Worker) Logger() *logrus.Entry { return w.log }

// BeginIter starts an iteration: the local heap is emptied.
//
// Generated code calls BeginIter and EndIter on every iteration of the loop, also
// those another worker executes, so every worker crosses every checkpoint boundary.
func (w *Worker) BeginIter() {
	w.local.Reset()
	w.liveLocal = 0
}

// EndIter ends the current iteration and advances to the next one.
//
// Flow:
//  1. Misspeculate if local objects outlived the iteration.
//  2. Misspeculate if this is the configured simulated misspeculation.
//  3. Stop if a misspeculation at or before this iteration was flagged.
//  4. Advance the iteration and the write code.
//  5. Contribute to the checkpoint of every window that just closed.
func (w *Worker) EndIter() {
	if w.liveLocal > 0 {
		w.Misspec("Object lifetime misspeculation")
	}
	if sim := w.e.cfg.SimulateMisspecIter; sim >= 0 && w.iter == sim {
		w.Misspec("Simulated misspeculation")
	}
	if w.e.flag.AtOrBefore(w.iter) {
		panic(stopSignal{})
	}
	w.setIter(w.iter + 1)
	w.CheckpointCheck()
}

// Advance moves the worker to iteration next without running the iterations in
// between, for schedules where a worker only visits its own iterations. Every
// window boundary crossed is checkpointed.
func (w *Worker) Advance(next int64) {
	if next < w.iter {
		w.failf("advance from iteration %d back to %d", w.iter, next)
	}
	if w.e.flag.AtOrBefore(w.iter) {
		panic(stopSignal{})
	}
	w.setIter(next)
	w.CheckpointCheck()
}

// CheckpointCheck contributes to the checkpoint of every window that ended before
// the current iteration and was not contributed yet. It reports whether it
// contributed.
func (w *Worker) CheckpointCheck() bool {
	closed := (w.iter - w.first) / int64(w.g)
	did := false
	for w.window < closed {
		last := w.first + (w.window+1)*int64(w.g) - 1
		w.checkpoint(last, last-int64(w.g)+1)
		w.window++
		did = true
	}
	return did
}

// finish contributes the remaining state to the final checkpoint.
func (w *Worker) finish(exit int) {
	w.CheckpointCheck()
	start := w.first + w.window*int64(w.g)
	w.checkpoint(checkpoint.LastIteration, start)
	w.e.inv.finished(w.iter-1, exit)
	w.log.WithField("iter", w.iter).Debug("worker finished")
}

// checkpoint hands the worker's state for the window starting at start to the
// checkpoint keyed key.
func (w *Worker) checkpoint(key, start int64) {
	e := w.e
	if e.flag.AtOrBefore(key) {
		panic(stopSignal{})
	}
	if e.cfg.Committer == config.CommitFastest {
		w.commit()
	}

	c, err := e.mgr.ForIteration(key, w.id)
	if errors.Is(err, checkpoint.ErrAborted) {
		panic(stopSignal{})
	}
	if err != nil {
		w.failf("checkpoint %d: %w", key, err)
	}

	err = e.mgr.Contribute(c, c.ID(), &checkpoint.Contribution{
		Worker:     w.id,
		Priv:       shadow.View{Data: w.priv.Data(), Shadow: w.privShadow.Data()},
		PrivRange:  w.privT.Range(),
		Kill:       shadow.View{Data: w.kill.Data(), Shadow: w.killShadow.Data()},
		KillRange:  w.killT.Range(),
		Share:      w.share.Data(),
		ShareBase:  e.share.Data(),
		ShareRange: w.shareRng,
		Redux:      w.redux.Data(),
		IO:         w.io.Events(),
	})
	if err != nil {
		if errors.Is(err, misspec.ErrMisspeculation) {
			w.misspecAt(start, err.Error())
		}
		w.failf("checkpoint %d: %w", key, err)
	}

	w.privT.Retire()
	w.killT.Retire()
	w.shareRng = shadow.EmptyRange()
	w.io.Reset()

	if e.cfg.Committer == config.CommitSlowest {
		w.commit()
	}
}

// commit folds complete checkpoints. A conflict found while combining is already
// flagged by the manager; the worker only stops if it concerns its own progress.
func (w *Worker) commit() {
	_, err := w.e.mgr.CommitZeroOrMore(w.id)
	switch {
	case err == nil:
	case errors.Is(err, misspec.ErrMisspeculation):
		if w.e.flag.AtOrBefore(w.iter) {
			panic(stopSignal{})
		}
	default:
		w.failf("commit checkpoints: %w", err)
	}
}

// Misspec reports a misspeculation at the current iteration and stops the worker.
// It does not return.
func (w *Worker) Misspec(reason string) {
	w.misspecAt(w.iter, reason)
}

func (w *Worker) misspecAt(iter int64, reason string) {
	w.record(iter, reason)
	panic(stopSignal{})
}

// record publishes a misspeculation report without unwinding.
func (w *Worker) record(iter int64, reason string) {
	r := misspec.New(w.id, iter, reason)
	if w.e.cfg.DebugMisspec {
		r = r.WithStack(3)
	}
	w.raise(r)
}

// raise publishes r and logs it.
func (w *Worker) raise(r *misspec.Report) {
	kept := w.e.flag.Raise(r)
	entry := w.log.WithFields(logrus.Fields{"iter": r.Iteration, "kept": kept})
	if len(r.Stack) > 0 {
		entry = entry.WithField("stack", misspec.FormatStack(r.Stack))
	}
	entry.Warn("misspeculation: " + r.Reason)
}

// failf reports an unrecoverable error and stops the worker.
func (w *Worker) failf(format string, args ...any) {
	err := fmt.Errorf("worker %d: "+format, append([]any{w.id}, args...)...)
	w.e.fail(err)
	panic(failSignal{err})
}
