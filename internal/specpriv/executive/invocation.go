// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package executive

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/specpriv/internal/specpriv/checkpoint"
	"github.com/kolkov/specpriv/internal/specpriv/config"
	"github.com/kolkov/specpriv/internal/specpriv/misspec"
)

// spinInterval is how often a spin join polls for progress.
const spinInterval = time.Millisecond

// invocation is the state of one parallel invocation.
type invocation struct {
	id    uuid.UUID
	first int64
	g     int
	start time.Time
	group *errgroup.Group

	running atomic.Int64

	// last is the highest iteration a finished worker reached.
	last atomic.Int64

	// exit is the loop exit reported by the workers, 0 until one reports.
	exit atomic.Int64
}

// finished records that a worker ran the loop through iteration last and took exit.
func (inv *invocation) finished(last int64, exit int) {
	for {
		cur := inv.last.Load()
		if last <= cur || inv.last.CompareAndSwap(cur, last) {
			break
		}
	}
	if exit != 0 {
		inv.exit.Store(int64(exit))
	}
}

// Result is the outcome of a parallel invocation.
type Result struct {
	// Invocation identifies the invocation in logs and run records.
	Invocation uuid.UUID

	// Committed is the last iteration whose effects reached the main heaps. After a
	// misspeculation, sequential re-execution resumes at Committed+1.
	Committed int64

	// Misspec is the misspeculation report, or nil when every iteration committed.
	Misspec *misspec.Report

	// Exit is the loop exit taken, as returned by the worker bodies.
	Exit int

	// Stats counts checkpoint activity since BeginProgram.
	Stats checkpoint.Stats

	// Elapsed is the time from Spawn to the end of Join.
	Elapsed time.Duration
}

// OK reports whether the invocation committed without misspeculation.
func (r Result) OK() bool { return r.Misspec == nil }

// BeginInvocation prepares a parallel invocation and returns the number of workers.
//
// The misspeculation flag is cleared. When the shared heap is versioned, visible
// output is held back until Join decides whether the invocation commits.
func (e *Executive) BeginInvocation() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != program {
		return 0, fmt.Errorf("begin invocation: %w", ErrState)
	}
	e.flag.Reset()
	if e.region != nil {
		e.streams.Hold()
	}
	e.inv = invocation{id: uuid.New()}
	e.phase = invoking
	return e.cfg.Workers, nil
}

// Spawn starts every worker on body for a loop whose first iteration is first.
//
// The checkpoint granularity is the configured one rounded down to a multiple of
// the worker count, so each window holds the same number of iterations of every
// worker under a round-robin schedule.
func (e *Executive) Spawn(first int64, body Body) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != invoking {
		return fmt.Errorf("spawn workers: %w", ErrState)
	}

	g := e.cfg.WindowSize(e.cfg.Workers)
	e.mgr.Begin(e.cfg.Workers, first-1, e.redux.Used())

	inv := &e.inv
	inv.first, inv.g, inv.start = first, g, time.Now()
	inv.last.Store(first - 1)
	inv.running.Store(int64(len(e.workers)))
	inv.group = &errgroup.Group{}

	j := job{first: first, g: g, body: body}
	for _, w := range e.workers {
		w := w
		inv.group.Go(func() error {
			w.ctl <- j
			return <-w.done
		})
	}

	e.phase = spawned
	e.log.WithFields(logrus.Fields{
		"invocation":  inv.id,
		"first":       first,
		"granularity": g,
	}).Debug("workers spawned")
	return nil
}

// Join waits for the workers, merges every committed checkpoint into the main
// heaps and reports the outcome.
//
// With the wait strategy Join blocks on the workers. With the spin strategy it
// polls until the final checkpoint is at the front of the used list, a
// misspeculation is flagged or every worker is done, combining checkpoints in the
// meantime when the fastest-worker committer policy is set.
//
// A returned error means a worker hit an unrecoverable failure.
func (e *Executive) Join() (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != spawned {
		return Result{}, fmt.Errorf("join workers: %w", ErrState)
	}
	inv := &e.inv

	if e.cfg.Join == config.JoinSpin {
		e.spin()
	}
	werr := inv.group.Wait()
	e.phase = joined

	committed, err := e.settle()
	res := Result{
		Invocation: inv.id,
		Committed:  committed,
		Misspec:    e.flag.Report(),
		Exit:       int(inv.exit.Load()),
		Stats:      e.mgr.Stats(),
		Elapsed:    time.Since(inv.start),
	}
	e.runs++

	entry := e.log.WithFields(logrus.Fields{
		"invocation": inv.id,
		"committed":  res.Committed,
		"elapsed":    res.Elapsed,
	})
	if res.Misspec != nil {
		entry.WithField("misspec_iter", res.Misspec.Iteration).Info("invocation misspeculated: " + res.Misspec.Reason)
	} else {
		entry.Info("invocation committed")
	}
	return res, errors.Join(werr, err)
}

// spin polls until the workers are done or nothing more can commit.
func (e *Executive) spin() {
	for !e.flag.Happened() && e.inv.running.Load() > 0 {
		if iter, ok := e.mgr.FrontIteration(); ok && iter == checkpoint.LastIteration {
			break
		}
		time.Sleep(spinInterval)
		if e.cfg.Committer == config.CommitFastest {
			if _, err := e.mgr.CommitZeroOrMore(misspec.MainWorker); err != nil && !errors.Is(err, misspec.ErrMisspeculation) {
				e.log.WithError(err).Warn("commit while spinning")
			}
		}
	}
}

// settle distills or squashes the invocation's checkpoints and returns the last
// committed iteration.
//
// A versioned shared heap makes the invocation all-or-nothing: the shared heap
// cannot be split at a window boundary, so a misspeculation rolls it back and
// squashes every checkpoint.
func (e *Executive) settle() (int64, error) {
	var errs []error
	var committed int64
	if e.region != nil {
		// surface combine conflicts before deciding
		if _, err := e.mgr.CommitZeroOrMore(misspec.MainWorker); err != nil && !errors.Is(err, misspec.ErrMisspeculation) {
			errs = append(errs, err)
		}
	}
	if e.region != nil && e.flag.Happened() {
		errs = append(errs, e.region.Rollback())
		committed = e.mgr.Squash()
		errs = append(errs, e.streams.Release(false))
	} else {
		iter, err := e.mgr.Distill()
		errs = append(errs, err)
		committed = iter
		if e.region != nil {
			errs = append(errs, e.region.Commit(), e.streams.Release(true))
		}
	}

	if committed == checkpoint.LastIteration {
		committed = e.inv.last.Load()
		e.mgr.SetMainIteration(committed)
	}
	return committed, errors.Join(errs...)
}

// EndInvocation closes the invocation and returns the loop exit taken.
func (e *Executive) EndInvocation() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != joined {
		return 0, fmt.Errorf("end invocation: %w", ErrState)
	}
	e.phase = program
	return int(e.inv.exit.Load()), nil
}

// LastCommitted returns the last iteration committed to the main heaps.
func (e *Executive) LastCommitted() int64 {
	return e.mgr.MainIteration()
}

// MisspecIteration returns the iteration of the retained misspeculation. ok is
// false when none happened.
//
// A conflict found in the final checkpoint is attributed to the last iteration the
// workers ran.
func (e *Executive) MisspecIteration() (iter int64, ok bool) {
	r := e.flag.Report()
	if r == nil {
		return 0, false
	}
	if r.Iteration == checkpoint.LastIteration {
		return e.inv.last.Load(), true
	}
	return r.Iteration, true
}

// RecoveryFinished tells the executive that the caller re-executed the loop
// sequentially through the misspeculated iteration. It clears the flag, records
// exit if positive, and returns the iteration to resume from.
func (e *Executive) RecoveryFinished(exit int) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	mi, ok := e.MisspecIteration()
	if !ok {
		return e.resume
	}
	e.flag.Reset()
	e.mgr.SetMainIteration(mi)
	if exit > 0 {
		e.inv.exit.Store(int64(exit))
	}
	e.resume = mi + 1
	e.log.WithField("resume", e.resume).Debug("recovery finished")
	return e.resume
}
