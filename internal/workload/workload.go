// Package workload provides named loops for the specpriv runtime, each with a
// sequential reference, used by the CLI demos and integration tests.
package workload

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/kolkov/specpriv/internal/specpriv/checkpoint"
	"github.com/kolkov/specpriv/internal/specpriv/executive"
	"github.com/kolkov/specpriv/internal/specpriv/misspec"
)

// ErrUnknown is returned by Lookup for a name no workload has.
var ErrUnknown = errors.New("unknown workload")

// Instance is one sized run of a workload.
type Instance interface {
	// Setup allocates and initializes the workload's memory between invocations.
	Setup(e *executive.Executive) error

	// Iterate is iteration i as a worker runs it.
	Iterate(w *executive.Worker, i int64) error

	// Sequential is iteration i as the main program re-executes it after a
	// misspeculation.
	Sequential(e *executive.Executive, i int64) error

	// State returns the committed bytes the loop produces.
	State(e *executive.Executive) []byte

	// Reference returns State as a purely sequential run would leave it.
	Reference() []byte
}

// Printer is implemented by instances whose loop prints.
type Printer interface {
	// ExpectedOutput returns the standard output of a sequential run.
	ExpectedOutput() string
}

// Workload is a named loop.
type Workload struct {
	Name        string
	Description string
	Schedule    executive.Schedule
	New         func(n int64) Instance
}

var registry = map[string]Workload{}

func register(w Workload) { registry[w.Name] = w }

func init() {
	register(Workload{
		Name:        "privatize",
		Description: "every iteration writes one byte of a private array",
		Schedule:    executive.RoundRobin,
		New:         newPrivatize,
	})
	register(Workload{
		Name:        "reduce",
		Description: "sum, max and argmax of a read-only array",
		Schedule:    executive.RoundRobin,
		New:         newReduce,
	})
	register(Workload{
		Name:        "io",
		Description: "every iteration prints a line; output stays in order",
		Schedule:    executive.RoundRobin,
		New:         newPrinting,
	})
	register(Workload{
		Name:        "conflict",
		Description: "periodic reads of earlier iterations force misspeculation and recovery",
		Schedule:    executive.RoundRobin,
		New:         newConflict,
	})
	register(Workload{
		Name:        "scratch",
		Description: "killable and shared-private temporaries with chunked scheduling",
		Schedule:    executive.Chunked,
		New:         newScratch,
	})
}

// Names returns the registered workload names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the workload called name.
func Lookup(name string) (Workload, error) {
	w, ok := registry[name]
	if !ok {
		return Workload{}, fmt.Errorf("%w %q (have %v)", ErrUnknown, name, Names())
	}
	return w, nil
}

// Outcome summarizes a complete run of a workload.
type Outcome struct {
	Workload    string
	Iterations  int64
	Invocations int

	// Misspecs holds the report of every misspeculated invocation.
	Misspecs []*misspec.Report

	// Recovered counts iterations re-executed sequentially.
	Recovered int64

	Stats   checkpoint.Stats
	Elapsed time.Duration

	// Digest and ReferenceDigest are SHA3-256 sums of the committed state and of
	// the state a sequential run produces.
	Digest          []byte
	ReferenceDigest []byte
}

// Matches reports whether the run produced the sequential state.
func (o *Outcome) Matches() bool {
	return slices.Equal(o.Digest, o.ReferenceDigest)
}

// Execute sets up a workload of n iterations on e and runs it to completion:
// every misspeculated invocation is followed by sequential re-execution through
// the misspeculated iteration and a new invocation after it.
func Execute(e *executive.Executive, wl Workload, n int64) (*Outcome, error) {
	if n <= 0 {
		return nil, fmt.Errorf("run %s: %d iterations", wl.Name, n)
	}
	inst := wl.New(n)
	if err := inst.Setup(e); err != nil {
		return nil, fmt.Errorf("set up %s: %w", wl.Name, err)
	}

	out := &Outcome{Workload: wl.Name, Iterations: n}
	start := time.Now()
	for first := int64(0); first < n; {
		if _, err := e.BeginInvocation(); err != nil {
			return nil, err
		}
		if err := e.Spawn(first, executive.Loop(n-first, wl.Schedule, inst.Iterate)); err != nil {
			return nil, err
		}
		res, err := e.Join()
		if err != nil {
			return nil, fmt.Errorf("run %s from %d: %w", wl.Name, first, err)
		}
		if _, err := e.EndInvocation(); err != nil {
			return nil, err
		}
		out.Invocations++
		out.Stats = res.Stats
		if res.OK() {
			break
		}

		out.Misspecs = append(out.Misspecs, res.Misspec)
		mi, _ := e.MisspecIteration()
		mi = min(mi, n-1)
		for i := res.Committed + 1; i <= mi; i++ {
			if err := inst.Sequential(e, i); err != nil {
				return nil, fmt.Errorf("recover %s at %d: %w", wl.Name, i, err)
			}
			out.Recovered++
		}
		first = e.RecoveryFinished(0)
	}
	out.Elapsed = time.Since(start)

	sum := sha3.Sum256(inst.State(e))
	ref := sha3.Sum256(inst.Reference())
	out.Digest, out.ReferenceDigest = sum[:], ref[:]
	return out, nil
}
