// Package specpriv provides the public API for the speculative privatization
// runtime.
//
// See doc.go for detailed documentation and examples.
package specpriv

import (
	"fmt"

	"github.com/kolkov/specpriv/internal/specpriv/config"
	"github.com/kolkov/specpriv/internal/specpriv/deferio"
	internal "github.com/kolkov/specpriv/internal/specpriv/executive"
	"github.com/kolkov/specpriv/internal/specpriv/heap"
	"github.com/kolkov/specpriv/internal/specpriv/misspec"
	"github.com/kolkov/specpriv/internal/specpriv/redux"
)

type (
	// Executive is the program context. See [Open].
	Executive = internal.Executive

	// Worker is the context of one worker inside a loop body.
	Worker = internal.Worker

	// Body is the code every worker runs for an invocation.
	Body = internal.Body

	// Iteration is the body of one loop iteration, see [Loop].
	Iteration = internal.Iteration

	// Schedule assigns iterations to workers.
	Schedule = internal.Schedule

	// Result is the outcome of an invocation.
	Result = internal.Result

	// Options carries the logger, output streams and fatal hook of an Executive.
	Options = internal.Options

	// Memory resolves addresses to bytes; both Executive and Worker implement it.
	Memory = internal.Memory

	// Scalar is a value Load and Store can move.
	Scalar = internal.Scalar

	// Config holds every runtime setting.
	Config = config.Config

	// Addr is a natural address into one of the runtime's heaps.
	Addr = heap.Addr

	// Op is a reduction operator.
	Op = redux.Op

	// Stream is a deferred output stream handle.
	Stream = deferio.Stream

	// Report describes a misspeculation.
	Report = misspec.Report
)

// Schedules.
const (
	RoundRobin = internal.RoundRobin
	Chunked    = internal.Chunked
)

// Predefined output streams.
const (
	Stdout = deferio.Stdout
	Stderr = deferio.Stderr
)

// Reduction operators.
const (
	AddI32 = redux.AddI32
	AddI64 = redux.AddI64
	AddF64 = redux.AddF64
	MaxI64 = redux.MaxI64
	MaxF64 = redux.MaxF64
	MinI64 = redux.MinI64
	MinF64 = redux.MinF64
)

var (
	// ErrMisspeculation matches every misspeculation report and violation.
	ErrMisspeculation = misspec.ErrMisspeculation

	// ErrState is returned by lifecycle calls made out of order.
	ErrState = internal.ErrState
)

// DefaultConfig returns the configuration built from defaults and SPECPRIV_*
// environment variables.
func DefaultConfig() (*Config, error) {
	return config.Default()
}

// LoadConfig reads a YAML configuration file, overlaid with SPECPRIV_* environment
// variables. An empty path behaves like DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	return config.Load(config.New(), path)
}

// Open creates an executive and begins the program: heaps are created and the
// worker pool is started.
//
// Flow:
//  1. Open
//  2. Allocate shared, private and reduction memory
//  3. For each parallel loop: BeginInvocation, Spawn, Join, EndInvocation
//  4. EndProgram
//
// Example:
//
//	e, err := specpriv.Open(cfg, specpriv.Options{})
//	if err != nil {
//		return err
//	}
//	defer e.EndProgram()
func Open(cfg *Config, opts Options) (*Executive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := internal.New(cfg, opts)
	if err := e.BeginProgram(); err != nil {
		return nil, fmt.Errorf("open executive: %w", err)
	}
	return e, nil
}

// Run performs one invocation of body starting at first and returns its result.
// The caller handles recovery when the result reports a misspeculation.
func Run(e *Executive, first int64, body Body) (Result, error) {
	if _, err := e.BeginInvocation(); err != nil {
		return Result{}, err
	}
	if err := e.Spawn(first, body); err != nil {
		return Result{}, err
	}
	res, err := e.Join()
	if _, eerr := e.EndInvocation(); err == nil {
		err = eerr
	}
	return res, err
}

// Loop returns a Body running count iterations under sched.
func Loop(count int64, sched Schedule, fn Iteration) Body {
	return internal.Loop(count, sched, fn)
}

// Load reads a T at a through m.
func Load[T Scalar](m Memory, a Addr) T { return internal.Load[T](m, a) }

// Store writes v at a through m.
func Store[T Scalar](m Memory, a Addr, v T) { internal.Store(m, a, v) }

// LoadPrivate reads a T from private memory, checking it was not written by an
// earlier iteration of the worker.
func LoadPrivate[T Scalar](w *Worker, a Addr, name string) T {
	return internal.LoadPrivate[T](w, a, name)
}

// StorePrivate writes v to private memory, stamping it with the current iteration.
func StorePrivate[T Scalar](w *Worker, a Addr, v T) { internal.StorePrivate(w, a, v) }

// StoreShared writes v to the shared heap.
func StoreShared[T Scalar](w *Worker, a Addr, v T) { internal.StoreShared(w, a, v) }

// ReduxUpdate folds v into the reduction element at a.
func ReduxUpdate[T redux.Number](w *Worker, a Addr, v T) bool {
	return internal.ReduxUpdate(w, a, v)
}

// ReduxArgUpdate folds v into the max or min element at key and records value in
// the dependent at dep when it wins.
func ReduxArgUpdate[T redux.Number](w *Worker, key Addr, v T, dep Addr, value []byte) bool {
	return internal.ReduxArgUpdate(w, key, v, dep, value)
}
