// Package specpriv runs loops speculatively in parallel, privatizing the memory
// their iterations write and committing the results in iteration order.
//
// A loop that is parallel except for rare cross-iteration dependences is run by
// a pool of workers. Each worker sees a copy-on-write view of the private heaps,
// stamps every private byte it touches with a per-iteration code, and hands its
// state to a checkpoint at the end of every window of iterations. Checkpoints
// combine in iteration order; a conflict between iterations is a
// misspeculation, after which only the windows before it commit and the caller
// re-executes the rest sequentially.
//
// # Quick Start
//
//	cfg, _ := specpriv.DefaultConfig()
//	e, err := specpriv.Open(cfg, specpriv.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer e.EndProgram()
//
//	arr, _ := e.AllocPriv(n)
//	res, err := specpriv.Run(e, 0, specpriv.Loop(n, specpriv.RoundRobin,
//		func(w *specpriv.Worker, i int64) error {
//			w.PrivateWrite(arr.Add(uint64(i)), 1)[0] = byte(i)
//			return nil
//		}))
//
// # API Overview
//
// The package provides functions for:
//   - Program lifecycle: [Open], [Executive.EndProgram]
//   - Invocations: [Run], or [Executive.BeginInvocation], [Executive.Spawn],
//     [Executive.Join] and [Executive.EndInvocation]
//   - Iteration lifecycle: [Worker.BeginIter], [Worker.EndIter], [Loop]
//   - Memory: [Load], [Store], [LoadPrivate], [StorePrivate], [StoreShared]
//   - Reductions: [ReduxUpdate], [ReduxArgUpdate]
//   - Deferred output: [Worker.Printf], [Worker.Fwrite]
//   - Recovery: [Executive.MisspecIteration], [Executive.RecoveryFinished]
//   - Version information: [GetInfo], [CheckABI]
//
// # Heaps
//
//	shared      written in place; optionally versioned per invocation
//	read-only   written by the main program only
//	private     tracked byte by byte and merged through checkpoints
//	killable    private memory written before read in every iteration
//	share-priv  private memory every writer sets to the same value
//	redux       reduction accumulators, one partial value per worker
//	local       per-iteration scratch objects of one worker
//
// # Recovery
//
// When [Result.OK] is false, iterations up to [Result.Committed] took effect. The
// caller re-executes Committed+1 through the misspeculated iteration sequentially,
// calls [Executive.RecoveryFinished] and resumes parallel execution at the
// iteration it returns.
//
// # Compatibility
//
// Platform support:
//   - Operating systems: Linux (versioning with remapping and CPU affinity are
//     Linux only), other Unix systems
//   - Go version: 1.24 or later
package specpriv
