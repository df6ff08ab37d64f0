// Package checkpoint manages the versioned snapshots workers hand their speculative
// state to, and the protocol that merges them into the main state.
//
// # Lifecycle
//
// A checkpoint covers one window of iterations and moves through:
//
//	Free -> Partial -> Complete -> merged into its successor (back to Free)
//	                            \-> Broken (merge found a misspeculation)
//
// The main checkpoint is permanently in state Main and is the only one visible
// outside the parallel region.
//
//   - ForIteration returns the Partial checkpoint of a window, allocating it from the
//     free list or creating one. When live checkpoints exceed the memory ceiling it
//     blocks and helps committing until pressure drops: the only backpressure in the
//     system.
//   - Contribute merges one worker's window into a checkpoint. The checkpoint turns
//     Complete when every worker has contributed.
//   - CommitZeroOrMore folds the oldest Complete checkpoint into the next one while
//     both are Complete, and replays the older one's deferred output.
//   - Distill (main goroutine only) merges the front Complete checkpoints into main in
//     order and squashes everything after the first one that is not Complete.
//
// # Locking
//
// Every checkpoint has its own spinlock guarding its heaps; the manager has a separate
// spinlock guarding only the list structure. Merging data never holds the manager lock.
package checkpoint
