// Package versioning checkpoints heap regions at page granularity.
//
// It is an alternative to byte-shadow checkpointing for memory written through
// shared views. A versioned Region pairs the segment behind a view with a same-size
// secondary segment and a page set of the pages written since the last Commit or
// Rollback. The first write to each page is announced through the write barrier
// Touch, which versions the page before the write happens:
//
//   - InPlace saves the old page in the secondary segment; writes go to the primary.
//     Rollback copies saved pages back.
//   - Eager copies the page into the secondary segment and remaps that page of the
//     view onto it; writes go to the copy while the primary keeps the old version.
//     Commit copies pages back into the primary.
//
// A Controller routes barrier calls to the region owning the address and hands
// addresses outside every region to the previously installed handler.
package versioning
