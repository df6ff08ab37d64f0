// Package shadow implements per-byte privatization tracking for the private heaps.
//
// Every byte of a private heap has one shadow byte describing how the current
// invocation has used it:
//
//	LiveIn        never touched; still holds the value from before the loop
//	ReadLiveIn    read while live-in (provisional: valid only if no earlier
//	              iteration ever writes it)
//	OldIteration  written in an earlier, already merged checkpoint window
//	3..255        written in this window, code = (iter-first) mod G + 3
//
// A worker stamps its own shadow on every private access through a Tracker. A write to
// a ReadLiveIn byte, or a read of a byte written by another iteration, is a
// privatization violation and surfaces as a *Violation (a misspeculation).
//
// Trackers also maintain the touched range [lo, hi), which bounds every merge scan so
// merges cost proportional to what the loop touched, not to heap size.
//
// The Merge functions implement the three merge steps of the checkpoint protocol:
// worker into partial checkpoint, committed (older) checkpoint into partial (newer)
// checkpoint, and checkpoint into main.
package shadow
