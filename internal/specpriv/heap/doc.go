// Package heap implements the named shared-memory heaps the executive is built on.
//
// A Heap is a file-backed segment (normally under /dev/shm) with a fixed size and a
// natural base address. The natural base carries the heap kind in bits 44..46, so the
// kind of any address handed out by the heap is recoverable from the address alone:
//
//	 63      49 48 47 46  44 43                        0
//	+----------+--+--+------+----------------------------+
//	|  unused  |S |K | kind |          offset            |
//	+----------+--+--+------+----------------------------+
//
// K marks killable-private allocations, S marks shared-private allocations. Both live
// in heaps of kind Private.
//
// Every participant maps the same Heap through its own MappedHeap. A mapping is Shared
// (all writers see each other), ReadOnly, or CopyOnWrite (private to the mapping, the
// way a forked process sees its parent's heap). Addresses are never dereferenced
// directly: a MappedHeap translates a natural address into its own view with Bytes or
// Translate.
//
// Allocation is a bump pointer rounded to Alignment. Free is a no-op; space is only
// reclaimed by Reset.
package heap
