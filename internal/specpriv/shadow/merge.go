package shadow

import "encoding/binary"

// View pairs a private heap's bytes with its shadow.
type View struct {
	Data   []byte
	Shadow []byte
}

// words returns the 8-byte aligned cover of r, clipped to n.
func words(r Range, n uint64) (lo, hi uint64) {
	lo = r.Lo &^ 7
	hi = (r.Hi + 7) &^ 7
	if hi > n {
		hi = n
	}
	return lo, hi
}

// liveWord reports whether the 8 shadow bytes at off (or fewer at the tail) are all
// LiveIn, so a scan can skip them.
func liveWord(s []byte, off uint64) bool {
	if off+8 <= uint64(len(s)) {
		return binary.LittleEndian.Uint64(s[off:]) == 0
	}
	for _, c := range s[off:] {
		if c != LiveIn {
			return false
		}
	}
	return true
}

// MergeWorker merges one worker's window into the partial checkpoint dst.
//
// Read-live-in marks carry over, and conflict with writes on the other side. A byte
// written in the window wins when its code is later than what dst holds.
func MergeWorker(dst, src View, r Range) error {
	if r.Empty() {
		return nil
	}
	lo, hi := words(r, uint64(len(src.Shadow)))
	for w := lo; w < hi; w += 8 {
		if liveWord(src.Shadow, w) {
			continue
		}
		end := min(w+8, hi)
		for i := w; i < end; i++ {
			ss, ds := src.Shadow[i], dst.Shadow[i]
			switch {
			case ss == LiveIn || ss == OldIteration:
			case ss == ReadLiveIn:
				if ds == LiveIn {
					dst.Shadow[i] = ReadLiveIn
				} else if ds != ReadLiveIn {
					return &Violation{Op: "merge", Offset: i, Found: ss, Other: ds}
				}
			default:
				if ds == ReadLiveIn {
					return &Violation{Op: "merge", Offset: i, Found: ss, Other: ds}
				}
				if ss > ds {
					dst.Data[i] = src.Data[i]
					dst.Shadow[i] = ss
				}
			}
		}
	}
	return nil
}

// MergeCommitted merges the older complete checkpoint src into the newer dst.
//
// Bytes dst never wrote take src's value and become OldIteration. A byte dst read as
// live-in that src wrote is a violation: the read saw a stale value.
func MergeCommitted(dst, src View, r Range) error {
	if r.Empty() {
		return nil
	}
	lo, hi := words(r, uint64(len(src.Shadow)))
	for w := lo; w < hi; w += 8 {
		if liveWord(src.Shadow, w) {
			continue
		}
		end := min(w+8, hi)
		for i := w; i < end; i++ {
			ss := src.Shadow[i]
			if !WrittenEver(ss) {
				continue
			}
			switch dst.Shadow[i] {
			case LiveIn:
				dst.Data[i] = src.Data[i]
				dst.Shadow[i] = OldIteration
			case ReadLiveIn:
				return &Violation{Op: "merge", Offset: i, Found: ss, Other: ReadLiveIn}
			}
		}
	}
	return nil
}

// MergeWorkerUnchecked is MergeWorker for heaps without read tracking.
func MergeWorkerUnchecked(dst, src View, r Range) {
	if r.Empty() {
		return
	}
	lo, hi := words(r, uint64(len(src.Shadow)))
	for w := lo; w < hi; w += 8 {
		if liveWord(src.Shadow, w) {
			continue
		}
		end := min(w+8, hi)
		for i := w; i < end; i++ {
			if ss := src.Shadow[i]; WrittenRecently(ss) && ss > dst.Shadow[i] {
				dst.Data[i] = src.Data[i]
				dst.Shadow[i] = ss
			}
		}
	}
}

// MergeCommittedUnchecked is MergeCommitted for heaps without read tracking.
func MergeCommittedUnchecked(dst, src View, r Range) {
	if r.Empty() {
		return
	}
	lo, hi := words(r, uint64(len(src.Shadow)))
	for w := lo; w < hi; w += 8 {
		if liveWord(src.Shadow, w) {
			continue
		}
		end := min(w+8, hi)
		for i := w; i < end; i++ {
			if WrittenEver(src.Shadow[i]) && dst.Shadow[i] == LiveIn {
				dst.Data[i] = src.Data[i]
				dst.Shadow[i] = OldIteration
			}
		}
	}
}

// MergeIntoMain copies every byte src ever wrote into the main heap bytes dst.
func MergeIntoMain(dst []byte, src View, r Range) {
	if r.Empty() {
		return
	}
	lo, hi := words(r, uint64(len(src.Shadow)))
	for w := lo; w < hi; w += 8 {
		if liveWord(src.Shadow, w) {
			continue
		}
		end := min(w+8, hi)
		for i := w; i < end; i++ {
			if WrittenEver(src.Shadow[i]) {
				dst[i] = src.Data[i]
			}
		}
	}
}

// MergeDiff copies into dst every byte of data in r that differs from base, marking
// it OldIteration in dst's shadow. It serves the shared-private heap, where every
// writer stores the same value and a change is detected by comparison.
func MergeDiff(dst View, data, base []byte, r Range) {
	if r.Empty() {
		return
	}
	hi := min(r.Hi, uint64(len(data)))
	for i := r.Lo; i < hi; i++ {
		if data[i] != base[i] {
			dst.Data[i] = data[i]
			dst.Shadow[i] = OldIteration
		}
	}
}

// Reset sets the shadow bytes of r back to LiveIn.
func Reset(s []byte, r Range) {
	if r.Empty() {
		return
	}
	clear(s[r.Lo:min(r.Hi, uint64(len(s)))])
}
