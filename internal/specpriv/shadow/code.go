package shadow

import (
	"fmt"
	"math"

	"github.com/kolkov/specpriv/internal/specpriv/misspec"
)

// Shadow codes.
const (
	LiveIn       byte = 0
	ReadLiveIn   byte = 1
	OldIteration byte = 2

	// NumReserved is the number of codes that do not name an iteration.
	NumReserved = 3

	// MaxGranularity is the longest checkpoint window the codes can distinguish.
	MaxGranularity = 256 - NumReserved
)

// WrittenEver reports whether c records any write.
func WrittenEver(c byte) bool { return c >= OldIteration }

// WrittenRecently reports whether c records a write in the current window.
func WrittenRecently(c byte) bool { return c >= NumReserved }

// CodeFor returns the write code of iteration iter in a loop starting at first with
// checkpoint windows of granularity iterations.
func CodeFor(iter, first int64, granularity int) byte {
	return byte((iter-first)%int64(granularity)) + NumReserved
}

// CodeString names a shadow code for diagnostics.
func CodeString(c byte) string {
	switch c {
	case LiveIn:
		return "live-in"
	case ReadLiveIn:
		return "read-live-in"
	case OldIteration:
		return "old-iteration"
	default:
		return fmt.Sprintf("iter+%d", c-NumReserved)
	}
}

// Range is a half-open interval [Lo, Hi) of heap offsets.
type Range struct {
	Lo, Hi uint64
}

// EmptyRange returns the range that any Extend replaces.
func EmptyRange() Range {
	return Range{Lo: math.MaxUint64, Hi: 0}
}

// Empty reports whether r covers no byte.
func (r Range) Empty() bool { return r.Lo >= r.Hi }

// Len returns the number of covered bytes.
func (r Range) Len() uint64 {
	if r.Empty() {
		return 0
	}
	return r.Hi - r.Lo
}

// Extend widens r to include [lo, hi).
func (r *Range) Extend(lo, hi uint64) {
	if lo < r.Lo {
		r.Lo = lo
	}
	if hi > r.Hi {
		r.Hi = hi
	}
}

// Union widens r to include o.
func (r *Range) Union(o Range) {
	if !o.Empty() {
		r.Extend(o.Lo, o.Hi)
	}
}

// String formats the range for logs.
func (r Range) String() string {
	if r.Empty() {
		return "[)"
	}
	return fmt.Sprintf("[%#x,%#x)", r.Lo, r.Hi)
}

// Violation is a privatization failure at one byte.
type Violation struct {
	// Op is the operation that failed: "write", "read" or "merge".
	Op string

	// Offset is the private heap offset of the offending byte.
	Offset uint64

	// Found is the shadow code the operation found.
	Found byte

	// Other is the conflicting code on the other side of a merge.
	Other byte

	// Name optionally names the accessed object.
	Name string
}

// Error implements error.
func (v *Violation) Error() string {
	where := fmt.Sprintf("offset %#x", v.Offset)
	if v.Name != "" {
		where = fmt.Sprintf("%s (%s)", where, v.Name)
	}
	if v.Op == "merge" {
		return fmt.Sprintf("privacy violation on merge at %s: %s vs %s",
			where, CodeString(v.Found), CodeString(v.Other))
	}
	return fmt.Sprintf("privacy violation on %s at %s: byte is %s", v.Op, where, CodeString(v.Found))
}

// Unwrap makes violations match misspec.ErrMisspeculation.
func (v *Violation) Unwrap() error { return misspec.ErrMisspeculation }
