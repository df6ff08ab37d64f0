// Package redux implements the reduction engine: accumulators that every worker
// updates privately and that are combined with an associative, commutative operator
// when checkpoints merge.
//
// An accumulator is an array of size/width elements in the redux heap. Each worker
// starts from the operator's identity; combining folds a source accumulator into a
// destination and resets the source to identity so the same storage serves the next
// checkpoint window.
//
// A dependent accumulator rides along a max or min accumulator (its key): an argmax
// index, for instance. For each element it holds the value recorded with the winning
// key and the iteration of that update. When keys tie, the update from the earlier
// iteration wins, so a later tie never displaces an earlier winner.
package redux

import "fmt"

// Op identifies a reduction operator and its element type.
type Op uint8

// Operators. The numbering is shared with generated code and must not change.
const (
	NoOp Op = iota
	AddI8
	AddI16
	AddI32
	AddI64
	AddF32
	AddF64
	MaxI8
	MaxI16
	MaxI32
	MaxI64
	MaxU8
	MaxU16
	MaxU32
	MaxU64
	MaxF32
	MaxF64
	MinI8
	MinI16
	MinI32
	MinI64
	MinU8
	MinU16
	MinU32
	MinU64
	MinF32
	MinF64

	numOps
)

var opNames = [numOps]string{
	"none",
	"add.i8", "add.i16", "add.i32", "add.i64", "add.f32", "add.f64",
	"max.i8", "max.i16", "max.i32", "max.i64",
	"max.u8", "max.u16", "max.u32", "max.u64",
	"max.f32", "max.f64",
	"min.i8", "min.i16", "min.i32", "min.i64",
	"min.u8", "min.u16", "min.u32", "min.u64",
	"min.f32", "min.f64",
}

var opWidths = [numOps]uint64{
	0,
	1, 2, 4, 8, 4, 8,
	1, 2, 4, 8,
	1, 2, 4, 8,
	4, 8,
	1, 2, 4, 8,
	1, 2, 4, 8,
	4, 8,
}

// String returns the operator name, e.g. "add.i32".
func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// ParseOp returns the operator named s.
func ParseOp(s string) (Op, error) {
	for i, n := range opNames {
		if i > 0 && n == s {
			return Op(i), nil
		}
	}
	return NoOp, fmt.Errorf("unknown reduction operator %q", s)
}

// Valid reports whether o is a real operator.
func (o Op) Valid() bool { return o > NoOp && o < numOps }

// Width returns the element size in bytes.
func (o Op) Width() uint64 {
	if o < numOps {
		return opWidths[o]
	}
	return 0
}

// IsSum reports whether o adds.
func (o Op) IsSum() bool { return o >= AddI8 && o <= AddF64 }

// IsMax reports whether o keeps the maximum.
func (o Op) IsMax() bool { return o >= MaxI8 && o <= MaxF64 }

// IsMin reports whether o keeps the minimum.
func (o Op) IsMin() bool { return o >= MinI8 && o <= MinF64 }
