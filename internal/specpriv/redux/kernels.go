package redux

import (
	"math"
	"unsafe"
)

// laneBytes is the width of the lanes sum kernels skip when they hold identity.
const laneBytes = 16

// Number is an accumulator element type.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// elems views b as a slice of T. Accumulators are Alignment-aligned in page-aligned
// mappings, so the cast is always aligned.
func elems[T Number](b []byte) []T {
	var zero T
	n := len(b) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

func fill[T Number](b []byte, v T) {
	s := elems[T](b)
	for i := range s {
		s[i] = v
	}
}

func sum[T Number](dst, src []byte) {
	d, s := elems[T](dst), elems[T](src)
	for i, v := range s {
		d[i] += v
	}
}

func maxOf[T Number](dst, src []byte) {
	d, s := elems[T](dst), elems[T](src)
	for i, v := range s {
		if v > d[i] {
			d[i] = v
		}
	}
}

func minOf[T Number](dst, src []byte) {
	d, s := elems[T](dst), elems[T](src)
	for i, v := range s {
		if v < d[i] {
			d[i] = v
		}
	}
}

// compare returns -1, 0 or 1 as a[i] is below, equal to or above b[i].
func compare[T Number](a, b []byte, i uint64) int {
	x, y := elems[T](a)[i], elems[T](b)[i]
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// activeLanes returns the byte span of src between its first and last lane holding a
// non-zero byte. Lanes outside the span are sum identity and need no work.
func activeLanes(src []byte) (lo, hi int) {
	n := len(src)
	lo = 0
	for lo < n && allZero(src[lo:min(lo+laneBytes, n)]) {
		lo += laneBytes
	}
	if lo >= n {
		return 0, 0
	}
	hi = (n + laneBytes - 1) / laneBytes * laneBytes
	for hi-laneBytes > lo && allZero(src[hi-laneBytes:min(hi, n)]) {
		hi -= laneBytes
	}
	return lo, min(hi, n)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// setIdentity fills b with the identity element of op.
func setIdentity(op Op, b []byte) {
	switch op {
	case AddI8, AddI16, AddI32, AddI64, AddF32, AddF64:
		clear(b)
	case MaxI8:
		fill[int8](b, math.MinInt8)
	case MaxI16:
		fill[int16](b, math.MinInt16)
	case MaxI32:
		fill[int32](b, math.MinInt32)
	case MaxI64:
		fill[int64](b, math.MinInt64)
	case MaxU8, MaxU16, MaxU32, MaxU64:
		clear(b)
	case MaxF32:
		fill[float32](b, float32(math.Inf(-1)))
	case MaxF64:
		fill[float64](b, math.Inf(-1))
	case MinI8:
		fill[int8](b, math.MaxInt8)
	case MinI16:
		fill[int16](b, math.MaxInt16)
	case MinI32:
		fill[int32](b, math.MaxInt32)
	case MinI64:
		fill[int64](b, math.MaxInt64)
	case MinU8:
		fill[uint8](b, math.MaxUint8)
	case MinU16:
		fill[uint16](b, math.MaxUint16)
	case MinU32:
		fill[uint32](b, math.MaxUint32)
	case MinU64:
		fill[uint64](b, math.MaxUint64)
	case MinF32:
		fill[float32](b, float32(math.Inf(1)))
	case MinF64:
		fill[float64](b, math.Inf(1))
	}
}

// combine folds src into dst element-wise. Unsigned sums use the signed kernels:
// two's complement addition is the same operation.
func combine(op Op, dst, src []byte) {
	if op.IsSum() {
		lo, hi := activeLanes(src)
		if lo == hi {
			return
		}
		dst, src = dst[lo:hi], src[lo:hi]
	}
	switch op {
	case AddI8:
		sum[int8](dst, src)
	case AddI16:
		sum[int16](dst, src)
	case AddI32:
		sum[int32](dst, src)
	case AddI64:
		sum[int64](dst, src)
	case AddF32:
		sum[float32](dst, src)
	case AddF64:
		sum[float64](dst, src)
	case MaxI8:
		maxOf[int8](dst, src)
	case MaxI16:
		maxOf[int16](dst, src)
	case MaxI32:
		maxOf[int32](dst, src)
	case MaxI64:
		maxOf[int64](dst, src)
	case MaxU8:
		maxOf[uint8](dst, src)
	case MaxU16:
		maxOf[uint16](dst, src)
	case MaxU32:
		maxOf[uint32](dst, src)
	case MaxU64:
		maxOf[uint64](dst, src)
	case MaxF32:
		maxOf[float32](dst, src)
	case MaxF64:
		maxOf[float64](dst, src)
	case MinI8:
		minOf[int8](dst, src)
	case MinI16:
		minOf[int16](dst, src)
	case MinI32:
		minOf[int32](dst, src)
	case MinI64:
		minOf[int64](dst, src)
	case MinU8:
		minOf[uint8](dst, src)
	case MinU16:
		minOf[uint16](dst, src)
	case MinU32:
		minOf[uint32](dst, src)
	case MinU64:
		minOf[uint64](dst, src)
	case MinF32:
		minOf[float32](dst, src)
	case MinF64:
		minOf[float64](dst, src)
	}
}

// compareKey compares element i of two key accumulators of operator op.
func compareKey(op Op, a, b []byte, i uint64) int {
	switch op {
	case MaxI8, MinI8:
		return compare[int8](a, b, i)
	case MaxI16, MinI16:
		return compare[int16](a, b, i)
	case MaxI32, MinI32:
		return compare[int32](a, b, i)
	case MaxI64, MinI64:
		return compare[int64](a, b, i)
	case MaxU8, MinU8:
		return compare[uint8](a, b, i)
	case MaxU16, MinU16:
		return compare[uint16](a, b, i)
	case MaxU32, MinU32:
		return compare[uint32](a, b, i)
	case MaxU64, MinU64:
		return compare[uint64](a, b, i)
	case MaxF32, MinF32:
		return compare[float32](a, b, i)
	case MaxF64, MinF64:
		return compare[float64](a, b, i)
	}
	return 0
}
