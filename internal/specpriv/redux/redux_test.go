package redux

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/kolkov/specpriv/internal/specpriv/heap"
)

func newHeap(t *testing.T) *heap.MappedHeap {
	t.Helper()
	h, err := heap.MapAnonymous(heap.Base(heap.Redux), 1<<16)
	if err != nil {
		t.Fatalf("MapAnonymous() error: %v", err)
	}
	t.Cleanup(func() { h.Unmap() })
	return h
}

// view returns a zeroed buffer laid out like h.
func view(h *heap.MappedHeap) []byte {
	return make([]byte, h.Size())
}

func i32(b []byte, info *Info, i uint64) int32 {
	return elems[int32](b[info.Addr.Offset():])[i]
}

// TestAddI32Scenario verifies two partial sums 5 and 7 combine to 12 and both sources
// are reset to zero.
func TestAddI32Scenario(t *testing.T) {
	h := newHeap(t)
	var r Registry
	acc, err := r.Allocate(h, 4, AddI32)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	workerA, workerB, ckpt := view(h), view(h), view(h)
	r.InitializeAll(workerA)
	r.InitializeAll(workerB)
	r.InitializeAll(ckpt)

	elems[int32](workerA[acc.Addr.Offset():])[0] += 5 // iteration 2
	elems[int32](workerB[acc.Addr.Offset():])[0] += 7 // iteration 10

	r.CombineAll(ckpt, workerA)
	r.CombineAll(ckpt, workerB)

	if got := i32(ckpt, acc, 0); got != 12 {
		t.Errorf("combined = %d, want 12", got)
	}
	if a, b := i32(workerA, acc, 0), i32(workerB, acc, 0); a != 0 || b != 0 {
		t.Errorf("sources after combine = %d, %d, want 0, 0", a, b)
	}
}

// TestIdentities verifies the identity of every operator family.
func TestIdentities(t *testing.T) {
	h := newHeap(t)
	var r Registry
	tests := []struct {
		op   Op
		want func(b []byte) bool
	}{
		{AddI64, func(b []byte) bool { return elems[int64](b)[0] == 0 }},
		{AddF64, func(b []byte) bool { return elems[float64](b)[0] == 0 }},
		{MaxI32, func(b []byte) bool { return elems[int32](b)[0] == math.MinInt32 }},
		{MaxU16, func(b []byte) bool { return elems[uint16](b)[0] == 0 }},
		{MaxF32, func(b []byte) bool { return math.IsInf(float64(elems[float32](b)[0]), -1) }},
		{MinI8, func(b []byte) bool { return elems[int8](b)[0] == math.MaxInt8 }},
		{MinU64, func(b []byte) bool { return elems[uint64](b)[0] == math.MaxUint64 }},
		{MinF64, func(b []byte) bool { return math.IsInf(elems[float64](b)[0], 1) }},
	}
	for _, tt := range tests {
		info, err := r.Allocate(h, tt.op.Width()*4, tt.op)
		if err != nil {
			t.Fatalf("Allocate(%v) error: %v", tt.op, err)
		}
		b := h.Bytes(info.Addr, info.Size)
		if !tt.want(b) {
			t.Errorf("%v identity wrong: % x", tt.op, b)
		}
	}
}

// TestCombineMatchesSequential verifies that partial results from disjoint iteration
// subsets combine to the sequential result for every operator.
func TestCombineMatchesSequential(t *testing.T) {
	values := []float64{3, -7, 12, 0, 5, 12, -1, 9, 4, 2, -7, 8}

	for op := AddI8; op < numOps; op++ {
		t.Run(op.String(), func(t *testing.T) {
			h := newHeap(t)
			var r Registry
			info, err := r.Allocate(h, op.Width(), op)
			if err != nil {
				t.Fatalf("Allocate() error: %v", err)
			}

			seq := view(h)
			Initialize(seq, info)
			final := view(h)
			Initialize(final, info)

			const workers = 4
			parts := make([][]byte, workers)
			for w := range parts {
				parts[w] = view(h)
				Initialize(parts[w], info)
			}
			off, size := info.Addr.Offset(), info.Size
			one := view(h)
			for i, v := range values {
				Initialize(one, info)
				store(op, one[off:], v)
				combine(op, parts[i%workers][off:off+size], one[off:off+size])

				Initialize(one, info)
				store(op, one[off:], v)
				combine(op, seq[off:off+size], one[off:off+size])
			}
			for w := range parts {
				Combine(final, parts[w], info)
			}

			if string(final[off:off+info.Size]) != string(seq[off:off+info.Size]) {
				t.Errorf("combined % x, sequential % x", final[off:off+info.Size], seq[off:off+info.Size])
			}
		})
	}
}

// store writes v as element 0 in op's element type.
func store(op Op, b []byte, v float64) {
	switch op {
	case AddI8, MaxI8, MinI8:
		elems[int8](b)[0] = int8(v)
	case AddI16, MaxI16, MinI16:
		elems[int16](b)[0] = int16(v)
	case AddI32, MaxI32, MinI32:
		elems[int32](b)[0] = int32(v)
	case AddI64, MaxI64, MinI64:
		elems[int64](b)[0] = int64(v)
	case MaxU8, MinU8:
		elems[uint8](b)[0] = uint8(int64(v) + 64)
	case MaxU16, MinU16:
		elems[uint16](b)[0] = uint16(int64(v) + 64)
	case MaxU32, MinU32:
		elems[uint32](b)[0] = uint32(int64(v) + 64)
	case MaxU64, MinU64:
		elems[uint64](b)[0] = uint64(int64(v) + 64)
	case AddF32, MaxF32, MinF32:
		elems[float32](b)[0] = float32(v)
	case AddF64, MaxF64, MinF64:
		elems[float64](b)[0] = v
	}
}

// TestLaneSkipping verifies sums over long accumulators only touch active lanes yet
// give the full result.
func TestLaneSkipping(t *testing.T) {
	src := make([]byte, 256)
	dst := make([]byte, 256)
	for i := range dst {
		dst[i] = 1
	}
	src[40], src[41] = 2, 3 // lane 2
	src[200] = 4            // lane 12

	lo, hi := activeLanes(src)
	if lo != 32 || hi != 208 {
		t.Errorf("activeLanes() = %d, %d, want 32, 208", lo, hi)
	}
	combine(AddI8, dst, src)
	if dst[40] != 3 || dst[41] != 4 || dst[200] != 5 || dst[0] != 1 || dst[255] != 1 {
		t.Errorf("combine with lane skip produced wrong values")
	}

	if lo, hi := activeLanes(make([]byte, 64)); lo != hi {
		t.Errorf("activeLanes(all identity) = %d, %d", lo, hi)
	}
	if lo, hi := activeLanes([]byte{0, 0, 0, 9}); lo != 0 || hi != 4 {
		t.Errorf("activeLanes(short) = %d, %d, want 0, 4", lo, hi)
	}
}

// TestDependentTieBreak verifies equal keys resolve to the earlier iteration no
// matter the order of combination.
func TestDependentTieBreak(t *testing.T) {
	h := newHeap(t)
	var r Registry
	key, err := r.Allocate(h, 8, MaxI64)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	arg, err := r.AllocateDependent(h, key, 8)
	if err != nil {
		t.Fatalf("AllocateDependent() error: %v", err)
	}

	idx := func(v int64) []byte {
		b := make([]byte, 8)
		binary.NativeEndian.PutUint64(b, uint64(v))
		return b
	}

	for _, order := range []string{"early-first", "late-first"} {
		t.Run(order, func(t *testing.T) {
			early, late, ckpt := view(h), view(h), view(h)
			r.InitializeAll(early)
			r.InitializeAll(late)
			r.InitializeAll(ckpt)

			elems[int64](early[key.Addr.Offset():])[0] = 42
			RecordDependent(early, arg, 0, idx(3), 3)
			elems[int64](late[key.Addr.Offset():])[0] = 42
			RecordDependent(late, arg, 0, idx(11), 11)

			if order == "early-first" {
				r.CombineAll(ckpt, early)
				r.CombineAll(ckpt, late)
			} else {
				r.CombineAll(ckpt, late)
				r.CombineAll(ckpt, early)
			}

			got := int64(binary.NativeEndian.Uint64(ckpt[arg.Addr.Offset():]))
			if got != 3 {
				t.Errorf("argmax = %d, want 3 (earlier iteration)", got)
			}
			if it := DependentIteration(ckpt, arg, 0); it != 3 {
				t.Errorf("iteration = %d, want 3", it)
			}
			if it := DependentIteration(late, arg, 0); it != NoIteration {
				t.Errorf("source iteration not reset: %d", it)
			}
		})
	}
}

// TestDependentStrictlyBetter verifies a strictly better key wins even when later.
func TestDependentStrictlyBetter(t *testing.T) {
	h := newHeap(t)
	var r Registry
	key, _ := r.Allocate(h, 4, MinI32)
	arg, err := r.AllocateDependent(h, key, 4)
	if err != nil {
		t.Fatalf("AllocateDependent() error: %v", err)
	}

	a, b, ckpt := view(h), view(h), view(h)
	r.InitializeAll(a)
	r.InitializeAll(b)
	r.InitializeAll(ckpt)

	elems[int32](a[key.Addr.Offset():])[0] = 10
	RecordDependent(a, arg, 0, []byte{1, 0, 0, 0}, 1)
	elems[int32](b[key.Addr.Offset():])[0] = -4
	RecordDependent(b, arg, 0, []byte{9, 0, 0, 0}, 20)

	r.CombineAll(ckpt, a)
	r.CombineAll(ckpt, b)

	if got := i32(ckpt, key, 0); got != -4 {
		t.Errorf("min = %d, want -4", got)
	}
	if got := ckpt[arg.Addr.Offset()]; got != 9 {
		t.Errorf("argmin = %d, want 9", got)
	}
}

func TestAllocateErrors(t *testing.T) {
	h := newHeap(t)
	var r Registry
	if _, err := r.Allocate(h, 6, AddI32); !errors.Is(err, ErrBadSize) {
		t.Errorf("Allocate(6, add.i32) error = %v, want ErrBadSize", err)
	}
	if _, err := r.Allocate(h, 8, NoOp); err == nil {
		t.Error("Allocate(NoOp) succeeded")
	}
	sum, _ := r.Allocate(h, 8, AddI64)
	if _, err := r.AllocateDependent(h, sum, 8); err == nil {
		t.Error("AllocateDependent on a sum succeeded")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if r.Lookup(sum.Addr.Add(4)) != sum {
		t.Error("Lookup() inside accumulator failed")
	}
}

func TestParseOp(t *testing.T) {
	for op := AddI8; op < numOps; op++ {
		got, err := ParseOp(op.String())
		if err != nil || got != op {
			t.Errorf("ParseOp(%q) = %v, %v", op.String(), got, err)
		}
	}
	if _, err := ParseOp("mul.i32"); err == nil {
		t.Error("ParseOp(mul.i32) succeeded")
	}
}

// TestUpdate verifies single-element updates follow the operator and keep the
// earliest of equal max values.
func TestUpdate(t *testing.T) {
	h := newHeap(t)
	var r Registry
	sum, _ := r.Allocate(h, 16, AddF64)
	best, _ := r.Allocate(h, 4, MaxI32)
	buf := h.Data()

	for _, v := range []float64{1.5, 2.25} {
		if _, err := Update(buf, sum, 1, v); err != nil {
			t.Fatalf("Update() error: %v", err)
		}
	}
	if got := Value[float64](buf, sum, 1); got != 3.75 {
		t.Errorf("sum[1] = %v, want 3.75", got)
	}

	tests := []struct {
		v       int32
		changed bool
	}{{3, true}, {9, true}, {9, false}, {4, false}}
	for _, tt := range tests {
		changed, err := Update(buf, best, 0, tt.v)
		if err != nil {
			t.Fatal(err)
		}
		if changed != tt.changed {
			t.Errorf("Update(%d) changed = %v, want %v", tt.v, changed, tt.changed)
		}
	}
	if got := Value[int32](buf, best, 0); got != 9 {
		t.Errorf("max = %d, want 9", got)
	}

	if _, err := Update(buf, best, 0, int64(1)); !errors.Is(err, ErrBadSize) {
		t.Errorf("Update(int64) error = %v, want ErrBadSize", err)
	}
	if _, err := Update(buf, best, 1, int32(1)); err == nil {
		t.Error("Update() past the end succeeded")
	}
}
