package shadow

import "encoding/binary"

const (
	ones  = 0x0101010101010101
	highs = 0x8080808080808080
)

// hasByte reports whether any byte of w equals b.
func hasByte(w uint64, b byte) bool {
	x := w ^ (ones * uint64(b))
	return (x-ones)&^x&highs != 0
}

// Tracker stamps one worker's shadow for one private heap.
//
// A Tracker is owned by a single worker and is not safe for concurrent use.
type Tracker struct {
	shadow []byte
	code   byte
	rng    Range
}

// NewTracker returns a tracker over shadow, one byte per private byte.
func NewTracker(shadow []byte) *Tracker {
	return &Tracker{shadow: shadow, code: NumReserved, rng: EmptyRange()}
}

// Shadow returns the tracked shadow bytes.
func (t *Tracker) Shadow() []byte { return t.shadow }

// SetCode sets the code stamped by subsequent writes.
func (t *Tracker) SetCode(c byte) { t.code = c }

// Code returns the current write code.
func (t *Tracker) Code() byte { return t.code }

// Range returns the touched range since the last ResetRange.
func (t *Tracker) Range() Range { return t.rng }

// ResetRange empties the touched range.
func (t *Tracker) ResetRange() { t.rng = EmptyRange() }

// Write stamps [off, off+n) with the current code. It fails on the first byte that
// was read as live-in.
func (t *Tracker) Write(off, n uint64) error {
	s := t.shadow[off : off+n]
	for i, c := range s {
		if c == ReadLiveIn {
			return &Violation{Op: "write", Offset: off + uint64(i), Found: c}
		}
	}
	for i := range s {
		s[i] = t.code
	}
	t.rng.Extend(off, off+n)
	return nil
}

// Write1 is Write for one byte.
func (t *Tracker) Write1(off uint64) error {
	if t.shadow[off] == ReadLiveIn {
		return &Violation{Op: "write", Offset: off, Found: ReadLiveIn}
	}
	t.shadow[off] = t.code
	t.rng.Extend(off, off+1)
	return nil
}

// Write2 is Write for two bytes.
func (t *Tracker) Write2(off uint64) error { return t.Write(off, 2) }

// Write4 is Write for four bytes.
func (t *Tracker) Write4(off uint64) error { return t.Write(off, 4) }

// Write8 is Write for eight bytes, checked a word at a time.
func (t *Tracker) Write8(off uint64) error {
	s := t.shadow[off : off+8]
	if hasByte(binary.LittleEndian.Uint64(s), ReadLiveIn) {
		return t.Write(off, 8)
	}
	binary.LittleEndian.PutUint64(s, ones*uint64(t.code))
	t.rng.Extend(off, off+8)
	return nil
}

// Read marks live-in bytes of [off, off+n) as read-live-in. It fails on the first
// byte written by a different iteration. name labels the violation.
func (t *Tracker) Read(off, n uint64, name string) error {
	s := t.shadow[off : off+n]
	for i, c := range s {
		switch c {
		case LiveIn:
			s[i] = ReadLiveIn
		case ReadLiveIn, t.code:
		default:
			return &Violation{Op: "read", Offset: off + uint64(i), Found: c, Name: name}
		}
	}
	t.rng.Extend(off, off+n)
	return nil
}

// Read1 is Read for one byte.
func (t *Tracker) Read1(off uint64, name string) error { return t.Read(off, 1, name) }

// Read2 is Read for two bytes.
func (t *Tracker) Read2(off uint64, name string) error { return t.Read(off, 2, name) }

// Read4 is Read for four bytes.
func (t *Tracker) Read4(off uint64, name string) error { return t.Read(off, 4, name) }

// Read8 is Read for eight bytes. A word entirely written this iteration passes
// without a byte loop.
func (t *Tracker) Read8(off uint64, name string) error {
	s := t.shadow[off : off+8]
	if binary.LittleEndian.Uint64(s) == ones*uint64(t.code) {
		t.rng.Extend(off, off+8)
		return nil
	}
	return t.Read(off, 8, name)
}

// WriteStride writes nStrides runs of width bytes, stride bytes apart, starting at off.
func (t *Tracker) WriteStride(off, nStrides, stride, width uint64) error {
	if nStrides == 0 {
		return nil
	}
	for k := uint64(0); k < nStrides; k++ {
		p := off + k*stride
		for i, c := range t.shadow[p : p+width] {
			if c == ReadLiveIn {
				return &Violation{Op: "write", Offset: p + uint64(i), Found: c}
			}
		}
	}
	for k := uint64(0); k < nStrides; k++ {
		p := off + k*stride
		s := t.shadow[p : p+width]
		for i := range s {
			s[i] = t.code
		}
	}
	t.rng.Extend(off, off+(nStrides-1)*stride+width)
	return nil
}

// ReadStride reads nStrides runs of width bytes, stride bytes apart, starting at off.
func (t *Tracker) ReadStride(off, nStrides, stride, width uint64, name string) error {
	if nStrides == 0 {
		return nil
	}
	for k := uint64(0); k < nStrides; k++ {
		p := off + k*stride
		s := t.shadow[p : p+width]
		for i, c := range s {
			switch c {
			case LiveIn:
				s[i] = ReadLiveIn
			case ReadLiveIn, t.code:
			default:
				return &Violation{Op: "read", Offset: p + uint64(i), Found: c, Name: name}
			}
		}
	}
	t.rng.Extend(off, off+(nStrides-1)*stride+width)
	return nil
}

// Mark stamps [off, off+n) with the current code without any check. It serves the
// killable-private heap, whose bytes are written before being read in every iteration.
func (t *Tracker) Mark(off, n uint64) {
	s := t.shadow[off : off+n]
	for i := range s {
		s[i] = t.code
	}
	t.rng.Extend(off, off+n)
}

// Touch extends the range without stamping, for heaps tracked by comparison instead
// of by shadow.
func (t *Tracker) Touch(off, n uint64) {
	t.rng.Extend(off, off+n)
}

// Retire ends the window after the tracker's state was merged into a checkpoint:
// bytes written in the window become OldIteration and the range resets. ReadLiveIn
// marks survive for the rest of the invocation.
func (t *Tracker) Retire() {
	if !t.rng.Empty() {
		s := t.shadow[t.rng.Lo:t.rng.Hi]
		for i, c := range s {
			if c >= NumReserved {
				s[i] = OldIteration
			}
		}
	}
	t.ResetRange()
}
