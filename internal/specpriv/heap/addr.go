package heap

import "strconv"

// Kind identifies which heap an address belongs to.
type Kind uint8

// Heap kinds. The values are part of the address encoding and must not change.
const (
	KindNone Kind = iota
	Meta
	Redux
	Private
	Shared
	ReadOnly
	Local
	Shadow
)

const (
	// PointerBits is the number of low address bits available for offsets.
	PointerBits = 44

	// KindMask selects the three kind bits of an address.
	KindMask = 7 << PointerBits

	// OffsetMask selects the offset bits of an address.
	OffsetMask = 1<<PointerBits - 1

	// KillBit marks addresses from the killable-private heap.
	KillBit = 1 << 47

	// ShareBit marks addresses from the shared-private heap.
	ShareBit = 1 << 48

	// Alignment is the granularity of every allocation.
	Alignment = 16
)

var kindNames = [...]string{"none", "meta", "redux", "priv", "shared", "ro", "local", "shadow"}

// String returns the short name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Addr is a natural address: a heap kind tag plus an offset into that heap.
type Addr uint64

// Nil is the zero address. No heap hands it out.
const Nil Addr = 0

// MakeAddr builds the natural address of offset off in a heap of kind k.
// Offsets beyond PointerBits are truncated.
func MakeAddr(k Kind, off uint64) Addr {
	return Addr(uint64(k)<<PointerBits | off&OffsetMask)
}

// Base returns the natural base address of heaps of kind k.
func Base(k Kind) Addr {
	return MakeAddr(k, 0)
}

// Kind extracts the heap kind tag.
func (a Addr) Kind() Kind {
	return Kind((uint64(a) & KindMask) >> PointerBits)
}

// Offset returns the position of a within its heap.
func (a Addr) Offset() uint64 {
	return uint64(a) & OffsetMask
}

// Killable reports whether a was allocated from the killable-private heap.
func (a Addr) Killable() bool {
	return uint64(a)&KillBit != 0
}

// SharePrivate reports whether a was allocated from the shared-private heap.
func (a Addr) SharePrivate() bool {
	return uint64(a)&ShareBit != 0
}

// Tag returns every non-offset bit of a.
func (a Addr) Tag() Addr {
	return a &^ OffsetMask
}

// Add returns a displaced by n bytes within the same heap.
func (a Addr) Add(n uint64) Addr {
	return a.Tag() | Addr((a.Offset()+n)&OffsetMask)
}

// String formats the address as "kind+0xoffset", with a k or s suffix on the kind
// for killable-private and shared-private addresses.
func (a Addr) String() string {
	name := a.Kind().String()
	switch {
	case a.Killable():
		name += "k"
	case a.SharePrivate():
		name += "s"
	}
	return name + "+0x" + strconv.FormatUint(a.Offset(), 16)
}

// AlignUp rounds n up to the next multiple of Alignment.
func AlignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
