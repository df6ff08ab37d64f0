package workload

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/kolkov/specpriv/internal/specpriv/deferio"
	"github.com/kolkov/specpriv/internal/specpriv/executive"
	"github.com/kolkov/specpriv/internal/specpriv/heap"
	"github.com/kolkov/specpriv/internal/specpriv/redux"
)

// privatize writes i mod 16 to byte i of a private array.
type privatize struct {
	n   int64
	arr heap.Addr
}

func newPrivatize(n int64) Instance { return &privatize{n: n} }

func (p *privatize) Setup(e *executive.Executive) (err error) {
	p.arr, err = e.AllocPriv(uint64(p.n))
	return err
}

func (p *privatize) Iterate(w *executive.Worker, i int64) error {
	w.PrivateWrite(p.arr.Add(uint64(i)), 1)[0] = byte(i % 16)
	return nil
}

func (p *privatize) Sequential(e *executive.Executive, i int64) error {
	e.Bytes(p.arr.Add(uint64(i)), 1)[0] = byte(i % 16)
	return nil
}

func (p *privatize) State(e *executive.Executive) []byte {
	return append([]byte(nil), e.Bytes(p.arr, uint64(p.n))...)
}

func (p *privatize) Reference() []byte {
	b := make([]byte, p.n)
	for i := range b {
		b[i] = byte(i % 16)
	}
	return b
}

// reduce folds a read-only array into a sum, a max and the index of the max.
type reduce struct {
	n                  int64
	in, sum, best, arg heap.Addr
}

func newReduce(n int64) Instance { return &reduce{n: n} }

func reduceInput(i int64) int64 { return (i*7919 + 13) % 1000 }

func (r *reduce) Setup(e *executive.Executive) (err error) {
	if r.in, err = e.AllocRO(uint64(r.n) * 8); err != nil {
		return err
	}
	for i := int64(0); i < r.n; i++ {
		executive.Store(e, r.in.Add(uint64(i)*8), reduceInput(i))
	}
	if r.sum, err = e.AllocRedux(8, redux.AddI64); err != nil {
		return err
	}
	if r.best, err = e.AllocRedux(8, redux.MaxI64); err != nil {
		return err
	}
	r.arg, err = e.AllocReduxDependent(r.best, 8)
	return err
}

func (r *reduce) Iterate(w *executive.Worker, i int64) error {
	v := executive.Load[int64](w, r.in.Add(uint64(i)*8))
	executive.ReduxUpdate(w, r.sum, v)
	var idx [8]byte
	binary.NativeEndian.PutUint64(idx[:], uint64(i))
	executive.ReduxArgUpdate(w, r.best, v, r.arg, idx[:])
	return nil
}

func (r *reduce) Sequential(e *executive.Executive, i int64) error {
	v := executive.Load[int64](e, r.in.Add(uint64(i)*8))
	executive.Store(e, r.sum, executive.Load[int64](e, r.sum)+v)
	if v > executive.Load[int64](e, r.best) {
		executive.Store(e, r.best, v)
		executive.Store(e, r.arg, i)
	}
	return nil
}

func encode(vals ...int64) []byte {
	b := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		b = binary.NativeEndian.AppendUint64(b, uint64(v))
	}
	return b
}

func (r *reduce) State(e *executive.Executive) []byte {
	return encode(
		executive.Load[int64](e, r.sum),
		executive.Load[int64](e, r.best),
		executive.Load[int64](e, r.arg),
	)
}

func (r *reduce) Reference() []byte {
	var sum, arg int64
	best := int64(-1)
	for i := int64(0); i < r.n; i++ {
		v := reduceInput(i)
		sum += v
		if v > best {
			best, arg = v, i
		}
	}
	return encode(sum, best, arg)
}

// printing prints one line per iteration and counts the bytes printed.
type printing struct {
	n     int64
	count heap.Addr
}

func newPrinting(n int64) Instance { return &printing{n: n} }

func line(i int64) string { return fmt.Sprintf("%d squared is %d\n", i, i*i) }

func (p *printing) Setup(e *executive.Executive) (err error) {
	p.count, err = e.AllocRedux(8, redux.AddI64)
	return err
}

func (p *printing) Iterate(w *executive.Worker, i int64) error {
	n := w.Fwrite(deferio.Stdout, []byte(line(i)))
	executive.ReduxUpdate(w, p.count, int64(n))
	return nil
}

func (p *printing) Sequential(e *executive.Executive, i int64) error {
	out, err := e.Streams().Writer(deferio.Stdout)
	if err != nil {
		return err
	}
	n, err := fmt.Fprint(out, line(i))
	executive.Store(e, p.count, executive.Load[int64](e, p.count)+int64(n))
	return err
}

func (p *printing) State(e *executive.Executive) []byte {
	return encode(executive.Load[int64](e, p.count))
}

func (p *printing) Reference() []byte {
	return encode(int64(len(p.ExpectedOutput())))
}

// ExpectedOutput returns every line in iteration order.
func (p *printing) ExpectedOutput() string {
	var b strings.Builder
	for i := int64(0); i < p.n; i++ {
		b.WriteString(line(i))
	}
	return b.String()
}

// Every conflictPeriod-th iteration reads the element written conflictLag
// iterations earlier.
const (
	conflictPeriod = 10
	conflictLag    = 3
)

// conflict is a loop with a periodic cross-iteration flow dependence.
type conflict struct {
	n   int64
	arr heap.Addr
}

func newConflict(n int64) Instance { return &conflict{n: n} }

func dependent(i int64) bool { return i%conflictPeriod == conflictPeriod-1 && i >= conflictLag }

func (c *conflict) elem(i int64) heap.Addr { return c.arr.Add(uint64(i) * 8) }

func (c *conflict) Setup(e *executive.Executive) (err error) {
	c.arr, err = e.AllocPriv(uint64(c.n) * 8)
	return err
}

func (c *conflict) Iterate(w *executive.Worker, i int64) error {
	v := 3 * i
	if dependent(i) {
		v = executive.LoadPrivate[int64](w, c.elem(i-conflictLag), "arr") + 1000
	}
	executive.StorePrivate(w, c.elem(i), v)
	return nil
}

func (c *conflict) Sequential(e *executive.Executive, i int64) error {
	v := 3 * i
	if dependent(i) {
		v = executive.Load[int64](e, c.elem(i-conflictLag)) + 1000
	}
	executive.Store(e, c.elem(i), v)
	return nil
}

func (c *conflict) State(e *executive.Executive) []byte {
	return append([]byte(nil), e.Bytes(c.arr, uint64(c.n)*8)...)
}

func (c *conflict) Reference() []byte {
	vals := make([]int64, c.n)
	for i := range vals {
		vals[i] = 3 * int64(i)
		if dependent(int64(i)) {
			vals[i] = vals[i-conflictLag] + 1000
		}
	}
	return encode(vals...)
}

// scratch computes through a killable temporary and raises a shared-private flag.
type scratch struct {
	n             int64
	tmp, out, hit heap.Addr
}

func newScratch(n int64) Instance { return &scratch{n: n} }

func (s *scratch) Setup(e *executive.Executive) (err error) {
	if s.tmp, err = e.AllocKillPriv(8); err != nil {
		return err
	}
	if s.out, err = e.AllocPriv(uint64(s.n) * 8); err != nil {
		return err
	}
	s.hit, err = e.AllocSharePriv(1)
	return err
}

func (s *scratch) Iterate(w *executive.Worker, i int64) error {
	binary.NativeEndian.PutUint64(w.KillPrivWrite(s.tmp, 8), uint64(i*i))
	v := int64(binary.NativeEndian.Uint64(w.Bytes(s.tmp, 8)))
	executive.StorePrivate(w, s.out.Add(uint64(i)*8), v+1)
	if i == s.n/2 {
		w.SharePrivWrite(s.hit, 1)[0] = 1
	}
	return nil
}

func (s *scratch) Sequential(e *executive.Executive, i int64) error {
	executive.Store(e, s.tmp, i*i)
	executive.Store(e, s.out.Add(uint64(i)*8), executive.Load[int64](e, s.tmp)+1)
	if i == s.n/2 {
		e.Bytes(s.hit, 1)[0] = 1
	}
	return nil
}

func (s *scratch) State(e *executive.Executive) []byte {
	b := append([]byte(nil), e.Bytes(s.out, uint64(s.n)*8)...)
	return append(b, e.Bytes(s.hit, 1)[0])
}

func (s *scratch) Reference() []byte {
	vals := make([]int64, s.n)
	for i := range vals {
		vals[i] = int64(i*i) + 1
	}
	return append(encode(vals...), 1)
}
