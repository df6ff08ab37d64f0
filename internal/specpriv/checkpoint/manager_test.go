package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/kolkov/specpriv/internal/specpriv/deferio"
	"github.com/kolkov/specpriv/internal/specpriv/heap"
	"github.com/kolkov/specpriv/internal/specpriv/misspec"
	"github.com/kolkov/specpriv/internal/specpriv/redux"
	"github.com/kolkov/specpriv/internal/specpriv/shadow"
)

const heapSize = 4096

type fixture struct {
	reg  *heap.Registry
	m    *Manager
	main MainHeaps
	rr   *redux.Registry
	sum  *redux.Info
	out  *bytes.Buffer
	flag *misspec.Flag
	hook *logtest.Hook
}

func newFixture(t *testing.T, workers int, maxBytes uint64) *fixture {
	t.Helper()
	f := &fixture{reg: heap.NewRegistry(t.TempDir()), rr: &redux.Registry{}, out: &bytes.Buffer{}, flag: &misspec.Flag{}}

	mapped := func(desc string, base heap.Addr) *heap.MappedHeap {
		h, err := f.reg.Create(desc, base, heapSize)
		if err != nil {
			t.Fatalf("Create(%s) error: %v", desc, err)
		}
		m, err := h.Map(heap.SharedMap)
		if err != nil {
			t.Fatalf("Map(%s) error: %v", desc, err)
		}
		t.Cleanup(func() { m.Unmap() })
		return m
	}
	f.main = MainHeaps{
		Priv:  mapped("priv", heap.Base(heap.Private)),
		Kill:  mapped("killpriv", heap.Base(heap.Private)|heap.KillBit),
		Share: mapped("sharepriv", heap.Base(heap.Private)|heap.ShareBit),
		Redux: mapped("redux", heap.Base(heap.Redux)),
	}

	var err error
	f.sum, err = f.rr.Allocate(f.main.Redux, 4, redux.AddI32)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f.hook = hook

	f.m = NewManager(f.reg, f.main, f.rr, deferio.NewStreams(f.out, f.out), f.flag, Options{
		Layout:       Layout{Priv: heapSize, Kill: heapSize, Share: heapSize, Redux: heapSize},
		MaxBytes:     maxBytes,
		PollInterval: 50 * time.Microsecond,
		Logger:       logger,
	})
	f.m.Begin(workers, -1, f.main.Redux.Used())

	t.Cleanup(func() {
		if err := f.m.Close(); err != nil {
			t.Errorf("Manager.Close() error: %v", err)
		}
		if err := f.reg.Close(); err != nil {
			t.Errorf("Registry.Close() error: %v", err)
		}
	})
	return f
}

// worker simulates one worker's private views.
type worker struct {
	id    int
	priv  []byte
	track *shadow.Tracker
	kill  []byte
	ktrk  *shadow.Tracker
	share []byte
	srng  shadow.Range
	redux []byte
	io    deferio.Buffer
}

func (f *fixture) newWorker(id int) *worker {
	w := &worker{
		id:    id,
		priv:  make([]byte, heapSize),
		track: shadow.NewTracker(make([]byte, heapSize)),
		kill:  make([]byte, heapSize),
		ktrk:  shadow.NewTracker(make([]byte, heapSize)),
		share: append([]byte(nil), f.main.Share.Data()...),
		srng:  shadow.EmptyRange(),
		redux: make([]byte, heapSize),
	}
	f.rr.InitializeAll(w.redux)
	return w
}

func (w *worker) setIter(iter int64, g int) {
	w.track.SetCode(shadow.CodeFor(iter, 0, g))
	w.ktrk.SetCode(shadow.CodeFor(iter, 0, g))
	w.io.SetIteration(iter)
}

func (w *worker) addSum(f *fixture, v int32) {
	off := f.sum.Addr.Offset()
	binary.NativeEndian.PutUint32(w.redux[off:], binary.NativeEndian.Uint32(w.redux[off:])+uint32(v))
}

// contribute hands the worker's window to the checkpoint of iter.
func (f *fixture) contribute(t *testing.T, w *worker, iter int64) error {
	t.Helper()
	c, err := f.m.ForIteration(iter, w.id)
	if err != nil {
		t.Fatalf("ForIteration(%d) error: %v", iter, err)
	}
	err = f.m.Contribute(c, c.ID(), &Contribution{
		Worker:     w.id,
		Priv:       shadow.View{Data: w.priv, Shadow: w.track.Shadow()},
		PrivRange:  w.track.Range(),
		Kill:       shadow.View{Data: w.kill, Shadow: w.ktrk.Shadow()},
		KillRange:  w.ktrk.Range(),
		Share:      w.share,
		ShareBase:  f.main.Share.Data(),
		ShareRange: w.srng,
		Redux:      w.redux,
		IO:         w.io.Events(),
	})
	w.track.Retire()
	w.ktrk.Retire()
	w.srng = shadow.EmptyRange()
	w.io.Reset()
	return err
}

// TestCompleteWhenAllContributed verifies a checkpoint is Complete exactly when every
// worker contributed.
func TestCompleteWhenAllContributed(t *testing.T) {
	f := newFixture(t, 3, 0)

	for i := 0; i < 3; i++ {
		w := f.newWorker(i)
		if err := f.contribute(t, w, 7); err != nil {
			t.Fatalf("contribute(%d) error: %v", i, err)
		}
		c := f.m.Front()
		if got := c.Contributors(); got != i+1 {
			t.Errorf("Contributors() = %d, want %d", got, i+1)
		}
		want := Partial
		if i == 2 {
			want = Complete
		}
		if c.State() != want {
			t.Errorf("after %d contributions state = %v, want %v", i+1, c.State(), want)
		}
	}
	if got := f.m.Stats().Completed; got != 1 {
		t.Errorf("Stats().Completed = %d, want 1", got)
	}
}

// TestRepeatContributionRejected verifies a second contribution from one worker is
// refused and leaves the checkpoint waiting for the others.
func TestRepeatContributionRejected(t *testing.T) {
	f := newFixture(t, 2, 0)
	w0, w1 := f.newWorker(0), f.newWorker(1)

	w0.setIter(6, 8)
	w0.io.Puts("first")
	if err := f.contribute(t, w0, 7); err != nil {
		t.Fatalf("contribute(0) error: %v", err)
	}
	w0.setIter(6, 8)
	w0.io.Puts("second")
	if err := f.contribute(t, w0, 7); !errors.Is(err, ErrContributed) {
		t.Fatalf("repeat contribute(0) error = %v, want ErrContributed", err)
	}

	c := f.m.Front()
	if got := c.Contributors(); got != 1 {
		t.Errorf("Contributors() = %d, want 1", got)
	}
	if c.State() != Partial {
		t.Errorf("state = %v, want %v", c.State(), Partial)
	}
	if !c.Contributed(0) || c.Contributed(1) {
		t.Errorf("Contributed(0), Contributed(1) = %v, %v, want true, false", c.Contributed(0), c.Contributed(1))
	}

	w1.setIter(7, 8)
	if err := f.contribute(t, w1, 7); err != nil {
		t.Fatalf("contribute(1) error: %v", err)
	}
	if c.State() != Complete {
		t.Errorf("state = %v, want %v", c.State(), Complete)
	}
	if _, err := f.m.Distill(); err != nil {
		t.Fatalf("Distill() error: %v", err)
	}
	if got := f.out.String(); got != "first\n" {
		t.Errorf("output = %q, want %q", got, "first\n")
	}
}

// TestContributionFromUnknownWorker verifies worker ids beyond the pool are refused.
func TestContributionFromUnknownWorker(t *testing.T) {
	f := newFixture(t, 2, 0)
	if err := f.contribute(t, f.newWorker(2), 7); err == nil {
		t.Error("contribute(2) with 2 workers succeeded, want error")
	}
	if got := f.m.Front().Contributors(); got != 0 {
		t.Errorf("Contributors() = %d, want 0", got)
	}
}

// TestPrivatizationScenario runs 4 workers over iterations 0..31 with windows of 8,
// each iteration writing private byte i mod 16. Main must end with each byte's last
// writer and no misspeculation.
func TestPrivatizationScenario(t *testing.T) {
	const workers, g, iters = 4, 8, 32
	f := newFixture(t, workers, 0)

	ws := make([]*worker, workers)
	for i := range ws {
		ws[i] = f.newWorker(i)
	}

	for win := 0; win < iters/g; win++ {
		for i := win * g; i < (win+1)*g; i++ {
			w := ws[i%workers]
			w.setIter(int64(i), g)
			off := uint64(i % 16)
			if err := w.track.Write1(off); err != nil {
				t.Fatalf("iteration %d write error: %v", i, err)
			}
			w.priv[off] = byte(i)
		}
		last := int64((win+1)*g - 1)
		// Contribute in reverse worker order to shake out ordering assumptions.
		for k := workers - 1; k >= 0; k-- {
			if err := f.contribute(t, ws[k], last); err != nil {
				t.Fatalf("window %d worker %d contribute error: %v", win, k, err)
			}
		}
		if _, err := f.m.CommitZeroOrMore(0); err != nil {
			t.Fatalf("CommitZeroOrMore() error: %v", err)
		}
	}

	iter, err := f.m.Distill()
	if err != nil {
		t.Fatalf("Distill() error: %v", err)
	}
	if iter != iters-1 {
		t.Errorf("main iteration = %d, want %d", iter, iters-1)
	}
	if f.flag.Happened() {
		t.Fatalf("false misspeculation: %v", f.flag.Report())
	}
	got := f.main.Priv.Data()[:16]
	for j := range got {
		if want := byte(16 + j); got[j] != want {
			t.Errorf("main byte %d = %d, want %d", j, got[j], want)
		}
	}
	if f.m.Used() != 0 {
		t.Errorf("Used() = %d after distill, want 0", f.m.Used())
	}
}

// TestConflictAcrossWindows verifies a live-in read contradicted by an earlier window's
// write breaks the later checkpoint, and that recovery commits up to the earlier one.
func TestConflictAcrossWindows(t *testing.T) {
	const g = 4
	f := newFixture(t, 2, 0)
	w0, w1 := f.newWorker(0), f.newWorker(1)

	// Window 0 (iterations 0..3): worker 0 writes byte 5 at iteration 2.
	w0.setIter(2, g)
	if err := w0.track.Write1(5); err != nil {
		t.Fatal(err)
	}
	w0.priv[5] = 99
	w0.io.Printf("iter 2\n")
	_ = f.contribute(t, w0, 3)
	_ = f.contribute(t, w1, 3)

	// Window 1 (iterations 4..7): worker 1 reads byte 5 as live-in at iteration 5.
	w1.setIter(5, g)
	if err := w1.track.Read1(5, "x"); err != nil {
		t.Fatal(err)
	}
	w1.io.Printf("iter 5\n")
	_ = f.contribute(t, w0, 7)
	_ = f.contribute(t, w1, 7)

	_, err := f.m.CommitZeroOrMore(1)
	var r *misspec.Report
	if !errors.As(err, &r) {
		t.Fatalf("CommitZeroOrMore() error = %v, want *misspec.Report", err)
	}
	if r.Iteration != 7 || r.Worker != 1 {
		t.Errorf("report = %+v, want iteration 7 by worker 1", r)
	}
	if !f.flag.AtOrBefore(7) {
		t.Error("flag not raised")
	}

	iter, err := f.m.Distill()
	if err != nil {
		t.Fatalf("Distill() error: %v", err)
	}
	if iter != 3 {
		t.Errorf("main iteration = %d, want 3", iter)
	}
	if got := f.main.Priv.Data()[5]; got != 99 {
		t.Errorf("main byte 5 = %d, want 99 from the committed window", got)
	}
	if got := f.out.String(); got != "iter 2\n" {
		t.Errorf("output = %q, want only the committed window", got)
	}
	st := f.m.Stats()
	if st.Broken != 1 || st.Squashed != 1 || st.Distilled != 1 {
		t.Errorf("stats = %+v", st)
	}
}

// TestReductionsAndOutputAcrossCheckpoints verifies sums and deferred output reach
// main in iteration order through combination and distillation.
func TestReductionsAndOutputAcrossCheckpoints(t *testing.T) {
	const workers, g, iters = 2, 4, 12
	f := newFixture(t, workers, 0)
	ws := []*worker{f.newWorker(0), f.newWorker(1)}

	var want bytes.Buffer
	total := int32(0)
	for win := 0; win < iters/g; win++ {
		for i := win * g; i < (win+1)*g; i++ {
			w := ws[i%workers]
			w.setIter(int64(i), g)
			w.addSum(f, int32(i))
			w.io.Printf("%d;", i)
			fmt.Fprintf(&want, "%d;", i)
			total += int32(i)
		}
		for _, w := range ws {
			if err := f.contribute(t, w, int64((win+1)*g-1)); err != nil {
				t.Fatal(err)
			}
		}
	}

	if _, err := f.m.Distill(); err != nil {
		t.Fatalf("Distill() error: %v", err)
	}
	got := int32(binary.NativeEndian.Uint32(f.main.Redux.Bytes(f.sum.Addr, 4)))
	if got != total {
		t.Errorf("sum = %d, want %d", got, total)
	}
	if f.out.String() != want.String() {
		t.Errorf("output = %q, want %q", f.out.String(), want.String())
	}
}

// TestKillableAndSharePrivate verifies the unchecked heaps reach main.
func TestKillableAndSharePrivate(t *testing.T) {
	const g = 4
	f := newFixture(t, 2, 0)
	w0, w1 := f.newWorker(0), f.newWorker(1)

	w0.setIter(0, g)
	w0.ktrk.Mark(8, 1)
	w0.kill[8] = 1
	w1.setIter(1, g)
	w1.ktrk.Mark(8, 1)
	w1.kill[8] = 2

	w0.share[20] = 7
	w0.srng.Extend(20, 21)
	w1.share[20] = 7
	w1.srng.Extend(20, 21)

	_ = f.contribute(t, w0, LastIteration)
	_ = f.contribute(t, w1, LastIteration)

	iter, err := f.m.Distill()
	if err != nil {
		t.Fatalf("Distill() error: %v", err)
	}
	if iter != LastIteration {
		t.Errorf("main iteration = %d, want LastIteration", iter)
	}
	if got := f.main.Kill.Data()[8]; got != 2 {
		t.Errorf("killable byte = %d, want 2 (later iteration)", got)
	}
	if got := f.main.Share.Data()[20]; got != 7 {
		t.Errorf("shared-private byte = %d, want 7", got)
	}
}

// TestBackpressure verifies allocation waits while saturated and proceeds once
// committing frees space.
func TestBackpressure(t *testing.T) {
	f := newFixture(t, 1, 1)
	w := f.newWorker(0)

	for _, iter := range []int64{3, 7} {
		w.setIter(iter, 4)
		_ = w.track.Write(0, 64)
		if err := f.contribute(t, w, iter); err != nil {
			t.Fatal(err)
		}
	}
	// Two complete checkpoints above the ceiling: the next request must wait until
	// they are combined.
	c, err := f.m.ForIteration(11, 0)
	if err != nil {
		t.Fatalf("ForIteration() error: %v", err)
	}
	if c.Iteration() != 11 {
		t.Errorf("Iteration() = %d, want 11", c.Iteration())
	}
	st := f.m.Stats()
	if st.Backpressure == 0 || st.Combined != 1 {
		t.Errorf("stats = %+v, want backpressure and one combination", st)
	}
}

// TestBackpressureAborts verifies a saturated request gives up after a misspeculation
// at or before its iteration.
func TestBackpressureAborts(t *testing.T) {
	f := newFixture(t, 2, 1)
	w := f.newWorker(0)

	for _, iter := range []int64{3, 7} {
		w.setIter(iter, 4)
		_ = w.track.Write(0, 64)
		if err := f.contribute(t, w, iter); err != nil {
			t.Fatal(err)
		}
	}
	f.flag.Raise(misspec.New(1, 5, "test"))

	if _, err := f.m.ForIteration(11, 0); !errors.Is(err, ErrAborted) {
		t.Fatalf("ForIteration() error = %v, want ErrAborted", err)
	}
}

// TestStaleContribution verifies recycled checkpoints reject old IDs.
func TestStaleContribution(t *testing.T) {
	f := newFixture(t, 1, 0)
	w := f.newWorker(0)

	c, err := f.m.ForIteration(3, 0)
	if err != nil {
		t.Fatal(err)
	}
	old := c.ID()
	_ = f.contribute(t, w, 3)
	if _, err := f.m.Distill(); err != nil {
		t.Fatal(err)
	}

	if f.m.Lookup(old) != nil {
		t.Error("Lookup() of released checkpoint succeeded")
	}
	c2, err := f.m.ForIteration(7, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c || c2.ID().Gen != old.Gen+1 {
		t.Errorf("free list not reused: gen %d -> %d", old.Gen, c2.ID().Gen)
	}
	if err := f.m.Contribute(c2, old, &Contribution{}); !errors.Is(err, ErrStale) {
		t.Errorf("Contribute() with stale ID error = %v, want ErrStale", err)
	}
	if f.m.Stats().Reused != 1 {
		t.Errorf("Stats().Reused = %d, want 1", f.m.Stats().Reused)
	}
}

// TestSquashPartial verifies distillation discards incomplete checkpoints.
func TestSquashPartial(t *testing.T) {
	f := newFixture(t, 2, 0)
	w := f.newWorker(0)
	w.setIter(1, 4)
	_ = w.track.Write1(0)
	w.priv[0] = 5
	_ = f.contribute(t, w, 3)

	iter, err := f.m.Distill()
	if err != nil {
		t.Fatal(err)
	}
	if iter != -1 {
		t.Errorf("main iteration = %d, want -1", iter)
	}
	if f.main.Priv.Data()[0] != 0 {
		t.Error("partial checkpoint reached main")
	}
	found := false
	for _, e := range f.hook.AllEntries() {
		if e.Message == "checkpoint squashed" {
			found = true
		}
	}
	if !found {
		t.Error("no squash log entry")
	}
}

// TestSquashAll verifies Squash drops complete checkpoints too and commits nothing.
func TestSquashAll(t *testing.T) {
	f := newFixture(t, 1, 0)
	w := f.newWorker(0)
	w.setIter(0, 4)
	_ = w.track.Write1(0)
	w.priv[0] = 5
	w.io.Printf("lost\n")
	_ = f.contribute(t, w, 3)
	if f.m.Front().State() != Complete {
		t.Fatalf("front state = %v, want complete", f.m.Front().State())
	}

	if iter := f.m.Squash(); iter != -1 {
		t.Errorf("Squash() = %d, want -1", iter)
	}
	if f.m.Used() != 0 {
		t.Errorf("Used() = %d, want 0", f.m.Used())
	}
	if f.main.Priv.Data()[0] != 0 || f.out.Len() != 0 {
		t.Error("squashed checkpoint reached main")
	}
}

// TestOrderedInsert verifies the used list stays sorted by iteration.
func TestOrderedInsert(t *testing.T) {
	f := newFixture(t, 1, 0)
	for _, iter := range []int64{7, 3, 11} {
		if _, err := f.m.ForIteration(iter, 0); err != nil {
			t.Fatal(err)
		}
	}
	var got []int64
	f.m.lock.Lock()
	for c := f.m.head; c != nil; c = c.next {
		got = append(got, c.iter)
	}
	f.m.lock.Unlock()
	if fmt.Sprint(got) != "[3 7 11]" {
		t.Errorf("used list = %v, want [3 7 11]", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Free: "free", Partial: "partial", Complete: "complete", Broken: "broken", Main: "main"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
