package deferio

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/kolkov/specpriv/internal/specpriv/heap"
)

func newReduxHeap(t *testing.T) *heap.MappedHeap {
	t.Helper()
	h, err := heap.MapAnonymous(heap.Base(heap.Redux), 1<<16)
	if err != nil {
		t.Fatalf("MapAnonymous() error: %v", err)
	}
	t.Cleanup(func() { h.Unmap() })
	return h
}

// TestBufferWrappers verifies every wrapper records the right bytes and iteration.
func TestBufferWrappers(t *testing.T) {
	var b Buffer
	b.SetIteration(4)

	b.Printf("x=%d;", 7)
	b.Fprintf(Stderr, "err")
	b.Puts("line")
	b.Putchar('!')
	b.Fwrite(Stdout, []byte("raw"))
	b.Fwrite(Stdout, nil)
	fmt.Fprint(b.Writer(Stdout), "w")
	if err := b.Fflush(Stdout); err != nil {
		t.Errorf("Fflush() error: %v", err)
	}

	want := []Event{
		{4, Stdout, []byte("x=7;")},
		{4, Stderr, []byte("err")},
		{4, Stdout, []byte("line\n")},
		{4, Stdout, []byte("!")},
		{4, Stdout, []byte("raw")},
		{4, Stdout, []byte("w")},
	}
	got := b.Events()
	if len(got) != len(want) {
		t.Fatalf("Len() = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Iter != want[i].Iter || got[i].Stream != want[i].Stream || !bytes.Equal(got[i].Data, want[i].Data) {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if b.Bytes() != 17 {
		t.Errorf("Bytes() = %d, want 17", b.Bytes())
	}

	b.Reset()
	if b.Len() != 0 || b.Bytes() != 0 {
		t.Error("Reset() left events behind")
	}
}

// TestIssueCopies verifies the buffer does not alias the caller's slice.
func TestIssueCopies(t *testing.T) {
	var b Buffer
	p := []byte("abc")
	b.Issue(Stdout, p)
	p[0] = 'z'
	if string(b.Events()[0].Data) != "abc" {
		t.Errorf("event aliases caller buffer: %q", b.Events()[0].Data)
	}
}

// TestCommitOrder verifies replay is in iteration order whatever order the workers
// contributed in.
func TestCommitOrder(t *testing.T) {
	const workers = 3
	const iters = 12

	// Sequential output: "<i>\n" for every i, plus an extra line on multiples of 4.
	var seq strings.Builder
	for i := 0; i < iters; i++ {
		fmt.Fprintf(&seq, "%d\n", i)
		if i%4 == 0 {
			seq.WriteString("four\n")
		}
	}

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			h := newReduxHeap(t)
			bufs := make([]Buffer, workers)
			for i := 0; i < iters; i++ {
				b := &bufs[i%workers]
				b.SetIteration(int64(i))
				b.Printf("%d\n", i)
				if i%4 == 0 {
					b.Puts("four")
				}
			}

			var s Set
			s.Reset(workers)
			for _, w := range order {
				if err := CopyToCheckpoint(&s, w, bufs[w].Events(), h); err != nil {
					t.Fatalf("CopyToCheckpoint(%d) error: %v", w, err)
				}
				bufs[w].Reset()
			}
			if s.Len() != iters+3 {
				t.Errorf("Set.Len() = %d, want %d", s.Len(), iters+3)
			}

			var out bytes.Buffer
			if err := Commit(&s, h.Data(), NewStreams(&out, &out)); err != nil {
				t.Fatalf("Commit() error: %v", err)
			}
			if out.String() != seq.String() {
				t.Errorf("output:\n%s\nwant:\n%s", out.String(), seq.String())
			}
			if s.Len() != 0 {
				t.Errorf("Commit() left %d events", s.Len())
			}
		})
	}
}

// TestCommitStreams verifies events reach their streams and buffered writers flush.
func TestCommitStreams(t *testing.T) {
	h := newReduxHeap(t)
	var stdout, stderr, custom bytes.Buffer
	streams := NewStreams(&stdout, &stderr)
	bw := bufio.NewWriter(&custom)
	log := streams.Register(bw)

	var b Buffer
	b.SetIteration(1)
	b.Printf("out")
	b.Fprintf(Stderr, "err")
	b.Fprintf(log, "log")

	var s Set
	s.Reset(1)
	if err := CopyToCheckpoint(&s, 0, b.Events(), h); err != nil {
		t.Fatalf("CopyToCheckpoint() error: %v", err)
	}
	if err := Commit(&s, h.Data(), streams); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if stdout.String() != "out" || stderr.String() != "err" || custom.String() != "log" {
		t.Errorf("stdout=%q stderr=%q custom=%q", stdout.String(), stderr.String(), custom.String())
	}
}

func TestCommitUnknownStream(t *testing.T) {
	h := newReduxHeap(t)
	var b Buffer
	b.Fprintf(Stream(99), "lost")

	var s Set
	s.Reset(1)
	if err := CopyToCheckpoint(&s, 0, b.Events(), h); err != nil {
		t.Fatalf("CopyToCheckpoint() error: %v", err)
	}
	var out bytes.Buffer
	if err := Commit(&s, h.Data(), NewStreams(&out, &out)); err == nil {
		t.Error("Commit() to unknown stream succeeded")
	}
}

func TestCopyToCheckpointRange(t *testing.T) {
	h := newReduxHeap(t)
	var s Set
	s.Reset(2)
	if err := CopyToCheckpoint(&s, 2, nil, h); err == nil {
		t.Error("CopyToCheckpoint() with worker out of range succeeded")
	}
}

// TestHoldRelease verifies held output reaches the writers only when kept.
func TestHoldRelease(t *testing.T) {
	for _, keep := range []bool{true, false} {
		t.Run(fmt.Sprint(keep), func(t *testing.T) {
			h := newReduxHeap(t)
			var stdout, stderr bytes.Buffer
			streams := NewStreams(&stdout, &stderr)
			streams.Hold()

			var b Buffer
			b.Printf("a")
			b.Fprintf(Stderr, "b")
			var s Set
			s.Reset(1)
			if err := CopyToCheckpoint(&s, 0, b.Events(), h); err != nil {
				t.Fatal(err)
			}
			if err := Commit(&s, h.Data(), streams); err != nil {
				t.Fatal(err)
			}
			if stdout.Len() != 0 || stderr.Len() != 0 {
				t.Fatalf("held output leaked: %q %q", stdout.String(), stderr.String())
			}

			if err := streams.Release(keep); err != nil {
				t.Fatalf("Release() error: %v", err)
			}
			want := map[bool][2]string{true: {"a", "b"}, false: {"", ""}}[keep]
			if stdout.String() != want[0] || stderr.String() != want[1] {
				t.Errorf("after Release(%v) = %q, %q, want %q, %q", keep, stdout.String(), stderr.String(), want[0], want[1])
			}
		})
	}
}
