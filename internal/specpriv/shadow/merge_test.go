package shadow

import (
	"errors"
	"testing"
)

func newView(n int) View {
	return View{Data: make([]byte, n), Shadow: make([]byte, n)}
}

// TestMergeWorkerLaterWins verifies the later write of two workers wins.
func TestMergeWorkerLaterWins(t *testing.T) {
	partial := newView(32)
	a, b := newView(32), newView(32)

	// Worker a writes byte 5 at window iteration 1, worker b at iteration 3.
	a.Data[5], a.Shadow[5] = 11, 4
	b.Data[5], b.Shadow[5] = 33, 6

	if err := MergeWorker(partial, b, Range{Lo: 5, Hi: 6}); err != nil {
		t.Fatalf("MergeWorker(b) error: %v", err)
	}
	if err := MergeWorker(partial, a, Range{Lo: 5, Hi: 6}); err != nil {
		t.Fatalf("MergeWorker(a) error: %v", err)
	}
	if partial.Data[5] != 33 || partial.Shadow[5] != 6 {
		t.Errorf("partial byte 5 = %d (code %d), want 33 (code 6)", partial.Data[5], partial.Shadow[5])
	}
}

// TestMergeWorkerConflicts verifies read/write conflicts across workers.
func TestMergeWorkerConflicts(t *testing.T) {
	tests := []struct {
		name    string
		ss, ds  byte
		wantErr bool
		want    byte
	}{
		{"read into untouched", ReadLiveIn, LiveIn, false, ReadLiveIn},
		{"read into read", ReadLiveIn, ReadLiveIn, false, ReadLiveIn},
		{"read into written", ReadLiveIn, 5, true, 5},
		{"write into read", 5, ReadLiveIn, true, ReadLiveIn},
		{"earlier write loses", 4, 7, false, 7},
		{"old iteration ignored", OldIteration, LiveIn, false, LiveIn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst, src := newView(8), newView(8)
			src.Shadow[3], dst.Shadow[3] = tt.ss, tt.ds
			err := MergeWorker(dst, src, Range{Lo: 3, Hi: 4})
			if (err != nil) != tt.wantErr {
				t.Fatalf("MergeWorker() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && dst.Shadow[3] != tt.want {
				t.Errorf("dst code = %d, want %d", dst.Shadow[3], tt.want)
			}
		})
	}
}

// TestMergeCommitted verifies older writes fill gaps and contradict newer live-in reads.
func TestMergeCommitted(t *testing.T) {
	older, newer := newView(16), newView(16)
	older.Data[0], older.Shadow[0] = 1, 5
	older.Data[1], older.Shadow[1] = 2, OldIteration
	older.Data[2], older.Shadow[2] = 3, 5
	newer.Data[2], newer.Shadow[2] = 9, 4

	if err := MergeCommitted(newer, older, Range{Lo: 0, Hi: 3}); err != nil {
		t.Fatalf("MergeCommitted() error: %v", err)
	}
	if newer.Data[0] != 1 || newer.Shadow[0] != OldIteration {
		t.Errorf("byte 0 = %d code %d, want 1 old", newer.Data[0], newer.Shadow[0])
	}
	if newer.Data[1] != 2 || newer.Shadow[1] != OldIteration {
		t.Errorf("old-iteration byte not propagated: %d code %d", newer.Data[1], newer.Shadow[1])
	}
	if newer.Data[2] != 9 {
		t.Errorf("newer write overwritten: %d", newer.Data[2])
	}

	newer.Shadow[7] = ReadLiveIn
	older.Shadow[7] = 3
	err := MergeCommitted(newer, older, Range{Lo: 7, Hi: 8})
	var v *Violation
	if !errors.As(err, &v) || v.Offset != 7 {
		t.Errorf("MergeCommitted() error = %v, want violation at 7", err)
	}
}

// TestMergeIntoMain verifies only written bytes reach main.
func TestMergeIntoMain(t *testing.T) {
	main := []byte{10, 20, 30, 40}
	ck := View{Data: []byte{1, 2, 3, 4}, Shadow: []byte{LiveIn, ReadLiveIn, OldIteration, 9}}
	MergeIntoMain(main, ck, Range{Lo: 0, Hi: 4})
	want := []byte{10, 20, 3, 4}
	for i := range want {
		if main[i] != want[i] {
			t.Errorf("main[%d] = %d, want %d", i, main[i], want[i])
		}
	}
}

// TestMergeSkipsLiveWords verifies words of live-in shadow are skipped and tails
// shorter than a word are handled.
func TestMergeSkipsLiveWords(t *testing.T) {
	dst, src := newView(13), newView(13)
	src.Data[12], src.Shadow[12] = 77, 3
	src.Data[1] = 55 // live-in, must not move
	if err := MergeWorker(dst, src, Range{Lo: 0, Hi: 13}); err != nil {
		t.Fatalf("MergeWorker() error: %v", err)
	}
	if dst.Data[12] != 77 || dst.Data[1] != 0 {
		t.Errorf("dst = %v", dst.Data)
	}
}

func TestMergeUnchecked(t *testing.T) {
	partial, w := newView(8), newView(8)
	w.Data[0], w.Shadow[0] = 5, 4
	partial.Shadow[0] = ReadLiveIn // never produced for killable heaps; ignored
	MergeWorkerUnchecked(partial, w, Range{Lo: 0, Hi: 1})
	if partial.Data[0] != 5 {
		t.Errorf("unchecked worker merge dropped write")
	}

	newer := newView(8)
	MergeCommittedUnchecked(newer, partial, Range{Lo: 0, Hi: 1})
	if newer.Data[0] != 5 || newer.Shadow[0] != OldIteration {
		t.Errorf("unchecked committed merge = %d code %d", newer.Data[0], newer.Shadow[0])
	}
}

func TestMergeDiff(t *testing.T) {
	base := []byte{1, 2, 3, 4}
	data := []byte{1, 9, 3, 8}
	dst := newView(4)
	MergeDiff(dst, data, base, Range{Lo: 0, Hi: 4})
	if dst.Data[1] != 9 || dst.Data[3] != 8 || dst.Shadow[0] != LiveIn || dst.Shadow[1] != OldIteration {
		t.Errorf("MergeDiff() dst = %v shadow %v", dst.Data, dst.Shadow)
	}
}
