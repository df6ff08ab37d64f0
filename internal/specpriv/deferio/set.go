package deferio

import (
	"encoding/binary"
	"fmt"

	"github.com/kolkov/specpriv/internal/specpriv/heap"
)

// recordSize is the encoded size of one event record:
// iteration (8), stream (4), length (4), payload address (8).
const recordSize = 24

// list locates one worker's relocated events.
type list struct {
	addr heap.Addr
	n    int
}

// Set holds the relocated event lists of one checkpoint, one per worker.
type Set struct {
	lists []list
}

// Reset prepares the set for workers contributors.
func (s *Set) Reset(workers int) {
	if cap(s.lists) < workers {
		s.lists = make([]list, workers)
	}
	s.lists = s.lists[:workers]
	clear(s.lists)
}

// Len returns the number of relocated events.
func (s *Set) Len() int {
	n := 0
	for _, l := range s.lists {
		n += l.n
	}
	return n
}

// CopyToCheckpoint relocates the events of worker wid into the redux heap h: the
// payloads first, then the event records. The set remembers where the list lives.
func CopyToCheckpoint(s *Set, wid int, events []Event, h *heap.MappedHeap) error {
	if wid < 0 || wid >= len(s.lists) {
		return fmt.Errorf("copy io to checkpoint: worker %d out of range", wid)
	}
	if len(events) == 0 {
		s.lists[wid] = list{}
		return nil
	}

	payload := make([]heap.Addr, len(events))
	for i, e := range events {
		a, err := h.Alloc(uint64(len(e.Data)))
		if err != nil {
			return fmt.Errorf("copy io payload of worker %d: %w", wid, err)
		}
		copy(h.Bytes(a, uint64(len(e.Data))), e.Data)
		payload[i] = a
	}

	recs, err := h.Alloc(uint64(len(events)) * recordSize)
	if err != nil {
		return fmt.Errorf("copy io events of worker %d: %w", wid, err)
	}
	buf := h.Bytes(recs, uint64(len(events))*recordSize)
	for i, e := range events {
		r := buf[i*recordSize:]
		binary.NativeEndian.PutUint64(r[0:], uint64(e.Iter))
		binary.NativeEndian.PutUint32(r[8:], uint32(e.Stream))
		binary.NativeEndian.PutUint32(r[12:], uint32(len(e.Data)))
		binary.NativeEndian.PutUint64(r[16:], uint64(payload[i]))
	}
	s.lists[wid] = list{addr: recs, n: len(events)}
	return nil
}

// cursor walks one relocated list.
type cursor struct {
	recs []byte
	n    int
	pos  int
}

func (c *cursor) done() bool { return c.pos >= c.n }

func (c *cursor) iter() int64 {
	return int64(binary.NativeEndian.Uint64(c.recs[c.pos*recordSize:]))
}

func (c *cursor) event(h []byte) (Stream, []byte) {
	r := c.recs[c.pos*recordSize:]
	s := Stream(binary.NativeEndian.Uint32(r[8:]))
	n := uint64(binary.NativeEndian.Uint32(r[12:]))
	off := heap.Addr(binary.NativeEndian.Uint64(r[16:])).Offset()
	return s, h[off : off+n]
}

// Commit replays every event of s in iteration order and clears the set. h is the
// view of the redux heap the events were relocated into.
//
// Each step picks the worker whose next event has the lowest iteration and issues
// that worker's whole run of events for that iteration, preserving issue order
// within an iteration.
func Commit(s *Set, h []byte, streams *Streams) error {
	defer func() { clear(s.lists) }()

	curs := make([]cursor, 0, len(s.lists))
	for _, l := range s.lists {
		if l.n == 0 {
			continue
		}
		off := l.addr.Offset()
		curs = append(curs, cursor{recs: h[off : off+uint64(l.n)*recordSize], n: l.n})
	}

	for {
		best := -1
		for i := range curs {
			if curs[i].done() {
				continue
			}
			if best < 0 || curs[i].iter() < curs[best].iter() {
				best = i
			}
		}
		if best < 0 {
			break
		}

		c := &curs[best]
		iter := c.iter()
		for !c.done() && c.iter() == iter {
			st, p := c.event(h)
			w, err := streams.Writer(st)
			if err != nil {
				return fmt.Errorf("commit io of iteration %d: %w", iter, err)
			}
			if _, err := w.Write(p); err != nil {
				return fmt.Errorf("commit io of iteration %d to stream %d: %w", iter, st, err)
			}
			c.pos++
		}
	}
	return streams.flush()
}
