package pool

import "rs_grab/internal/poller"

// slab is a growable array of entries with a LIFO free list of slot indices.
// Each slot carries a generation that is bumped on release, so a handle
// minted for an earlier occupant no longer resolves.
type slab struct {
	entries []Entry
	free    []uint32
}

func newSlab(capacity int) *slab {
	return &slab{entries: make([]Entry, 0, capacity)}
}

// alloc returns a free slot, growing the backing array when none is left.
func (s *slab) alloc() (uint32, *Entry) {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		return idx, &s.entries[idx]
	}
	s.entries = append(s.entries, Entry{})
	idx := uint32(len(s.entries) - 1)
	return idx, &s.entries[idx]
}

// get resolves a handle, or returns nil for a stale or out-of-range one.
func (s *slab) get(h poller.Handle) *Entry {
	idx := h.Index()
	if int(idx) >= len(s.entries) {
		return nil
	}
	e := &s.entries[idx]
	if e.gen != h.Gen() || e.Phase == Closed {
		return nil
	}
	return e
}

// release clears the slot and returns it to the free list.
func (s *slab) release(idx uint32) {
	if int(idx) >= len(s.entries) {
		return
	}
	gen := s.entries[idx].gen + 1
	s.entries[idx] = Entry{Phase: Closed, gen: gen, activeIdx: -1}
	s.free = append(s.free, idx)
}

// live returns the number of occupied slots.
func (s *slab) live() int {
	return len(s.entries) - len(s.free)
}
