//go:build linux

package poller

import (
	"testing"

	"golang.org/x/sys/unix"
)

type testEntry struct {
	fd     int
	events Events
	reads  int
	writes int
	// drop makes the next read callback report the entry as gone.
	drop bool
}

type testHandler struct {
	entries map[Handle]*testEntry
	order   []string
}

func (h *testHandler) FD(hd Handle) int         { return h.entries[hd].fd }
func (h *testHandler) Events(hd Handle) Events  { return h.entries[hd].events }
func (h *testHandler) OnReadable(hd Handle) bool {
	e := h.entries[hd]
	e.reads++
	h.order = append(h.order, "r")
	var buf [64]byte
	unix.Read(e.fd, buf[:])
	return !e.drop
}
func (h *testHandler) OnWritable(hd Handle) bool {
	e := h.entries[hd]
	e.writes++
	h.order = append(h.order, "w")
	return true
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestPoller(t *testing.T) (*testHandler, Multiplexer) {
	t.Helper()
	th := &testHandler{entries: make(map[Handle]*testEntry)}
	mux, err := NewEpoll(th)
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	t.Cleanup(func() { mux.Close() })
	return th, mux
}

func TestHandlePacking(t *testing.T) {
	h := MakeHandle(7, 3)
	if h.Index() != 7 || h.Gen() != 3 {
		t.Fatalf("got idx=%d gen=%d, want 7/3", h.Index(), h.Gen())
	}
}

func TestEpollReadBeforeWrite(t *testing.T) {
	th, mux := newTestPoller(t)
	a, b := socketPair(t)

	h := MakeHandle(0, 1)
	th.entries[h] = &testEntry{fd: a, events: EventRead | EventWrite}
	if err := mux.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if mux.Len() != 1 {
		t.Fatalf("Len = %d, want 1", mux.Len())
	}

	unix.Write(b, []byte("x"))
	if err := mux.Poll(8, 100); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(th.order) != 2 || th.order[0] != "r" || th.order[1] != "w" {
		t.Fatalf("callback order = %v, want [r w]", th.order)
	}
}

func TestEpollRearmsWithCurrentInterest(t *testing.T) {
	th, mux := newTestPoller(t)
	a, _ := socketPair(t)

	h := MakeHandle(2, 5)
	e := &testEntry{fd: a, events: EventWrite}
	th.entries[h] = e
	if err := mux.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mux.Poll(8, 100); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if e.writes != 1 {
		t.Fatalf("writes = %d, want 1", e.writes)
	}

	// Interest flips to read-only: a writable socket with no data must stay quiet.
	e.events = EventRead
	if err := mux.Poll(8, 100); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := mux.Poll(8, 20); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if e.writes != 2 {
		t.Fatalf("writes = %d, want 2 (re-arm should drop write interest)", e.writes)
	}
}

func TestEpollDroppedEntrySkipsWrite(t *testing.T) {
	th, mux := newTestPoller(t)
	a, b := socketPair(t)

	h := MakeHandle(1, 1)
	e := &testEntry{fd: a, events: EventRead | EventWrite, drop: true}
	th.entries[h] = e
	if err := mux.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	unix.Write(b, []byte("bye"))

	// The handler "tears down" in the read callback; deregister as an owner would.
	if err := mux.Poll(8, 100); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if e.writes != 0 {
		t.Fatalf("write callback ran after entry was dropped")
	}
	if err := mux.Deregister(h); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if mux.Len() != 0 {
		t.Fatalf("Len = %d, want 0", mux.Len())
	}
}

func TestEpollPollTimeoutNoEvents(t *testing.T) {
	_, mux := newTestPoller(t)
	if err := mux.Poll(4, 10); err != nil {
		t.Fatalf("Poll on empty set: %v", err)
	}
}

func TestEpollRegisterBadFD(t *testing.T) {
	th, mux := newTestPoller(t)
	h := MakeHandle(0, 1)
	th.entries[h] = &testEntry{fd: -1, events: EventRead}
	if err := mux.Register(h); err == nil {
		t.Fatal("expected error registering invalid descriptor")
	}
	if mux.Len() != 0 {
		t.Fatalf("Len = %d after failed register", mux.Len())
	}
}
