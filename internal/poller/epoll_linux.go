//go:build linux

package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Epoll implements Multiplexer using level-triggered Linux epoll.
// The owner's handle rides in the event's data word (Fd = slot index,
// Pad = generation), never a pointer.
type Epoll struct {
	epfd    int
	handler Handler
	events  []unix.EpollEvent
	n       int
}

// NewEpoll creates an epoll instance dispatching to h.
func NewEpoll(h Handler) (Multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Epoll{epfd: epfd, handler: h}, nil
}

func toEpoll(ev Events) uint32 {
	var out uint32
	if ev&EventRead != 0 {
		out |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func (e *Epoll) event(h Handle) unix.EpollEvent {
	return unix.EpollEvent{
		Events: toEpoll(e.handler.Events(h)),
		Fd:     int32(h.Index()),
		Pad:    int32(h.Gen()),
	}
}

// Register adds the handle's descriptor to the interest list.
func (e *Epoll) Register(h Handle) error {
	ev := e.event(h)
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, e.handler.FD(h), &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	e.n++
	return nil
}

// Deregister removes the handle's descriptor from the interest list.
func (e *Epoll) Deregister(h Handle) error {
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, e.handler.FD(h), nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	e.n--
	return nil
}

// Poll waits for readiness and dispatches read before write for each ready
// descriptor, then re-arms it with the handler's current interest.
func (e *Epoll) Poll(maxEvents, timeoutMS int) error {
	if maxEvents < 1 {
		maxEvents = 1
	}
	if maxEvents > len(e.events) {
		e.events = make([]unix.EpollEvent, maxEvents)
	}

	n, err := unix.EpollWait(e.epfd, e.events[:maxEvents], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := e.events[i]
		h := MakeHandle(uint32(ev.Fd), uint32(ev.Pad))

		// ERR/HUP wake both sides; the handler learns the cause from
		// SO_ERROR or read().
		failed := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		readable := failed || ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0
		writable := failed || ev.Events&unix.EPOLLOUT != 0

		alive := true
		if readable {
			alive = e.handler.OnReadable(h)
		}
		if alive && writable {
			alive = e.handler.OnWritable(h)
		}
		if !alive {
			continue
		}

		mod := e.event(h)
		if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, e.handler.FD(h), &mod); err != nil {
			return fmt.Errorf("epoll ctl mod: %w", err)
		}
	}
	return nil
}

// Len returns the number of registered descriptors.
func (e *Epoll) Len() int { return e.n }

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	return unix.Close(e.epfd)
}
