// Package simnet is a deterministic in-memory network for exercising the
// connection pool and driver without sockets or wall-clock time.
//
// A Network plays the dialer, the descriptor ops and the multiplexer.
// Hosts are scripted with connect, data and close times relative to the
// dial; Poll advances the shared Clock to the next scripted event instead
// of blocking.
package simnet

import (
	"fmt"
	"syscall"
	"time"

	"rs_grab/internal/poller"
	"rs_grab/internal/sock"
)

// Clock is a manually advanced clock.
type Clock struct {
	now time.Time
}

// NewClock returns a clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time        { return c.now }
func (c *Clock) Sleep(d time.Duration) { c.Advance(d) }

// Advance moves the clock forward; negative durations are ignored.
func (c *Clock) Advance(d time.Duration) {
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

// Chunk is data the peer sends At after the connection completes.
type Chunk struct {
	At   time.Duration
	Data []byte
}

// Host scripts one peer. Negative durations mean never.
type Host struct {
	// ConnectAfter is when the handshake completes (or is refused).
	ConnectAfter time.Duration
	Refuse       bool
	Chunks       []Chunk
	// CloseAfter is when the peer closes, measured from connect. Pending
	// chunks are still delivered first.
	CloseAfter time.Duration
	// Reset makes the close an RST: reads fail instead of returning 0.
	Reset bool
	// WriteMax caps bytes accepted per write; 0 accepts everything.
	WriteMax int
}

// Blackhole never completes the handshake.
var Blackhole = Host{ConnectAfter: -1, CloseAfter: -1}

type conn struct {
	addr     string
	host     Host
	dialedAt time.Time
	chunk    int
	off      int
	closed   bool
	written  []byte
}

// Network is the simulated world.
type Network struct {
	Clock *Clock
	// DialErr makes Dial fail synchronously for the given target.
	DialErr map[string]error

	hosts  map[string]Host
	conns  map[int]*conn
	nextFD int
	mux    *Mux

	Dials  []string
	Closes int
}

// New returns an empty network on clock.
func New(clock *Clock) *Network {
	return &Network{
		Clock:   clock,
		DialErr: make(map[string]error),
		hosts:   make(map[string]Host),
		conns:   make(map[int]*conn),
		nextFD:  3,
	}
}

// AddHost scripts the peer at addr. Unknown addresses behave as Blackhole.
func (n *Network) AddHost(addr string, h Host) {
	n.hosts[addr] = h
}

// Dial implements the driver's dialer.
func (n *Network) Dial(target string) (int, error) {
	if err, ok := n.DialErr[target]; ok {
		return -1, err
	}
	if _, err := sock.ParseTarget(target); err != nil {
		return -1, err
	}
	h, ok := n.hosts[target]
	if !ok {
		h = Blackhole
	}
	fd := n.nextFD
	n.nextFD++
	n.conns[fd] = &conn{addr: target, host: h, dialedAt: n.Clock.Now()}
	n.Dials = append(n.Dials, target)
	return fd, nil
}

// Written returns the bytes the client wrote to the connection on fd.
func (n *Network) Written(fd int) []byte {
	if c, ok := n.conns[fd]; ok {
		return c.written
	}
	return nil
}

// Open is the number of descriptors not yet closed.
func (n *Network) Open() int {
	open := 0
	for _, c := range n.conns {
		if !c.closed {
			open++
		}
	}
	return open
}

// Mux returns the multiplexer built by NewMux, if any.
func (n *Network) Mux() *Mux { return n.mux }

func (n *Network) lookup(fd int) (*conn, error) {
	c, ok := n.conns[fd]
	if !ok || c.closed {
		return nil, syscall.EBADF
	}
	return c, nil
}

// connectAt is the absolute handshake time, ok=false if it never happens.
func (c *conn) connectAt() (time.Time, bool) {
	if c.host.ConnectAfter < 0 {
		return time.Time{}, false
	}
	return c.dialedAt.Add(c.host.ConnectAfter), true
}

func (c *conn) connected(now time.Time) bool {
	at, ok := c.connectAt()
	return ok && !c.host.Refuse && !now.Before(at)
}

func (c *conn) refused(now time.Time) bool {
	at, ok := c.connectAt()
	return ok && c.host.Refuse && !now.Before(at)
}

// buffered reports whether a delivered chunk has unread bytes.
func (c *conn) buffered(now time.Time) bool {
	if !c.connected(now) || c.chunk >= len(c.host.Chunks) {
		return false
	}
	at, _ := c.connectAt()
	return !now.Before(at.Add(c.host.Chunks[c.chunk].At))
}

func (c *conn) peerClosed(now time.Time) bool {
	if !c.connected(now) || c.host.CloseAfter < 0 || c.chunk < len(c.host.Chunks) {
		return false
	}
	at, _ := c.connectAt()
	return !now.Before(at.Add(c.host.CloseAfter))
}

// nextEvent is the earliest scripted time after now, ok=false if none.
func (c *conn) nextEvent(now time.Time) (time.Time, bool) {
	at, ok := c.connectAt()
	if !ok {
		return time.Time{}, false
	}
	if now.Before(at) {
		return at, true
	}
	if c.host.Refuse {
		return time.Time{}, false
	}
	if c.chunk < len(c.host.Chunks) {
		t := at.Add(c.host.Chunks[c.chunk].At)
		return t, t.After(now)
	}
	if c.host.CloseAfter >= 0 {
		t := at.Add(c.host.CloseAfter)
		return t, t.After(now)
	}
	return time.Time{}, false
}

// Read implements sock.Ops.
func (n *Network) Read(fd int, p []byte) (int, error) {
	c, err := n.lookup(fd)
	if err != nil {
		return -1, err
	}
	now := n.Clock.Now()
	if c.refused(now) {
		return -1, syscall.ECONNREFUSED
	}
	if c.buffered(now) {
		data := c.host.Chunks[c.chunk].Data[c.off:]
		k := copy(p, data)
		c.off += k
		if c.off >= len(c.host.Chunks[c.chunk].Data) {
			c.chunk++
			c.off = 0
		}
		return k, nil
	}
	if c.peerClosed(now) {
		if c.host.Reset {
			return -1, syscall.ECONNRESET
		}
		return 0, nil
	}
	return -1, syscall.EAGAIN
}

// Write implements sock.Ops.
func (n *Network) Write(fd int, p []byte) (int, error) {
	c, err := n.lookup(fd)
	if err != nil {
		return -1, err
	}
	now := n.Clock.Now()
	if !c.connected(now) {
		return -1, syscall.ENOTCONN
	}
	if c.peerClosed(now) && c.host.Reset {
		return -1, syscall.EPIPE
	}
	k := len(p)
	if c.host.WriteMax > 0 && k > c.host.WriteMax {
		k = c.host.WriteMax
	}
	c.written = append(c.written, p[:k]...)
	return k, nil
}

// SockError implements sock.Ops.
func (n *Network) SockError(fd int) (int, error) {
	c, err := n.lookup(fd)
	if err != nil {
		return -1, err
	}
	now := n.Clock.Now()
	switch {
	case c.refused(now):
		return int(syscall.ECONNREFUSED), nil
	case c.connected(now):
		return 0, nil
	}
	return int(syscall.EINPROGRESS), nil
}

// PeerAddr implements sock.Ops.
func (n *Network) PeerAddr(fd int) string {
	if c, err := n.lookup(fd); err == nil && c.connected(n.Clock.Now()) {
		return c.addr
	}
	return ""
}

// Close implements sock.Ops. Closing twice fails with EBADF.
func (n *Network) Close(fd int) error {
	c, err := n.lookup(fd)
	if err != nil {
		return err
	}
	if n.mux != nil {
		if _, ok := n.mux.byFD[fd]; ok {
			return fmt.Errorf("close fd %d while still registered", fd)
		}
	}
	c.closed = true
	n.Closes++
	return nil
}

// NewMux implements poller.Factory.
func (n *Network) NewMux(h poller.Handler) (poller.Multiplexer, error) {
	n.mux = &Mux{net: n, handler: h, byFD: make(map[int]poller.Handle)}
	return n.mux, nil
}

// Mux is a level-triggered multiplexer over the simulated connections.
// Registration order is dispatch order.
type Mux struct {
	net     *Network
	handler poller.Handler
	order   []poller.Handle
	byFD    map[int]poller.Handle

	Polls int
	// CloseErr is returned by Close.
	CloseErr error
}

func (m *Mux) Register(h poller.Handle) error {
	fd := m.handler.FD(h)
	if _, err := m.net.lookup(fd); err != nil {
		return err
	}
	if _, ok := m.byFD[fd]; ok {
		return syscall.EEXIST
	}
	m.byFD[fd] = h
	m.order = append(m.order, h)
	return nil
}

func (m *Mux) Deregister(h poller.Handle) error {
	fd := m.handler.FD(h)
	got, ok := m.byFD[fd]
	if !ok || got != h {
		return syscall.ENOENT
	}
	delete(m.byFD, fd)
	for i, o := range m.order {
		if o == h {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Mux) Len() int     { return len(m.byFD) }
func (m *Mux) Close() error { return m.CloseErr }

type readiness struct {
	h               poller.Handle
	readable, write bool
}

func (m *Mux) ready() []readiness {
	now := m.net.Clock.Now()
	var out []readiness
	for _, h := range m.order {
		c := m.net.conns[m.handler.FD(h)]
		if c == nil {
			continue
		}
		if c.refused(now) {
			out = append(out, readiness{h, true, true})
			continue
		}
		ev := m.handler.Events(h)
		r := ev&poller.EventRead != 0 && (c.buffered(now) || c.peerClosed(now))
		w := ev&poller.EventWrite != 0 && c.connected(now)
		if r || w {
			out = append(out, readiness{h, r, w})
		}
	}
	return out
}

// Poll dispatches ready handles. With nothing ready it advances the clock
// to the next scripted event, or by the full timeout if that comes first.
func (m *Mux) Poll(maxEvents, timeoutMS int) error {
	m.Polls++
	ready := m.ready()
	if len(ready) == 0 && timeoutMS != 0 {
		now := m.net.Clock.Now()
		var next time.Time
		found := false
		for _, h := range m.order {
			c := m.net.conns[m.handler.FD(h)]
			if c == nil {
				continue
			}
			if t, ok := c.nextEvent(now); ok && (!found || t.Before(next)) {
				next, found = t, true
			}
		}
		if timeoutMS > 0 {
			limit := now.Add(time.Duration(timeoutMS) * time.Millisecond)
			if !found || limit.Before(next) {
				next, found = limit, true
			}
		}
		if found {
			m.net.Clock.Advance(next.Sub(now))
		}
		ready = m.ready()
	}

	if maxEvents > 0 && len(ready) > maxEvents {
		ready = ready[:maxEvents]
	}
	for _, r := range ready {
		alive := true
		if r.readable {
			alive = m.handler.OnReadable(r.h)
		}
		if alive && r.write {
			m.handler.OnWritable(r.h)
		}
	}
	return nil
}
