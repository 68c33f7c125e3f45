// Package pool owns in-flight connections: it registers them with a
// readiness multiplexer, advances each through Connecting, Connected and
// Closed, and reports what a connected peer sent when the connection ends.
//
// A Pool is driven by a single goroutine. Only Stats is safe to call
// concurrently.
package pool

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"rs_grab/internal/negotiate"
	"rs_grab/internal/obs"
	"rs_grab/internal/poller"
	"rs_grab/internal/sock"
)

// Phase is the lifecycle state of an entry.
type Phase uint8

const (
	Connecting Phase = iota
	Connected
	Closed
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "closed"
}

// Entry is one tracked connection.
type Entry struct {
	FD         int
	CreatedAt  time.Time
	Phase      Phase
	Peer       string
	Text       []byte
	Negotiator negotiate.Negotiator

	// unsent tail of a partially written negotiator chunk
	pending []byte

	gen       uint32
	activeIdx int
}

// ResultFunc receives the peer address and captured text of a connection
// that reached Connected. text is owned by the callee.
type ResultFunc func(peer string, text []byte)

// Config wires a Pool to its collaborators.
type Config struct {
	Ops      sock.Ops
	NewMux   poller.Factory
	Provider negotiate.Provider
	OnResult ResultFunc
	Now      func() time.Time
	// ReadBufSize is the per-read buffer size (default 4096).
	ReadBufSize int
	// MaxCapture caps the bytes kept per connection; 0 keeps everything.
	MaxCapture int
}

// Stats are cumulative counters plus the current entry count.
type Stats struct {
	Admitted  uint64
	Connected uint64
	Results   uint64
	Expired   uint64
	Active    int64
}

// Pool is the connection state machine over a slab of entries.
type Pool struct {
	cfg    Config
	mux    poller.Multiplexer
	slab   *slab
	active []uint32
	buf    []byte
	fatal  error

	admitted  atomic.Uint64
	connected atomic.Uint64
	results   atomic.Uint64
	expired   atomic.Uint64
	size      atomic.Int64
}

// New builds a pool and its multiplexer.
func New(cfg Config) (*Pool, error) {
	if cfg.Ops == nil {
		return nil, errors.New("pool: nil descriptor ops")
	}
	if cfg.NewMux == nil {
		cfg.NewMux = poller.NewEpoll
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReadBufSize <= 0 {
		cfg.ReadBufSize = 4096
	}
	if cfg.OnResult == nil {
		cfg.OnResult = func(string, []byte) {}
	}

	p := &Pool{
		cfg:  cfg,
		slab: newSlab(64),
		buf:  make([]byte, cfg.ReadBufSize),
	}
	mux, err := cfg.NewMux(p)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	p.mux = mux
	return p, nil
}

// Admit starts tracking a descriptor whose non-blocking connect is in
// flight. On failure the descriptor is closed and the error is fatal.
func (p *Pool) Admit(fd int) error {
	idx, e := p.slab.alloc()
	*e = Entry{
		FD:        fd,
		CreatedAt: p.cfg.Now(),
		Phase:     Connecting,
		gen:       e.gen,
		activeIdx: len(p.active),
	}
	p.active = append(p.active, idx)
	h := poller.MakeHandle(idx, e.gen)

	if err := p.mux.Register(h); err != nil {
		p.unlink(idx, e)
		p.cfg.Ops.Close(fd)
		return fmt.Errorf("register fd %d: %w", fd, err)
	}

	p.admitted.Add(1)
	p.size.Store(int64(len(p.active)))
	obs.AdmittedTotal.Inc()
	obs.ActiveConnections.Set(float64(len(p.active)))
	return nil
}

// DriveOnce waits up to timeoutMS for readiness and runs the resulting
// transitions. It returns at once when the pool is empty.
func (p *Pool) DriveOnce(timeoutMS int) error {
	if len(p.active) == 0 {
		return nil
	}
	if err := p.mux.Poll(len(p.active), timeoutMS); err != nil {
		return err
	}
	return p.takeFatal()
}

// SweepExpired closes every entry whose age is at least ttl, reporting
// those that had connected. It returns the number closed.
func (p *Pool) SweepExpired(now time.Time, ttl time.Duration) (int, error) {
	n := 0
	// Walk backwards so swap-removal only moves already visited slots.
	for i := len(p.active) - 1; i >= 0; i-- {
		idx := p.active[i]
		e := &p.slab.entries[idx]
		if now.Sub(e.CreatedAt) < ttl {
			continue
		}
		p.teardown(poller.MakeHandle(idx, e.gen), e)
		n++
	}
	if n > 0 {
		p.expired.Add(uint64(n))
		obs.ExpiredTotal.Add(float64(n))
	}
	return n, p.takeFatal()
}

// Size is the number of live entries.
func (p *Pool) Size() int { return len(p.active) }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Admitted:  p.admitted.Load(),
		Connected: p.connected.Load(),
		Results:   p.results.Load(),
		Expired:   p.expired.Load(),
		Active:    p.size.Load(),
	}
}

// Close drops every remaining entry without reporting and releases the
// multiplexer.
func (p *Pool) Close() error {
	for len(p.active) > 0 {
		idx := p.active[len(p.active)-1]
		e := &p.slab.entries[idx]
		p.mux.Deregister(poller.MakeHandle(idx, e.gen))
		p.cfg.Ops.Close(e.FD)
		p.unlink(idx, e)
	}
	p.size.Store(0)
	obs.ActiveConnections.Set(0)
	return p.mux.Close()
}

// FD implements poller.Handler.
func (p *Pool) FD(h poller.Handle) int {
	if e := p.slab.get(h); e != nil {
		return e.FD
	}
	return -1
}

// Events implements poller.Handler. Connecting entries wait for
// writability; connected ones read, and also write while a reply is queued.
func (p *Pool) Events(h poller.Handle) poller.Events {
	e := p.slab.get(h)
	if e == nil {
		return 0
	}
	if e.Phase == Connecting {
		return poller.EventWrite
	}
	ev := poller.EventRead
	if len(e.pending) > 0 || (e.Negotiator != nil && e.Negotiator.HasPendingWrites()) {
		ev |= poller.EventWrite
	}
	return ev
}

// OnReadable implements poller.Handler.
func (p *Pool) OnReadable(h poller.Handle) bool {
	e := p.slab.get(h)
	if e == nil {
		return false
	}
	if e.Phase != Connected {
		return true
	}

	n, err := p.cfg.Ops.Read(e.FD, p.buf)
	if err != nil && sock.IsAgain(err) {
		return true
	}
	if err != nil || n <= 0 {
		p.teardown(h, e)
		return false
	}
	p.capture(e, p.buf[:n])
	return true
}

// OnWritable implements poller.Handler.
func (p *Pool) OnWritable(h poller.Handle) bool {
	e := p.slab.get(h)
	if e == nil {
		return false
	}

	if e.Phase == Connecting {
		code, err := p.cfg.Ops.SockError(e.FD)
		if err != nil || code != 0 {
			p.teardown(h, e)
			return false
		}
		e.Phase = Connected
		e.Peer = p.cfg.Ops.PeerAddr(e.FD)
		if p.cfg.Provider != nil {
			e.Negotiator = p.cfg.Provider.Provide(e.FD)
		}
		p.connected.Add(1)
		obs.ConnectedTotal.Inc()
		return true
	}

	chunk := e.pending
	if len(chunk) == 0 && e.Negotiator != nil && e.Negotiator.HasPendingWrites() {
		chunk = e.Negotiator.NextPendingWrite()
	}
	if len(chunk) == 0 {
		return true
	}

	n, err := p.cfg.Ops.Write(e.FD, chunk)
	if err != nil && sock.IsAgain(err) {
		e.pending = chunk
		return true
	}
	if err != nil || n <= 0 {
		p.teardown(h, e)
		return false
	}
	if n < len(chunk) {
		e.pending = chunk[n:]
	} else {
		e.pending = nil
	}
	return true
}

// capture appends inbound bytes to the entry's text. Without a negotiator
// NUL bytes are dropped.
func (p *Pool) capture(e *Entry, data []byte) {
	var text []byte
	if e.Negotiator != nil {
		text = e.Negotiator.Consume(data)
	} else {
		text = make([]byte, 0, len(data))
		for _, b := range data {
			if b != 0 {
				text = append(text, b)
			}
		}
	}
	p.appendText(e, text)
}

// appendText adds text to the entry, honouring MaxCapture.
func (p *Pool) appendText(e *Entry, text []byte) {
	if limit := p.cfg.MaxCapture; limit > 0 {
		room := limit - len(e.Text)
		if room <= 0 {
			return
		}
		if len(text) > room {
			text = text[:room]
		}
	}
	e.Text = append(e.Text, text...)
}

// teardown ends an entry: report if it had connected, deregister, close
// the descriptor, free the slot.
func (p *Pool) teardown(h poller.Handle, e *Entry) {
	idx := h.Index()
	if e.Phase == Connected {
		if f, ok := e.Negotiator.(negotiate.Flusher); ok {
			p.appendText(e, f.Flush())
		}
		p.results.Add(1)
		obs.ResultsTotal.Inc()
		p.cfg.OnResult(e.Peer, e.Text)
	}
	if err := p.mux.Deregister(h); err != nil && p.fatal == nil {
		p.fatal = fmt.Errorf("deregister fd %d: %w", e.FD, err)
	}
	p.cfg.Ops.Close(e.FD)
	obs.ConnDurationSeconds.Observe(p.cfg.Now().Sub(e.CreatedAt).Seconds())
	p.unlink(idx, e)
	p.size.Store(int64(len(p.active)))
	obs.ActiveConnections.Set(float64(len(p.active)))
}

// unlink swap-removes the entry from the active list and frees its slot.
func (p *Pool) unlink(idx uint32, e *Entry) {
	i := e.activeIdx
	last := len(p.active) - 1
	if i >= 0 && i <= last {
		moved := p.active[last]
		p.active[i] = moved
		p.slab.entries[moved].activeIdx = i
		p.active = p.active[:last]
	}
	p.slab.release(idx)
}

func (p *Pool) takeFatal() error {
	err := p.fatal
	p.fatal = nil
	return err
}
