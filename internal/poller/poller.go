// Package poller is a thin readiness multiplexer over the OS polling facility.
// It knows nothing about connections: owners describe each registered
// descriptor through a Handler and are called back when it becomes ready.
package poller

import "errors"

// Events is a set of readiness interests.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
)

// Handle identifies a registered entry in its owner's slab.
// The low 32 bits are the slot index, the high 32 bits the slot generation.
type Handle uint64

// MakeHandle packs a slot index and generation.
func MakeHandle(idx, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx))
}

// Index returns the slot index.
func (h Handle) Index() uint32 { return uint32(h) }

// Gen returns the slot generation.
func (h Handle) Gen() uint32 { return uint32(h >> 32) }

// Handler is implemented by the owner of registered entries.
//
// OnReadable and OnWritable return false when the entry was torn down during
// the callback; the multiplexer then forgets the handle without touching the
// descriptor again.
type Handler interface {
	FD(h Handle) int
	Events(h Handle) Events
	OnReadable(h Handle) bool
	OnWritable(h Handle) bool
}

// Multiplexer delivers readiness notifications for registered handles.
type Multiplexer interface {
	// Register adds the handle's descriptor with its current desired events.
	Register(h Handle) error
	// Deregister removes the handle's descriptor. Callers must not
	// deregister the same handle twice.
	Deregister(h Handle) error
	// Poll waits up to timeoutMS for readiness and dispatches callbacks.
	// An interrupted wait returns nil early.
	Poll(maxEvents, timeoutMS int) error
	// Len is the number of currently registered descriptors.
	Len() int
	Close() error
}

// Factory builds a multiplexer bound to a handler.
type Factory func(h Handler) (Multiplexer, error)

// ErrNotSupported is returned on platforms without an epoll implementation.
var ErrNotSupported = errors.New("poller: not supported on this platform")
