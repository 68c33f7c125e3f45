// Package sock wraps the raw descriptor calls the connection pool needs.
// Descriptors are plain ints owned by the caller; nothing here buffers.
package sock

import (
	"errors"
	"fmt"
	"net/netip"
)

// Ops is the set of descriptor operations the pool performs on a connection.
type Ops interface {
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	// SockError returns the pending SO_ERROR value (0 means connected).
	SockError(fd int) (int, error)
	// PeerAddr returns the remote IP as text, or "" if unavailable.
	PeerAddr(fd int) string
	Close(fd int) error
}

// ErrNotLiteral is returned when a target is not a numeric IP address.
var ErrNotLiteral = errors.New("sock: target is not an IP literal")

// ParseTarget parses a numeric IPv4 or IPv6 address. Host names are rejected
// so a dial never blocks on resolution.
func ParseTarget(host string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrNotLiteral, host)
	}
	return addr.Unmap(), nil
}

// Dialer issues non-blocking connects to a fixed port.
type Dialer struct {
	Port int
}

// NewDialer returns a dialer for port.
func NewDialer(port int) *Dialer {
	return &Dialer{Port: port}
}
