//go:build linux

package sock

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Unix performs descriptor operations with direct syscalls.
type Unix struct{}

func (Unix) Read(fd int, p []byte) (int, error)  { return unix.Read(fd, p) }
func (Unix) Write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }
func (Unix) Close(fd int) error                  { return unix.Close(fd) }

func (Unix) SockError(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
}

func (Unix) PeerAddr(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ""
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(a.Addr).String()
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(a.Addr).Unmap().String()
	}
	return ""
}

// Dial creates a non-blocking stream socket and starts connecting it to
// host. The returned descriptor is usually still connecting; completion is
// observed as writability followed by SO_ERROR.
func (d *Dialer) Dial(host string) (int, error) {
	addr, err := ParseTarget(host)
	if err != nil {
		return -1, err
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if addr.Is4() {
		sa = &unix.SockaddrInet4{Port: d.Port, Addr: addr.As4()}
	} else {
		family = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: d.Port, Addr: addr.As16()}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", host, err)
	}
	return fd, nil
}

// IsAgain reports whether err means the call would have blocked.
func IsAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}
