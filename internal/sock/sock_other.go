//go:build !linux

package sock

import (
	"errors"
	"syscall"
)

var errUnsupported = errors.New("sock: not supported on this platform")

// Unix is unavailable outside Linux.
type Unix struct{}

func (Unix) Read(int, []byte) (int, error)  { return -1, errUnsupported }
func (Unix) Write(int, []byte) (int, error) { return -1, errUnsupported }
func (Unix) Close(int) error                { return errUnsupported }
func (Unix) SockError(int) (int, error)     { return -1, errUnsupported }
func (Unix) PeerAddr(int) string            { return "" }

func (d *Dialer) Dial(host string) (int, error) {
	if _, err := ParseTarget(host); err != nil {
		return -1, err
	}
	return -1, errUnsupported
}

func IsAgain(err error) bool {
	return err == syscall.EAGAIN || err == syscall.EINTR
}
