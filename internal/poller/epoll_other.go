//go:build !linux

package poller

// NewEpoll is unavailable outside Linux.
func NewEpoll(h Handler) (Multiplexer, error) {
	return nil, ErrNotSupported
}
