// Package negotiate holds per-connection protocol handshakes that run over
// the raw inbound byte stream. A Negotiator strips protocol control traffic
// from what gets recorded and queues any replies the transport must write.
package negotiate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eapache/queue"
)

// Negotiator is a per-connection handshake state machine.
// Consume never fails; malformed input resolves by state recovery.
type Negotiator interface {
	// Consume feeds newly read bytes and returns the bytes meant for the
	// recorded result text.
	Consume(p []byte) []byte
	// HasPendingWrites reports whether a reply chunk is queued.
	HasPendingWrites() bool
	// NextPendingWrite dequeues the oldest reply chunk, or nil.
	NextPendingWrite() []byte
}

// Flusher is implemented by negotiators that hold back inbound bytes while
// a pattern is still incomplete. Flush returns them once the stream ends.
type Flusher interface {
	Flush() []byte
}

// Provider attaches a negotiator to a freshly connected descriptor.
// A nil return means the connection runs without one.
type Provider interface {
	Provide(fd int) Negotiator
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(fd int) Negotiator

func (f ProviderFunc) Provide(fd int) Negotiator { return f(fd) }

// Kind selects the negotiation strategy for a run.
type Kind uint8

const (
	KindNone Kind = iota
	KindTelnet
	KindRules
)

// ErrUnknownKind is returned by ParseKind for unrecognized names.
var ErrUnknownKind = errors.New("negotiate: unknown negotiator kind")

// ParseKind maps a config/flag value to a Kind. Empty means none.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw":
		return KindNone, nil
	case "telnet":
		return KindTelnet, nil
	case "rules":
		return KindRules, nil
	}
	return KindNone, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) String() string {
	switch k {
	case KindTelnet:
		return "telnet"
	case KindRules:
		return "rules"
	}
	return "none"
}

// NewProvider returns the provider for k. KindRules needs a loaded rule set;
// KindNone yields a nil provider.
func NewProvider(k Kind, rules *RuleSet) (Provider, error) {
	switch k {
	case KindNone:
		return nil, nil
	case KindTelnet:
		return ProviderFunc(func(int) Negotiator { return NewTelnet() }), nil
	case KindRules:
		if rules == nil {
			return nil, errors.New("negotiate: rules negotiator needs a rule set")
		}
		return ProviderFunc(func(int) Negotiator { return NewRuleNegotiator(rules) }), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, k)
}

// writeQueue is the FIFO of reply chunks shared by the negotiators.
type writeQueue struct {
	q *queue.Queue
}

func newWriteQueue() writeQueue {
	return writeQueue{q: queue.New()}
}

func (w writeQueue) push(b []byte) { w.q.Add(b) }

func (w writeQueue) HasPendingWrites() bool { return w.q.Length() > 0 }

func (w writeQueue) NextPendingWrite() []byte {
	if w.q.Length() == 0 {
		return nil
	}
	return w.q.Remove().([]byte)
}
