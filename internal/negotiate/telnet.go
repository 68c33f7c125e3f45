package negotiate

// Telnet command and option bytes (RFC 854, RFC 1073).
const (
	IAC  byte = 0xff
	DONT byte = 0xfe
	DO   byte = 0xfd
	WONT byte = 0xfc
	WILL byte = 0xfb
	SB   byte = 0xfa
	SE   byte = 0xf0

	OptEcho       byte = 1
	OptWindowSize byte = 31
)

// Canned window-size answer: WILL NAWS, then an 80x24 subnegotiation.
var (
	nawsAccept = []byte{IAC, WILL, OptWindowSize}
	nawsSize   = []byte{IAC, SB, OptWindowSize, 0, 80, 0, 24, IAC, SE}
)

type telnetState uint8

const (
	telnetNormal telnetState = iota
	telnetSawCommand
	telnetSawOption
)

// Telnet strips IAC command/option pairs from the stream and answers them.
//
// Reply policy: DO NAWS gets the canned window-size answer; any other DO is
// refused with WONT, WILL is accepted with DO, and every other command is
// echoed back unchanged with the same option.
type Telnet struct {
	writeQueue
	state telnetState
	cmd   byte
}

// NewTelnet returns a negotiator in the Normal state.
func NewTelnet() *Telnet {
	return &Telnet{writeQueue: newWriteQueue()}
}

// Consume runs the state machine over p and returns the non-command bytes.
func (t *Telnet) Consume(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, b := range p {
		switch t.state {
		case telnetNormal:
			if b == IAC {
				t.state = telnetSawCommand
				continue
			}
			out = append(out, b)

		case telnetSawCommand:
			t.cmd = b
			t.state = telnetSawOption

		case telnetSawOption:
			t.reply(t.cmd, b)
			t.state = telnetNormal
		}
	}
	return out
}

func (t *Telnet) reply(cmd, opt byte) {
	if cmd == DO && opt == OptWindowSize {
		t.push(append([]byte(nil), nawsAccept...))
		t.push(append([]byte(nil), nawsSize...))
		return
	}

	switch cmd {
	case DO:
		cmd = WONT
	case WILL:
		cmd = DO
	}
	t.push([]byte{IAC, cmd, opt})
}
