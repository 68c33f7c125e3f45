package targets

import (
	"bufio"
	"io"
	"strings"
)

// LineSource reads one target per line. Blank lines and lines starting with
// '#' are consumed without yielding a target; a line holding an IPv4 CIDR
// block yields every address in it.
//
// Offset counts lines fully handed out, skipped ones included, so a rerun
// with that skip value resumes without losing targets. A block that was
// only partly handed out is not counted and is rescanned on resume.
type LineSource struct {
	sc       *bufio.Scanner
	skip     int
	consumed int
	block    *CIDRIterator
	err      error
}

// NewLineSource reads from r after discarding the first skip lines.
func NewLineSource(r io.Reader, skip int) *LineSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &LineSource{sc: sc, skip: skip}
}

// Next returns the next target. ok=false means the input is exhausted.
func (s *LineSource) Next() (string, bool) {
	for {
		if s.block != nil {
			if ip, ok := s.block.Next(); ok {
				if s.block.Remaining() == 0 {
					s.block = nil
					s.consumed++
				}
				return ip, true
			}
			s.block = nil
			s.consumed++
		}

		if !s.sc.Scan() {
			s.err = s.sc.Err()
			return "", false
		}
		if s.skip > 0 {
			s.skip--
			s.consumed++
			continue
		}

		line := strings.TrimSpace(s.sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			s.consumed++
			continue
		}
		if strings.Contains(line, "/") {
			if it, err := NewCIDRIterator(line); err == nil {
				s.block = it
				continue
			}
		}
		s.consumed++
		return line, true
	}
}

// Offset is the number of input lines consumed so far.
func (s *LineSource) Offset() int { return s.consumed }

// Err returns the read error that ended the input, if any.
func (s *LineSource) Err() error { return s.err }
