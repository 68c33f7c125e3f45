package negotiate

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is a compiled byte-pattern match/reply pair.
// Wild marks positions in When that match any byte; a reply position with
// Backref set receives the byte captured at the first wildcard.
type Rule struct {
	When    []byte
	Wild    []bool
	Reply   []byte
	Backref []bool
	wildAt  int
}

// RuleSet is a loaded rule file, shared read-only by every connection.
type RuleSet struct {
	Name      string
	Rules     []Rule
	MaxRounds int
	MaxBytes  int
	EscapeOn  []byte
}

type ruleFileYAML struct {
	Name      string   `yaml:"name"`
	Negotiate *negYAML `yaml:"negotiate"`
}

type negYAML struct {
	Rules     []negRuleYAML `yaml:"rules"`
	MaxRounds int           `yaml:"max_rounds,omitempty"`
	MaxBytes  int           `yaml:"max_bytes,omitempty"`
	EscapeOn  []string      `yaml:"escape_on,omitempty"`
}

type negRuleYAML struct {
	When  []string `yaml:"when"`
	Reply []string `yaml:"reply"`
}

// LoadRuleSet reads a YAML rule file.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rs, err := ParseRuleSet(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return rs, nil
}

// ParseRuleSet compiles a YAML rule document.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var raw ruleFileYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Negotiate == nil || len(raw.Negotiate.Rules) == 0 {
		return nil, fmt.Errorf("no negotiate rules")
	}

	rs := &RuleSet{
		Name:      raw.Name,
		MaxRounds: raw.Negotiate.MaxRounds,
		MaxBytes:  raw.Negotiate.MaxBytes,
	}
	if rs.MaxRounds == 0 {
		rs.MaxRounds = 10
	}
	if rs.MaxBytes == 0 {
		rs.MaxBytes = 2048
	}
	for _, esc := range raw.Negotiate.EscapeOn {
		rs.EscapeOn = append(rs.EscapeOn, parseByteValues(esc)...)
	}
	for i, r := range raw.Negotiate.Rules {
		rule, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rs.Rules = append(rs.Rules, rule)
	}
	return rs, nil
}

func compileRule(raw negRuleYAML) (Rule, error) {
	r := Rule{wildAt: -1}
	for _, v := range raw.When {
		if v == "_" {
			if r.wildAt < 0 {
				r.wildAt = len(r.When)
			}
			r.When = append(r.When, 0)
			r.Wild = append(r.Wild, true)
			continue
		}
		for _, b := range parseByteValues(v) {
			r.When = append(r.When, b)
			r.Wild = append(r.Wild, false)
		}
	}
	if len(r.When) == 0 {
		return r, fmt.Errorf("empty when pattern")
	}
	for _, v := range raw.Reply {
		if strings.HasPrefix(v, "$") {
			if r.wildAt < 0 {
				return r, fmt.Errorf("backref %q without wildcard", v)
			}
			r.Reply = append(r.Reply, 0)
			r.Backref = append(r.Backref, true)
			continue
		}
		for _, b := range parseByteValues(v) {
			r.Reply = append(r.Reply, b)
			r.Backref = append(r.Backref, false)
		}
	}
	return r, nil
}

// parseByteValues parses "0xff", a decimal byte, or falls back to literal bytes.
func parseByteValues(s string) []byte {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if v, err := strconv.ParseUint(s[2:], 16, 8); err == nil {
			return []byte{byte(v)}
		}
	}
	if v, err := strconv.ParseUint(s, 10, 8); err == nil {
		return []byte{byte(v)}
	}
	return []byte(s)
}

// match reports how data lines up with the rule: full match, a prefix of the
// rule that needs more input, or no match.
func (r *Rule) match(data []byte) (full, partial bool) {
	n := len(r.When)
	if len(data) < n {
		n = len(data)
	}
	for i := 0; i < n; i++ {
		if !r.Wild[i] && data[i] != r.When[i] {
			return false, false
		}
	}
	if len(data) >= len(r.When) {
		return true, false
	}
	return false, true
}

func (r *Rule) reply(data []byte) []byte {
	out := make([]byte, len(r.Reply))
	copy(out, r.Reply)
	if r.wildAt >= 0 {
		for i, ref := range r.Backref {
			if ref {
				out[i] = data[r.wildAt]
			}
		}
	}
	return out
}

// RuleNegotiator answers byte patterns from a RuleSet until its round or
// byte budget is spent, or an escape byte shows up; after that the stream
// passes through untouched.
type RuleNegotiator struct {
	writeQueue
	rs     *RuleSet
	carry  []byte
	rounds int
	sent   int
	done   bool
}

// NewRuleNegotiator returns a negotiator bound to rs.
func NewRuleNegotiator(rs *RuleSet) *RuleNegotiator {
	return &RuleNegotiator{writeQueue: newWriteQueue(), rs: rs}
}

// Flush returns the bytes held back as a partial rule match.
func (n *RuleNegotiator) Flush() []byte {
	out := n.carry
	n.carry = nil
	return out
}

// Consume strips matched patterns and queues their replies.
func (n *RuleNegotiator) Consume(p []byte) []byte {
	data := p
	if len(n.carry) > 0 {
		data = append(n.carry, p...)
		n.carry = nil
	}
	if n.done {
		return append([]byte(nil), data...)
	}
	for _, esc := range n.rs.EscapeOn {
		if bytes.IndexByte(p, esc) >= 0 {
			n.done = true
			return append([]byte(nil), data...)
		}
	}

	out := make([]byte, 0, len(data))
	i := 0
scan:
	for i < len(data) {
		if n.done {
			out = append(out, data[i:]...)
			break
		}
		for ri := range n.rs.Rules {
			r := &n.rs.Rules[ri]
			full, partial := r.match(data[i:])
			if full {
				reply := r.reply(data[i:])
				n.push(reply)
				n.rounds++
				n.sent += len(reply)
				if n.rounds >= n.rs.MaxRounds || n.sent >= n.rs.MaxBytes {
					n.done = true
				}
				i += len(r.When)
				continue scan
			}
			if partial {
				n.carry = append([]byte(nil), data[i:]...)
				break scan
			}
		}
		out = append(out, data[i])
		i++
	}
	return out
}
