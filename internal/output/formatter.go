package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Result is one captured banner.
type Result struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Banner    string `json:"banner"`
	Timestamp string `json:"timestamp"`
}

// NewResult builds a result with an escaped banner.
func NewResult(peer string, port int, text []byte, at time.Time) *Result {
	return &Result{
		IP:        peer,
		Port:      port,
		Banner:    Escape(text),
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

type Formatter interface {
	Write(res *Result) error
	Flush() error
}

// Format names an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, "jsonl":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// NewFormatter returns the formatter for f writing to w.
func NewFormatter(f Format, w io.Writer) Formatter {
	if f == FormatJSON {
		return NewJSONFormatter(w)
	}
	return NewLineFormatter(w)
}

// JSONFormatter writes JSONL.
type JSONFormatter struct {
	enc *json.Encoder
}

func NewJSONFormatter(w io.Writer) *JSONFormatter {
	return &JSONFormatter{enc: json.NewEncoder(w)}
}

func (f *JSONFormatter) Write(res *Result) error {
	return f.enc.Encode(res)
}

func (f *JSONFormatter) Flush() error { return nil }

// LineFormatter writes "<address>: <banner>\n".
type LineFormatter struct {
	w io.Writer
}

func NewLineFormatter(w io.Writer) *LineFormatter {
	return &LineFormatter{w: w}
}

func (f *LineFormatter) Write(res *Result) error {
	_, err := io.WriteString(f.w, res.IP+": "+res.Banner+"\n")
	return err
}

func (f *LineFormatter) Flush() error { return nil }

const hexDigits = "0123456789abcdef"

// Escape renders captured bytes on one line. Printable ASCII and tab pass
// through; backslash and the C control escapes use their short forms;
// everything else becomes \xHH.
func Escape(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		switch {
		case c == '\\':
			sb.WriteString(`\\`)
		case c == '\t' || (c >= 0x20 && c < 0x7f):
			sb.WriteByte(c)
		case c == '\a':
			sb.WriteString(`\a`)
		case c == '\b':
			sb.WriteString(`\b`)
		case c == '\f':
			sb.WriteString(`\f`)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\v':
			sb.WriteString(`\v`)
		default:
			sb.WriteString(`\x`)
			sb.WriteByte(hexDigits[c>>4])
			sb.WriteByte(hexDigits[c&0x0f])
		}
	}
	return sb.String()
}
