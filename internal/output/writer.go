package output

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// OpenFile opens path for results, appending or truncating.
func OpenFile(path string, appendMode bool) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	return f, nil
}

// NewFileWriter opens path and wraps it with the formatter for format.
func NewFileWriter(path string, appendMode bool, format Format) (*ClosingWriter, error) {
	f, err := OpenFile(path, appendMode)
	if err != nil {
		return nil, err
	}
	return NewClosingWriter(NewFormatter(format, f), f), nil
}

// ClosingWriter wraps a Formatter with a mutex and an io.Closer (typically a file).
type ClosingWriter struct {
	fmt    Formatter
	closer io.Closer
	mu     sync.Mutex
}

// NewClosingWriter creates a ResultWriter that closes the underlying resource on Close.
func NewClosingWriter(f Formatter, c io.Closer) *ClosingWriter {
	return &ClosingWriter{fmt: f, closer: c}
}

func (w *ClosingWriter) Write(res *Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fmt.Write(res)
}

func (w *ClosingWriter) Close() error {
	w.mu.Lock()
	w.fmt.Flush()
	w.mu.Unlock()
	return w.closer.Close()
}

// ResultWriter is the interface for anything that accepts results.
type ResultWriter interface {
	Write(res *Result) error
}

// Sink fans out results to multiple writers. A failing writer does not
// stop the others; the first error is returned.
type Sink struct {
	writers []ResultWriter
}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Add(w ResultWriter) {
	s.writers = append(s.writers, w)
}

// Len is the number of attached writers.
func (s *Sink) Len() int { return len(s.writers) }

func (s *Sink) Write(res *Result) error {
	var firstErr error
	for _, w := range s.writers {
		if err := w.Write(res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Summarize passes s to every writer that reports run summaries.
func (s *Sink) Summarize(sum RunSummary) error {
	var firstErr error
	for _, w := range s.writers {
		if sm, ok := w.(Summarizer); ok {
			if err := sm.Summarize(sum); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close closes all writers that implement io.Closer.
func (s *Sink) Close() error {
	var firstErr error
	for _, w := range s.writers {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
