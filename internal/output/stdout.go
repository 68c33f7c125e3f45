package output

import (
	"bufio"
	"io"
	"os"
)

// StdoutWriter streams batched results to stdout.
type StdoutWriter struct {
	batch *batchWriter
	out   *bufio.Writer
}

// NewStdoutWriter creates a writer that batches results in format and
// flushes them to stdout.
func NewStdoutWriter(batchSize int, format Format) *StdoutWriter {
	return newStreamWriter(os.Stdout, batchSize, format)
}

func newStreamWriter(dst io.Writer, batchSize int, format Format) *StdoutWriter {
	w := &StdoutWriter{
		out: bufio.NewWriterSize(dst, 32768),
	}
	newFmt := func(w io.Writer) Formatter { return NewFormatter(format, w) }
	w.batch = newBatchWriter(batchSize, newFmt, func(data []byte) error {
		_, err := w.out.Write(data)
		if err != nil {
			return err
		}
		return w.out.Flush()
	})
	return w
}

func (w *StdoutWriter) Write(res *Result) error {
	return w.batch.write(res)
}

func (w *StdoutWriter) Close() error {
	batchErr := w.batch.close()
	flushErr := w.out.Flush()
	if batchErr != nil {
		return batchErr
	}
	return flushErr
}
