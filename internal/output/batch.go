package output

import (
	"bytes"
	"io"
	"sync"
	"time"

	"rs_grab/internal/obs"
)

// batchWriter accumulates formatted results and flushes when the buffer
// exceeds a byte threshold or a periodic timer fires. Write never blocks on I/O.
type batchWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	newFmt    func(io.Writer) Formatter
	fmt       Formatter
	threshold int
	flushFn   func([]byte) error
	timer     *time.Timer
	closeCh   chan struct{}
	done      chan struct{}
	closed    bool
}

const (
	defaultBatchThreshold = 4096
	batchFlushInterval    = 250 * time.Millisecond
)

func jsonFormatter(w io.Writer) Formatter { return NewJSONFormatter(w) }

func newBatchWriter(threshold int, newFmt func(io.Writer) Formatter, flushFn func([]byte) error) *batchWriter {
	if threshold <= 0 {
		threshold = defaultBatchThreshold
	}
	if newFmt == nil {
		newFmt = jsonFormatter
	}
	bw := &batchWriter{
		newFmt:    newFmt,
		threshold: threshold,
		flushFn:   flushFn,
		timer:     time.NewTimer(batchFlushInterval),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	bw.fmt = newFmt(&bw.buf)
	go bw.run()
	return bw
}

func (bw *batchWriter) run() {
	defer close(bw.done)
	for {
		select {
		case <-bw.closeCh:
			return
		case <-bw.timer.C:
			bw.mu.Lock()
			if bw.buf.Len() > 0 {
				if err := bw.flushLocked(); err != nil {
					obs.Warn("batch.flush_failed", obs.Fields{"err": err.Error()})
				}
			}
			if !bw.closed {
				bw.timer.Reset(batchFlushInterval)
			}
			bw.mu.Unlock()
		}
	}
}

func (bw *batchWriter) write(res *Result) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return nil
	}
	if err := bw.fmt.Write(res); err != nil {
		return err
	}
	if bw.buf.Len() >= bw.threshold {
		return bw.flushLocked()
	}
	return nil
}

// take copies the buffer out and starts a fresh one. Caller must hold bw.mu.
func (bw *batchWriter) take() []byte {
	bw.fmt.Flush()
	data := make([]byte, bw.buf.Len())
	copy(data, bw.buf.Bytes())
	bw.buf.Reset()
	bw.fmt = bw.newFmt(&bw.buf)
	return data
}

// flushLocked calls flushFn outside the lock. Caller must hold bw.mu.
func (bw *batchWriter) flushLocked() error {
	if bw.buf.Len() == 0 {
		return nil
	}
	data := bw.take()

	// Release lock during I/O so concurrent writes aren't blocked.
	bw.mu.Unlock()
	err := bw.flushFn(data)
	bw.mu.Lock()
	return err
}

func (bw *batchWriter) close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true

	// Drain the timer so run() cannot start a flush after this point.
	if !bw.timer.Stop() {
		select {
		case <-bw.timer.C:
		default:
		}
	}
	close(bw.closeCh)

	// Final flush under the lock; run() is exiting via closeCh.
	var err error
	if bw.buf.Len() > 0 {
		err = bw.flushFn(bw.take())
	}
	bw.mu.Unlock()
	<-bw.done
	return err
}
