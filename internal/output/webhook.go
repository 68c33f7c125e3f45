package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"rs_grab/internal/obs"
)

// EventHeader names the kind of document in a webhook POST.
const EventHeader = "X-Rs-Grab-Event"

const (
	eventResults = "results"
	eventSummary = "summary"
)

// RunSummary is the end-of-run document. ResumeOffset is the -s value that
// continues an interrupted run; it is only meaningful when Exhausted is false.
type RunSummary struct {
	LinesRead    uint64 `json:"lines_read"`
	Admitted     uint64 `json:"admitted"`
	Connected    uint64 `json:"connected"`
	Results      uint64 `json:"results"`
	DialErrors   uint64 `json:"dial_errors"`
	Exhausted    bool   `json:"exhausted"`
	ResumeOffset int    `json:"resume_offset"`
	Elapsed      string `json:"elapsed"`
}

// Summarizer is a writer that wants the end-of-run summary.
type Summarizer interface {
	Summarize(s RunSummary) error
}

// WebhookConfig holds settings for the webhook output sink.
type WebhookConfig struct {
	URL        string
	BatchSize  int
	Timeout    time.Duration
	MaxRetries int
	Headers    map[string]string
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
}

type delivery struct {
	event string
	ctype string
	body  []byte
}

// WebhookWriter POSTs results to an HTTP endpoint as JSONL batches and, on
// Close, a JSON RunSummary if one was given. One goroutine delivers in order.
type WebhookWriter struct {
	cfg     WebhookConfig
	client  *http.Client
	batch   *batchWriter
	out     chan delivery
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	summary *RunSummary
	dropped atomic.Int64
}

// NewWebhookWriter starts the delivery goroutine for cfg.URL.
func NewWebhookWriter(cfg WebhookConfig) *WebhookWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	w := &WebhookWriter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		out:    make(chan delivery, 64),
		done:   make(chan struct{}),
	}
	w.batch = newBatchWriter(cfg.BatchSize, jsonFormatter, func(body []byte) error {
		w.enqueue(delivery{event: eventResults, ctype: "application/x-ndjson", body: body})
		return nil
	})
	go w.deliverAll()
	return w
}

func (w *WebhookWriter) Write(res *Result) error { return w.batch.write(res) }

// Summarize records s to be sent after the last result batch.
func (w *WebhookWriter) Summarize(s RunSummary) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("webhook: summary after close")
	}
	w.summary = &s
	return nil
}

// enqueue hands d to the delivery goroutine, dropping it when the queue is
// full so a slow endpoint never stalls the connection loop.
func (w *WebhookWriter) enqueue(d delivery) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.out <- d:
	default:
		w.dropped.Add(1)
		obs.Warn("webhook.queue_full", obs.Fields{"event": d.event, "bytes": len(d.body)})
	}
}

func (w *WebhookWriter) deliverAll() {
	defer close(w.done)
	for d := range w.out {
		if !w.deliver(d) {
			w.dropped.Add(1)
			obs.Error("webhook.dropped", obs.Fields{"event": d.event, "bytes": len(d.body), "attempts": w.cfg.MaxRetries})
		}
	}
}

func (w *WebhookWriter) deliver(d delivery) bool {
	wait := w.cfg.Backoff
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		status, err := w.post(d)
		if err == nil && status/100 == 2 {
			return true
		}
		f := obs.Fields{"event": d.event, "attempt": attempt}
		if err != nil {
			f["err"] = err.Error()
		} else {
			f["status"] = status
		}
		obs.Warn("webhook.post_failed", f)
		if attempt < w.cfg.MaxRetries {
			time.Sleep(wait)
			wait *= 2
		}
	}
	return false
}

func (w *WebhookWriter) post(d delivery) (int, error) {
	req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(d.body))
	if err != nil {
		return 0, err
	}
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", d.ctype)
	req.Header.Set(EventHeader, d.event)
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Close flushes buffered results, queues the summary and waits for every
// delivery to finish. It reports how many deliveries were lost.
func (w *WebhookWriter) Close() error {
	berr := w.batch.close()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	if w.summary != nil {
		body, err := json.Marshal(w.summary)
		if err == nil {
			// Blocking send: the summary must not be dropped for a full queue.
			w.out <- delivery{event: eventSummary, ctype: "application/json", body: body}
		}
	}
	w.closed = true
	close(w.out)
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-time.After(30 * time.Second):
		obs.Warn("webhook.close_timeout", nil)
		return errors.New("webhook: close timed out")
	}
	if berr != nil {
		return berr
	}
	if n := w.dropped.Load(); n > 0 {
		return fmt.Errorf("webhook: %d deliveries dropped", n)
	}
	return nil
}
