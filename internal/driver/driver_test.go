package driver

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"rs_grab/internal/pool"
	"rs_grab/internal/simnet"
	"rs_grab/internal/targets"
)

var epoch = time.Unix(1_700_000_000, 0)

type result struct {
	peer string
	text string
}

type world struct {
	clock   *simnet.Clock
	net     *simnet.Network
	pool    *pool.Pool
	results []result
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{clock: simnet.NewClock(epoch)}
	w.net = simnet.New(w.clock)
	p, err := pool.New(pool.Config{
		Ops:    w.net,
		NewMux: w.net.NewMux,
		Now:    w.clock.Now,
		OnResult: func(peer string, text []byte) {
			w.results = append(w.results, result{peer, string(text)})
		},
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	w.pool = p
	return w
}

// ceilingPool checks the concurrency ceiling after every admission.
type ceilingPool struct {
	*pool.Pool
	t    *testing.T
	max  int
	peak int
}

func (c *ceilingPool) Admit(fd int) error {
	err := c.Pool.Admit(fd)
	if n := c.Pool.Size(); n > c.peak {
		c.peak = n
	}
	if c.Pool.Size() > c.max {
		c.t.Fatalf("active count %d exceeds ceiling %d", c.Pool.Size(), c.max)
	}
	return err
}

func TestScenarioSingleBanner(t *testing.T) {
	w := newWorld(t)
	w.net.AddHost("10.0.0.1", simnet.Host{
		ConnectAfter: time.Millisecond,
		Chunks:       []simnet.Chunk{{Data: []byte("hi\n")}},
		CloseAfter:   0,
	})
	// 10.0.0.2 is never answered.

	src := targets.NewLineSource(strings.NewReader("10.0.0.1\n10.0.0.2\n"), 0)
	d := New(Config{MaxConcurrency: 2, TTL: 5 * time.Second, Rate: 100}, w.pool, w.net, src, w.clock)

	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(w.results) != 1 || w.results[0] != (result{"10.0.0.1", "hi\n"}) {
		t.Fatalf("unexpected results: %+v", w.results)
	}
	if !sum.Exhausted || sum.Admitted != 2 || sum.Targets != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if w.pool.Size() != 0 || w.net.Open() != 0 {
		t.Fatalf("run ended with %d entries, %d open descriptors", w.pool.Size(), w.net.Open())
	}
	// The unanswered connect is dropped by the TTL sweep, not earlier.
	if sum.Elapsed < 5*time.Second {
		t.Fatalf("run finished after %v, before the TTL could expire", sum.Elapsed)
	}
	if src.Offset() != 2 {
		t.Fatalf("expected offset 2, got %d", src.Offset())
	}
}

func TestScenarioResumeSkips(t *testing.T) {
	w := newWorld(t)
	w.net.AddHost("10.0.0.1", simnet.Host{Chunks: []simnet.Chunk{{Data: []byte("hi\n")}}})

	src := targets.NewLineSource(strings.NewReader("10.0.0.1\n10.0.0.2\n"), 1)
	d := New(Config{MaxConcurrency: 2, TTL: 5 * time.Second, Rate: 100}, w.pool, w.net, src, w.clock)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(w.net.Dials) != 1 || w.net.Dials[0] != "10.0.0.2" {
		t.Fatalf("expected only 10.0.0.2 dialed, got %v", w.net.Dials)
	}
	if len(w.results) != 0 {
		t.Fatalf("unexpected results: %+v", w.results)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	w := newWorld(t)
	var lines []string
	for i := 1; i <= 20; i++ {
		addr := "10.1.0." + strconv.Itoa(i)
		lines = append(lines, addr)
		if i%2 == 0 {
			w.net.AddHost(addr, simnet.Host{
				ConnectAfter: 50 * time.Millisecond,
				Chunks:       []simnet.Chunk{{At: 100 * time.Millisecond, Data: []byte("x")}},
				CloseAfter:   200 * time.Millisecond,
			})
		}
	}
	cp := &ceilingPool{Pool: w.pool, t: t, max: 3}
	src := targets.NewLineSource(strings.NewReader(strings.Join(lines, "\n")), 0)
	d := New(Config{MaxConcurrency: 3, TTL: 2 * time.Second, Rate: 1000}, cp, w.net, src, w.clock)

	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Admitted != 20 {
		t.Fatalf("expected 20 admitted, got %d", sum.Admitted)
	}
	if cp.peak != 3 {
		t.Fatalf("expected the pool to fill to the ceiling, peak %d", cp.peak)
	}
	if len(w.results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(w.results))
	}
}

// countingPool accepts everything and never holds an entry, so the ceiling
// never applies.
type countingPool struct {
	clock *simnet.Clock
	times []time.Time
	err   error
}

func (c *countingPool) Admit(int) error {
	c.times = append(c.times, c.clock.Now())
	return nil
}
func (c *countingPool) DriveOnce(int) error { return c.err }
func (c *countingPool) Size() int           { return 0 }

func (c *countingPool) SweepExpired(time.Time, time.Duration) (int, error) { return 0, nil }

type fdDialer struct{ next int }

func (f *fdDialer) Dial(string) (int, error) {
	f.next++
	return f.next, nil
}

// endless yields the same target until its hook says stop.
type endless struct {
	calls int
	hook  func(call int) bool
}

func (e *endless) Next() (string, bool) {
	e.calls++
	if e.hook != nil && !e.hook(e.calls) {
		return "", false
	}
	return "10.0.0.1", true
}

func TestRateConvergence(t *testing.T) {
	for _, r := range []float64{1, 7, 100, 333} {
		clock := simnet.NewClock(epoch)
		const secs = 10
		end := epoch.Add(secs * time.Second)
		cp := &countingPool{clock: clock}
		src := &endless{hook: func(int) bool { return clock.Now().Before(end) }}
		d := New(Config{MaxConcurrency: 1 << 30, Rate: r}, cp, &fdDialer{}, src, clock)

		if _, err := d.Run(context.Background()); err != nil {
			t.Fatalf("rate %v: %v", r, err)
		}
		want := int(r * secs)
		if got := len(cp.times); got < want-1 || got > want+1 {
			t.Fatalf("rate %v: expected %d±1 admissions in %ds, got %d", r, want, secs, got)
		}
	}
}

func TestRecalibrateSuppressesCatchUp(t *testing.T) {
	burst := func(recalibrate bool) int {
		clock := simnet.NewClock(epoch)
		cp := &countingPool{clock: clock}
		var d *Driver
		src := &endless{hook: func(call int) bool {
			if call == 3 {
				// Process suspended for 5s.
				clock.Advance(5 * time.Second)
				if recalibrate {
					d.Recalibrate()
				}
			}
			return call <= 20
		}}
		d = New(Config{MaxConcurrency: 100, Rate: 2, RecalibrateInterval: time.Minute}, cp, &fdDialer{}, src, clock)
		if _, err := d.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		most := 0
		same := map[time.Time]int{}
		for _, at := range cp.times {
			same[at]++
			if same[at] > most {
				most = same[at]
			}
		}
		return most
	}

	if got := burst(false); got < 5 {
		t.Fatalf("control run should burst after the stall, max same-instant admissions %d", got)
	}
	if got := burst(true); got > 2 {
		t.Fatalf("recalibrated run burst %d admissions at one instant", got)
	}
}

func TestStopDrainsInFlight(t *testing.T) {
	w := newWorld(t)
	var lines []string
	for i := 1; i <= 5; i++ {
		addr := "10.2.0." + strconv.Itoa(i)
		lines = append(lines, addr)
		w.net.AddHost(addr, simnet.Host{
			ConnectAfter: 10 * time.Millisecond,
			Chunks:       []simnet.Chunk{{At: time.Second, Data: []byte("late")}},
			CloseAfter:   2 * time.Second,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ls := targets.NewLineSource(strings.NewReader(strings.Join(lines, "\n")), 0)
	src := &stopAfter{Source: ls, n: 2, cancel: cancel}
	d := New(Config{MaxConcurrency: 10, TTL: 30 * time.Second, Rate: 100}, w.pool, w.net, src, w.clock)

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Exhausted {
		t.Fatal("stopped run reported exhausted input")
	}
	if len(w.net.Dials) != 2 {
		t.Fatalf("expected 2 dials before stop, got %v", w.net.Dials)
	}
	if len(w.results) != 2 {
		t.Fatalf("in-flight connections were not drained: %+v", w.results)
	}
	for _, r := range w.results {
		if r.text != "late" {
			t.Fatalf("unexpected result %+v", r)
		}
	}
	if ls.Offset() != 2 {
		t.Fatalf("expected resume offset 2, got %d", ls.Offset())
	}
}

type stopAfter struct {
	Source
	n      int
	calls  int
	cancel context.CancelFunc
}

func (s *stopAfter) Next() (string, bool) {
	s.calls++
	if s.calls == s.n {
		s.cancel()
	}
	return s.Source.Next()
}

func TestDialErrorsAreCounted(t *testing.T) {
	w := newWorld(t)
	w.net.DialErr["10.3.0.1"] = syscall.ENETUNREACH
	w.net.AddHost("10.3.0.2", simnet.Host{Chunks: []simnet.Chunk{{Data: []byte("ok")}}})

	src := targets.NewLineSource(strings.NewReader("10.3.0.1\nnot-an-ip\n10.3.0.2\n"), 0)
	d := New(Config{MaxConcurrency: 2, TTL: time.Second, Rate: 100}, w.pool, w.net, src, w.clock)
	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.DialErrors != 2 || sum.Admitted != 1 || sum.Targets != 3 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(w.results) != 1 || w.results[0].text != "ok" {
		t.Fatalf("unexpected results: %+v", w.results)
	}
}

func TestPoolErrorIsFatal(t *testing.T) {
	clock := simnet.NewClock(epoch)
	boom := errors.New("epoll wait: bad file descriptor")
	fp := &failingPool{err: boom}
	src := &endless{hook: func(call int) bool { return call < 100 }}
	d := New(Config{Rate: 10}, fp, &fdDialer{}, src, clock)

	if _, err := d.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected pool error to surface, got %v", err)
	}
}

type failingPool struct {
	err  error
	size int
}

func (f *failingPool) Admit(int) error     { f.size++; return nil }
func (f *failingPool) DriveOnce(int) error { return f.err }
func (f *failingPool) Size() int           { return f.size }

func (f *failingPool) SweepExpired(time.Time, time.Duration) (int, error) { return 0, nil }

// busyPool always holds one connection and reports activity every 50ms,
// so every poll returns early.
type busyPool struct {
	clock *simnet.Clock
	times []time.Time
	done  bool
}

func (b *busyPool) Admit(int) error {
	b.times = append(b.times, b.clock.Now())
	return nil
}

func (b *busyPool) DriveOnce(timeoutMS int) error {
	step := time.Duration(timeoutMS) * time.Millisecond
	if step > 50*time.Millisecond || step <= 0 {
		step = 50 * time.Millisecond
	}
	b.clock.Advance(step)
	return nil
}

func (b *busyPool) Size() int {
	if b.done {
		return 0
	}
	return 1
}

func (b *busyPool) SweepExpired(time.Time, time.Duration) (int, error) { return 0, nil }

func TestRateConvergenceBelowOnePerSecond(t *testing.T) {
	for _, r := range []float64{0.5, 0.2} {
		clock := simnet.NewClock(epoch)
		const secs = 20
		end := epoch.Add(secs * time.Second)
		bp := &busyPool{clock: clock}
		src := &endless{hook: func(int) bool {
			if !clock.Now().Before(end) {
				bp.done = true
				return false
			}
			return true
		}}
		d := New(Config{MaxConcurrency: 100, Rate: r}, bp, &fdDialer{}, src, clock)

		if _, err := d.Run(context.Background()); err != nil {
			t.Fatalf("rate %v: %v", r, err)
		}
		want := int(r * secs)
		if got := len(bp.times); got < want-1 || got > want+1 {
			t.Fatalf("rate %v: expected %d±1 admissions in %ds, got %d", r, want, secs, got)
		}
	}
}

// sleepLog records every sleep the driver takes.
type sleepLog struct {
	*simnet.Clock
	sleeps []time.Duration
}

func (s *sleepLog) Sleep(d time.Duration) {
	s.sleeps = append(s.sleeps, d)
	s.Clock.Sleep(d)
}

func TestStopDuringLongRateWait(t *testing.T) {
	clock := &sleepLog{Clock: simnet.NewClock(epoch)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cp := &countingPool{clock: clock.Clock}
	src := &endless{hook: func(call int) bool {
		if call == 1 {
			cancel()
		}
		return true
	}}
	d := New(Config{Rate: 0.01, IdleTimeout: 500 * time.Millisecond}, cp, &fdDialer{}, src, clock)

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cp.times) != 1 {
		t.Fatalf("expected one admission before the stop, got %d", len(cp.times))
	}
	for _, s := range clock.sleeps {
		if s > 500*time.Millisecond {
			t.Fatalf("slept %v, longer than the idle timeout", s)
		}
	}
	if sum.Elapsed > time.Second || sum.Exhausted {
		t.Fatalf("stop not honoured promptly: %+v", sum)
	}
}

func TestInputErrorIsResumable(t *testing.T) {
	clock := simnet.NewClock(epoch)
	cp := &countingPool{clock: clock}
	in := "10.0.0.1\n" + strings.Repeat("x", 2<<20) + "\n10.0.0.2\n"
	src := targets.NewLineSource(strings.NewReader(in), 0)
	d := New(Config{Rate: 100}, cp, &fdDialer{}, src, clock)

	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if src.Err() == nil {
		t.Fatal("expected a read error from the source")
	}
	if sum.Exhausted {
		t.Fatal("a failed read was reported as the end of input")
	}
	if sum.Admitted != 1 || src.Offset() != 1 {
		t.Fatalf("unexpected summary %+v, offset %d", sum, src.Offset())
	}
}
