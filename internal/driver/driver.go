// Package driver paces new connections into the pool: it admits targets at
// a target rate under a concurrency ceiling, keeps the pool's I/O and TTL
// sweep running, and drains in-flight connections once input ends or a stop
// is requested.
package driver

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"rs_grab/internal/limiter"
	"rs_grab/internal/obs"
)

// Pool is the connection pool surface the driver needs.
type Pool interface {
	Admit(fd int) error
	DriveOnce(timeoutMS int) error
	SweepExpired(now time.Time, ttl time.Duration) (int, error)
	Size() int
}

// Dialer starts a non-blocking connect and returns its descriptor.
type Dialer interface {
	Dial(target string) (int, error)
}

// Source yields targets; ok=false means the input ended.
type Source interface {
	Next() (string, bool)
}

// errSource is a Source that can tell a read failure from a clean end.
type errSource interface {
	Err() error
}

// Clock abstracts time so the loop can run on simulated time.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Config holds the pacing parameters.
type Config struct {
	MaxConcurrency int
	TTL            time.Duration
	// Rate is the target admissions per second.
	Rate float64
	// RecalibrateInterval is how often the rate window forgets its history.
	RecalibrateInterval time.Duration
	// IdleTimeout bounds every poll or sleep, so a stop or recalibration
	// request is seen within it even at very low rates.
	IdleTimeout time.Duration
	// SweepInterval is the TTL sweep cadence; 0 sweeps every iteration.
	SweepInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 10
	}
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.RecalibrateInterval <= 0 {
		c.RecalibrateInterval = time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Second
	}
}

// Stats are live counters, safe to read from any goroutine.
type Stats struct {
	Targets    uint64
	Admitted   uint64
	DialErrors uint64
}

// Summary describes a finished run.
type Summary struct {
	Stats
	// Exhausted is true when the input ran out; false means the run was
	// stopped early and can be resumed.
	Exhausted bool
	Elapsed   time.Duration
}

// Driver runs the admission loop.
type Driver struct {
	cfg    Config
	pool   Pool
	dialer Dialer
	src    Source
	clock  Clock

	recal      atomic.Bool
	targets    atomic.Uint64
	admitted   atomic.Uint64
	dialErrors atomic.Uint64
	dialLog    rate.Sometimes
}

// New returns a driver. A nil clock means the wall clock.
func New(cfg Config, p Pool, d Dialer, src Source, clock Clock) *Driver {
	cfg.setDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	return &Driver{
		cfg:     cfg,
		pool:    p,
		dialer:  d,
		src:     src,
		clock:   clock,
		dialLog: rate.Sometimes{First: 10, Interval: 5 * time.Second},
	}
}

// Recalibrate asks the loop to restart its rate window on the next
// iteration. Safe to call from a signal handler goroutine.
func (d *Driver) Recalibrate() { d.recal.Store(true) }

// Stats returns the live counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Targets:    d.targets.Load(),
		Admitted:   d.admitted.Load(),
		DialErrors: d.dialErrors.Load(),
	}
}

// Run drives the pool until input is exhausted (or ctx is cancelled) and
// every admitted connection has finished. Cancelling ctx only stops new
// admissions. The returned error is a fatal pool error.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	start := d.clock.Now()
	win := limiter.NewWindow(d.cfg.Rate, d.cfg.RecalibrateInterval, start)
	lastSweep := start
	exhausted := false
	stopping := false

	obs.Info("driver.start", obs.Fields{
		"rate":            d.cfg.Rate,
		"max_concurrency": d.cfg.MaxConcurrency,
		"ttl":             d.cfg.TTL.String(),
	})

	summary := func() Summary {
		return Summary{Stats: d.Stats(), Exhausted: exhausted, Elapsed: d.clock.Now().Sub(start)}
	}

	for {
		if !stopping && ctx.Err() != nil {
			stopping = true
			obs.Info("driver.draining", obs.Fields{"active": d.pool.Size()})
		}
		if (exhausted || stopping) && d.pool.Size() == 0 {
			break
		}

		now := d.clock.Now()
		if d.recal.Swap(false) {
			win.Reset(now)
			obs.Debug("driver.recalibrate", nil)
		} else {
			win.Tick(now)
		}

		wait := d.cfg.IdleTimeout
		if !exhausted && !stopping && d.pool.Size() < d.cfg.MaxConcurrency {
			if win.Wait(now) == 0 {
				more, err := d.admitNext(win)
				if err != nil {
					return summary(), err
				}
				if !more {
					if err := d.sourceErr(); err != nil {
						obs.Error("driver.input_failed", obs.Fields{"err": err.Error()})
						stopping = true
					} else {
						exhausted = true
					}
				}
			}
			if !exhausted && !stopping {
				wait = win.Wait(d.clock.Now())
			}
		}
		if wait > d.cfg.IdleTimeout {
			wait = d.cfg.IdleTimeout
		}

		if d.pool.Size() == 0 {
			// Nothing to service: sleep out the rate wait.
			if !exhausted && !stopping && wait > 0 {
				d.clock.Sleep(wait)
			}
		} else if err := d.pool.DriveOnce(limiter.TimeoutMS(wait)); err != nil {
			return summary(), err
		}

		if now := d.clock.Now(); now.Sub(lastSweep) >= d.cfg.SweepInterval {
			if _, err := d.pool.SweepExpired(now, d.cfg.TTL); err != nil {
				return summary(), err
			}
			lastSweep = now
		}
	}

	s := summary()
	obs.Info("driver.done", obs.Fields{
		"targets":     s.Targets,
		"admitted":    s.Admitted,
		"dial_errors": s.DialErrors,
		"exhausted":   s.Exhausted,
		"elapsed":     s.Elapsed.String(),
	})
	return s, nil
}

func (d *Driver) sourceErr() error {
	if es, ok := d.src.(errSource); ok {
		return es.Err()
	}
	return nil
}

// admitNext pulls one target and hands its connecting descriptor to the
// pool. more=false means the input ended. Targets that fail to dial
// are consumed but do not count against the rate window.
func (d *Driver) admitNext(win *limiter.Window) (more bool, err error) {
	target, ok := d.src.Next()
	if !ok {
		return false, nil
	}
	d.targets.Add(1)
	obs.LinesReadTotal.Inc()

	fd, err := d.dialer.Dial(target)
	if err != nil {
		d.dialErrors.Add(1)
		obs.DialErrorsTotal.Inc()
		d.dialLog.Do(func() {
			obs.Warn("dial.error", obs.Fields{"target": target, "err": err.Error()})
		})
		return true, nil
	}
	if err := d.pool.Admit(fd); err != nil {
		return true, err
	}
	win.Admit()
	d.admitted.Add(1)
	return true, nil
}
