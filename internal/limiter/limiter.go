package limiter

import (
	"math"
	"time"
)

// Window paces admissions toward a target rate using integer nanosecond
// arithmetic. It remembers only the admissions since its last reset, so a
// burst or a stall decays after one interval instead of compounding.
type Window struct {
	nsPerToken int64 // Nanoseconds per admission (1e9 / rate)
	interval   int64
	start      int64 // UnixNano
	count      int64
}

// NewWindow creates a window for rate admissions per second that resets
// every interval (1s when zero). The interval is never shorter than one
// admission slot, so rates under one per interval keep their spacing.
func NewWindow(rate float64, interval time.Duration, now time.Time) *Window {
	// Rounded up so rate admissions never fit inside one interval early.
	nsPerToken := int64(math.Ceil(1e9 / rate))
	if nsPerToken < 1 {
		nsPerToken = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if int64(interval) < nsPerToken {
		interval = time.Duration(nsPerToken)
	}
	return &Window{
		nsPerToken: nsPerToken,
		interval:   int64(interval),
		start:      now.UnixNano(),
	}
}

// Tick starts a new window once the interval has elapsed. It reports
// whether it did.
func (w *Window) Tick(now time.Time) bool {
	if now.UnixNano()-w.start < w.interval {
		return false
	}
	w.Reset(now)
	return true
}

// Reset clears the admission count and restarts the window at now.
func (w *Window) Reset(now time.Time) {
	w.start = now.UnixNano()
	w.count = 0
}

// Admit records one admission.
func (w *Window) Admit() { w.count++ }

// Admitted is the number of admissions in the current window.
func (w *Window) Admitted() int64 { return w.count }

// Wait is how long to hold off before the next admission: the ideal
// elapsed time for the admissions so far minus the actual elapsed time,
// clamped at zero.
func (w *Window) Wait(now time.Time) time.Duration {
	ideal := w.count * w.nsPerToken
	actual := now.UnixNano() - w.start
	if ideal <= actual {
		return 0
	}
	return time.Duration(ideal - actual)
}

// TimeoutMS converts a wait into a poll timeout in whole milliseconds;
// anything under a millisecond becomes 0.
func TimeoutMS(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Millisecond)
}
