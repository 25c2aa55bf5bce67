package txlog

import (
	"sync"
	"time"
)

// Ticks is a reading of a monotonic tick counter. Tick zero is the moment the
// clock was created, not process start or the Unix epoch.
type Ticks int64

// Clock converts a monotonic tick counter into elapsed durations.
//
// Implementations must be safe to call concurrently without synchronization;
// both methods are pure functions of the underlying counter.
type Clock interface {
	// Now returns the current tick count.
	Now() Ticks
	// Duration converts a tick delta into a duration using the clock's
	// tick frequency.
	Duration(delta Ticks) time.Duration
}

// ticksPerSecond is the frequency of the monotonic counter, cached once at
// process start. The Go runtime exposes the counter at nanosecond resolution.
var ticksPerSecond = int64(time.Second / time.Nanosecond)

type monotonicClock struct {
	base time.Time
}

var (
	defaultClockOnce sync.Once
	defaultClock     Clock
)

// DefaultClock returns the shared process clock. The tick origin is captured
// on first use.
func DefaultClock() Clock {
	defaultClockOnce.Do(func() {
		defaultClock = NewMonotonicClock()
	})
	return defaultClock
}

// NewMonotonicClock returns a clock backed by the runtime monotonic counter,
// with tick zero at the time of the call.
func NewMonotonicClock() Clock {
	return &monotonicClock{base: time.Now()}
}

var _ Clock = (*monotonicClock)(nil)

func (c *monotonicClock) Now() Ticks {
	// time.Since uses the monotonic reading embedded in base.
	return Ticks(time.Since(c.base))
}

func (c *monotonicClock) Duration(delta Ticks) time.Duration {
	return ticksToDuration(delta, ticksPerSecond)
}

// ticksToDuration converts a tick delta to a duration at the given frequency,
// rounding half away from zero so repeated conversions carry no systematic
// bias toward zero.
func ticksToDuration(delta Ticks, freq int64) time.Duration {
	if freq <= 0 {
		return 0
	}

	sec := int64(delta) / freq
	rem := int64(delta) % freq

	ns := rem * int64(time.Second)
	if ns >= 0 {
		ns = (ns + freq/2) / freq
	} else {
		ns = (ns - freq/2) / freq
	}

	return time.Duration(sec)*time.Second + time.Duration(ns)
}
