// clock.go - Per-round monotonic clock source for timer intrinsics
//
// License: GPLv3 or later

package ironplcvm

// ClockSource supplies the monotonic microsecond snapshot taken once at
// the start of each round (spec §4.11). Two implementations are provided:
// a wall-clock SystemClock for hosted use, and a SimulatedClock that a
// test drives by hand for deterministic scenarios (spec §8's testable
// properties all assume a caller-controlled current_time_us).
type ClockSource interface {
	NowUs() int64
}

// SystemClock reads the host's monotonic clock via monotonicNowNs, which
// is platform-split the same way the teacher splits its audio backends
// (audio_backend_alsa.go vs. the portable oto backend): clock_linux.go
// reads CLOCK_MONOTONIC directly through golang.org/x/sys/unix for
// tighter jitter, and clock_other.go falls back to time.Now() everywhere
// else. The zero value is ready to use; epoch is recorded lazily on first
// use so NowUs never overflows an int64 of microseconds even on a host
// that has been up for a long time.
type SystemClock struct {
	epochNs int64
	primed  bool
}

// NowUs returns microseconds elapsed since the first call to NowUs on this
// clock, matching the spec's "per-round monotonic snapshot" framing rather
// than a wall-clock timestamp.
func (c *SystemClock) NowUs() int64 {
	now := monotonicNowNs()
	if !c.primed {
		c.epochNs = now
		c.primed = true
		return 0
	}
	return (now - c.epochNs) / 1000
}

// SimulatedClock is a ClockSource a test (or a deterministic replay host)
// drives directly, for the reproducible timing scenarios spec §8
// describes (cyclic timing, overrun, watchdog).
type SimulatedClock struct {
	us int64
}

// NewSimulatedClock returns a SimulatedClock starting at time zero.
func NewSimulatedClock() *SimulatedClock { return &SimulatedClock{} }

// NowUs returns the clock's current simulated time.
func (c *SimulatedClock) NowUs() int64 { return c.us }

// Set pins the clock to an absolute microsecond value.
func (c *SimulatedClock) Set(us int64) { c.us = us }

// Advance moves the clock forward by delta microseconds and returns the
// new value.
func (c *SimulatedClock) Advance(delta int64) int64 {
	c.us += delta
	return c.us
}
