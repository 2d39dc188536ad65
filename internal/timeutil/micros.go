package timeutil

import (
	"time"
)

// MicroClock is a monotonic microsecond counter truncated to 32 bits. It
// wraps roughly every 71.6 minutes; use ElapsedMicros for differences.
type MicroClock struct {
	clock Clock
	epoch time.Time
}

// NewMicroClock starts a counter at zero using c (RealClock when nil).
func NewMicroClock(c Clock) *MicroClock {
	c = OrReal(c)
	return &MicroClock{clock: c, epoch: c.Now()}
}

// NowMicros returns microseconds since the epoch, modulo 2^32.
func (m *MicroClock) NowMicros() uint32 {
	return uint32(m.clock.Since(m.epoch).Microseconds())
}

// Uptime returns the full-width duration since the epoch.
func (m *MicroClock) Uptime() time.Duration {
	return m.clock.Since(m.epoch)
}

// ElapsedMicros returns end-start accounting for a single wrap of the 32-bit
// counter between the two readings.
func ElapsedMicros(start, end uint32) uint32 {
	return end - start
}

// Stopwatch measures one interval on a MicroClock.
type Stopwatch struct {
	mc    *MicroClock
	start uint32
}

// StartStopwatch begins timing now.
func (m *MicroClock) StartStopwatch() Stopwatch {
	return Stopwatch{mc: m, start: m.NowMicros()}
}

// ElapsedMicros returns the microseconds since the stopwatch was started.
func (s Stopwatch) ElapsedMicros() uint32 {
	return ElapsedMicros(s.start, s.mc.NowMicros())
}

// Elapsed is ElapsedMicros as a time.Duration.
func (s Stopwatch) Elapsed() time.Duration {
	return time.Duration(s.ElapsedMicros()) * time.Microsecond
}
