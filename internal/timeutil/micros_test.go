package timeutil

import (
	"testing"
	"time"
)

func TestElapsedMicros(t *testing.T) {
	tests := []struct {
		name       string
		start, end uint32
		want       uint32
	}{
		{"no wrap", 100, 350, 250},
		{"equal", 42, 42, 0},
		{"across wrap", 0xFFFFFFF0, 0x10, 0x20},
		{"wrap to zero", 0xFFFFFFFF, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ElapsedMicros(tt.start, tt.end); got != tt.want {
				t.Errorf("ElapsedMicros(%#x, %#x) = %d, want %d", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestMicroClock_NowMicros(t *testing.T) {
	clock := NewMockClock(time.Unix(1000, 0))
	mc := NewMicroClock(clock)

	if got := mc.NowMicros(); got != 0 {
		t.Fatalf("NowMicros at epoch = %d, want 0", got)
	}

	clock.Advance(1500 * time.Microsecond)
	if got := mc.NowMicros(); got != 1500 {
		t.Errorf("NowMicros = %d, want 1500", got)
	}
	if got := mc.Uptime(); got != 1500*time.Microsecond {
		t.Errorf("Uptime = %v, want 1.5ms", got)
	}
}

func TestMicroClock_Wraps(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	mc := NewMicroClock(clock)

	// 2^32 µs + 5 µs after the epoch the truncated counter reads 5.
	clock.Advance(time.Duration(1<<32+5) * time.Microsecond)
	if got := mc.NowMicros(); got != 5 {
		t.Errorf("NowMicros after wrap = %d, want 5", got)
	}
}

func TestStopwatch_AcrossWrap(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	mc := NewMicroClock(clock)
	clock.Advance(time.Duration(1<<32-10) * time.Microsecond)

	sw := mc.StartStopwatch()
	clock.Advance(25 * time.Microsecond)

	if got := sw.ElapsedMicros(); got != 25 {
		t.Errorf("ElapsedMicros = %d, want 25", got)
	}
	if got := sw.Elapsed(); got != 25*time.Microsecond {
		t.Errorf("Elapsed = %v, want 25µs", got)
	}
}

func TestTimingStats(t *testing.T) {
	var s TimingStats
	if s.MinUS != 0 || s.Count != 0 {
		t.Fatalf("zero value not empty: %+v", s)
	}

	for _, us := range []uint32{30, 10, 50} {
		s.Record(us)
	}
	want := TimingStats{Count: 3, MinUS: 10, MaxUS: 50, AvgUS: 30, TotalUS: 90}
	if s != want {
		t.Errorf("stats = %+v, want %+v", s, want)
	}

	s.Reset()
	if s != (TimingStats{}) {
		t.Errorf("Reset left %+v", s)
	}
}
