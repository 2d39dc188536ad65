// Package sensor defines the accelerometer sample type and the sources that
// produce samples: a simulated accelerometer, a text line parser for fixture
// replay, and a serial-port backed line source.
package sensor

import "errors"

// MaxChannels is the number of axes carried by a Sample.
const MaxChannels = 3

var (
	// ErrNotReady means no new sample is available yet; callers poll again
	// on their next period.
	ErrNotReady = errors.New("sensor: sample not ready")

	// ErrNotInitialised is returned by sources used before Init/Start.
	ErrNotInitialised = errors.New("sensor: not initialised")
)

// Sample is one raw accelerometer reading in sensor counts (8192 = 1 g)
// plus a 32-bit microsecond timestamp. Samples are values and never mutated
// after construction.
type Sample struct {
	X, Y, Z     int16
	TimestampUS uint32
}

// Channel returns axis i (0=X, 1=Y, 2=Z); any other index reads as 0.
func (s Sample) Channel(i int) int16 {
	switch i {
	case 0:
		return s.X
	case 1:
		return s.Y
	case 2:
		return s.Z
	}
	return 0
}

// Source produces samples on demand. Read never blocks for long; it returns
// ErrNotReady when nothing new is available.
type Source interface {
	Read() (Sample, error)
}

// Stats counts source activity.
type Stats struct {
	SamplesRead uint64 `json:"samples_read"`
	ReadErrors  uint64 `json:"read_errors"`
	NotReady    uint64 `json:"not_ready"`
	LastReadUS  uint32 `json:"last_read_us"`
	// AvgRateHz is refreshed every rateWindow intervals.
	AvgRateHz uint32 `json:"avg_rate_hz"`
}

const rateWindow = 100

// tracker maintains Stats for a source. Callers hold their own lock.
type tracker struct {
	stats     Stats
	lastUS    uint32
	have      bool
	sumUS     uint64
	nInterval uint32
}

func (t *tracker) read(nowUS uint32) {
	t.stats.SamplesRead++
	if t.have {
		t.sumUS += uint64(nowUS - t.lastUS)
		t.nInterval++
		if t.nInterval >= rateWindow {
			if avg := t.sumUS / uint64(t.nInterval); avg > 0 {
				t.stats.AvgRateHz = uint32(1_000_000 / avg)
			}
			t.sumUS, t.nInterval = 0, 0
		}
	}
	t.lastUS, t.have = nowUS, true
	t.stats.LastReadUS = nowUS
}

func (t *tracker) failed()   { t.stats.ReadErrors++ }
func (t *tracker) notReady() { t.stats.NotReady++ }

// StatsReporter is implemented by sources that keep Stats.
type StatsReporter interface {
	Stats() Stats
}
