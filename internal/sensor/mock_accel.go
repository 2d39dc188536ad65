package sensor

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/edgepipe/internal/inference"
	"github.com/banshee-data/edgepipe/internal/monitoring"
	"github.com/banshee-data/edgepipe/internal/timeutil"
)

// Simulated accelerometer constants, in sensor counts.
const (
	Gravity          = 8192 // 1 g at the 2 g range
	NoiseAmplitude   = 100
	GestureAmplitude = 4000

	DefaultGestureInterval = 3 * time.Second
	DefaultGestureDuration = 500 * time.Millisecond
)

// MockAccelOptions configures a MockAccel. Zero fields take defaults.
type MockAccelOptions struct {
	Clock           timeutil.Clock
	Seed            int64
	GestureInterval time.Duration
	GestureDuration time.Duration
	// MinPeriod makes Read return ErrNotReady when polled faster than the
	// simulated output data rate. Zero disables the check.
	MinPeriod time.Duration
	Logger    *zap.Logger
}

// MockAccel simulates an accelerometer at rest that performs a gesture every
// GestureInterval. Gestures cycle WAVE, TAP, CIRCLE and last
// GestureDuration each; between gestures the device reports gravity on Z
// plus small noise.
type MockAccel struct {
	clock    timeutil.Clock
	micros   *timeutil.MicroClock
	interval time.Duration
	duration time.Duration
	minGap   time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	current  inference.Gesture
	started  time.Time
	next     time.Time
	cycle    int
	lastRead time.Time
	track    tracker
}

// NewMockAccel returns a simulator whose first gesture starts one interval
// after construction.
func NewMockAccel(opts MockAccelOptions) *MockAccel {
	clock := timeutil.OrReal(opts.Clock)
	if opts.GestureInterval <= 0 {
		opts.GestureInterval = DefaultGestureInterval
	}
	if opts.GestureDuration <= 0 {
		opts.GestureDuration = DefaultGestureDuration
	}
	m := &MockAccel{
		clock:    clock,
		micros:   timeutil.NewMicroClock(clock),
		interval: opts.GestureInterval,
		duration: opts.GestureDuration,
		minGap:   opts.MinPeriod,
		log:      monitoring.OrNop(opts.Logger).Named("mock_accel"),
		rng:      rand.New(rand.NewSource(opts.Seed)),
		current:  inference.Idle,
	}
	m.next = clock.Now().Add(m.interval)
	m.log.Info("mock accelerometer ready",
		zap.Duration("gesture_interval", m.interval),
		zap.Duration("gesture_duration", m.duration))
	return m
}

var gestureCycle = [...]inference.Gesture{inference.Wave, inference.Tap, inference.Circle}

// Read synthesises the sample for the current instant.
func (m *MockAccel) Read() (Sample, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.minGap > 0 && !m.lastRead.IsZero() && now.Sub(m.lastRead) < m.minGap {
		m.track.notReady()
		return Sample{}, ErrNotReady
	}
	m.lastRead = now

	if m.current == inference.Idle && !now.Before(m.next) {
		m.current = gestureCycle[m.cycle%len(gestureCycle)]
		m.cycle++
		m.started = now
		m.log.Info("starting gesture", zap.Stringer("gesture", m.current))
	}
	elapsed := now.Sub(m.started)
	if m.current != inference.Idle && elapsed >= m.duration {
		m.log.Info("gesture complete", zap.Stringer("gesture", m.current))
		m.current = inference.Idle
		m.next = now.Add(m.interval)
	}

	var s Sample
	t := float64(elapsed) / float64(m.duration) // 0..1 through the gesture
	switch m.current {
	case inference.Wave:
		// Sinusoid on X with a smaller Y component, fading out.
		phase := t * 4 * math.Pi
		env := 1 - t
		s.X = int16(math.Sin(phase) * GestureAmplitude * env)
		s.Y = int16(math.Cos(phase*0.5) * GestureAmplitude * 0.3 * env)
		s.Z = Gravity + m.noise()
	case inference.Tap:
		// Sharp spike with a decaying ring.
		decay := math.Exp(-t * 8)
		s.X = m.noise()
		s.Y = int16(GestureAmplitude * 1.5 * decay * math.Sin(t*30))
		s.Z = Gravity + int16(GestureAmplitude*0.5*decay)
	case inference.Circle:
		phase := t * 2 * math.Pi
		env := math.Sin(t * math.Pi)
		s.X = int16(math.Cos(phase) * GestureAmplitude * env)
		s.Y = int16(math.Sin(phase) * GestureAmplitude * env)
		s.Z = Gravity + m.noise()
	default:
		s.X = m.noise()
		s.Y = m.noise()
		s.Z = Gravity + m.noise()
	}
	s.TimestampUS = m.micros.NowMicros()
	m.track.read(s.TimestampUS)
	return s, nil
}

// noise returns a uniform value in [-NoiseAmplitude, NoiseAmplitude].
func (m *MockAccel) noise() int16 {
	return int16(m.rng.Intn(2*NoiseAmplitude+1) - NoiseAmplitude)
}

// Gesture returns the pattern currently being played.
func (m *MockAccel) Gesture() inference.Gesture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Stats returns the read counters.
func (m *MockAccel) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track.stats
}
