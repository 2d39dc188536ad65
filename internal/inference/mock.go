package inference

import (
	"sync"
	"time"

	"github.com/banshee-data/edgepipe/internal/timeutil"
)

// MockEngine stands in for a model that failed to load. It reports IDLE
// with 0.95 confidence, except that call 25 of every 50 reports WAVE and
// call 35 reports TAP, so downstream sinks see occasional gestures.
type MockEngine struct {
	// Delay simulates model latency on Clock.
	Delay time.Duration
	Clock timeutil.Clock

	mu    sync.Mutex
	calls uint32
	fail  func(call uint32) error
}

// NewMockEngine returns a MockEngine with no simulated delay.
func NewMockEngine() *MockEngine { return &MockEngine{} }

// FailWhen makes Infer return fn's error for calls where it is non-nil.
func (m *MockEngine) FailWhen(fn func(call uint32) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Calls returns how many times Infer ran.
func (m *MockEngine) Calls() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockEngine) Infer(input []int8) (Output, error) {
	m.mu.Lock()
	n := m.calls
	m.calls++
	fail := m.fail
	m.mu.Unlock()

	if m.Delay > 0 {
		timeutil.OrReal(m.Clock).Sleep(m.Delay)
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return Output{}, err
		}
	}

	scores := Scores{0.95, 0.02, 0.02, 0.01}
	switch n % 50 {
	case 25:
		scores[Wave], scores[Idle] = 0.85, 0.10
	case 35:
		scores[Tap], scores[Idle] = 0.90, 0.05
	}
	label, conf := scores.Best()
	return Output{Label: label, Confidence: conf, Scores: scores}, nil
}
