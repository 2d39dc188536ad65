package inference

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/edgepipe/internal/timeutil"
)

// Stats counts engine calls and their latency.
type Stats struct {
	Failures uint32 `json:"failures"`
	timeutil.TimingStats
}

// Runner wraps an Engine with input validation, timing and statistics.
type Runner struct {
	engine   Engine
	inputLen int
	clock    *timeutil.MicroClock
	log      *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// NewRunner returns a Runner that accepts exactly inputLen values per call.
func NewRunner(engine Engine, inputLen int, clock *timeutil.MicroClock, log *zap.Logger) (*Runner, error) {
	if engine == nil || inputLen <= 0 {
		return nil, fmt.Errorf("%w: engine=%v inputLen=%d", ErrInvalidInput, engine != nil, inputLen)
	}
	if clock == nil {
		clock = timeutil.NewMicroClock(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{engine: engine, inputLen: inputLen, clock: clock, log: log}, nil
}

// Run classifies input. Engine errors are wrapped in ErrComputationFailed
// and counted; the caller drops the window and carries on.
func (r *Runner) Run(input []int8) (Output, error) {
	if len(input) != r.inputLen {
		return Output{}, fmt.Errorf("%w: input length %d, want %d", ErrInvalidInput, len(input), r.inputLen)
	}

	sw := r.clock.StartStopwatch()
	out, err := r.engine.Infer(input)
	us := sw.ElapsedMicros()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.stats.Failures++
		return Output{}, fmt.Errorf("%w: %w", ErrComputationFailed, err)
	}
	if out.Elapsed > 0 {
		us = uint32(out.Elapsed.Microseconds())
	}
	if int(out.Label) >= GestureCount {
		r.stats.Failures++
		return Output{}, fmt.Errorf("%w: label %d out of range", ErrComputationFailed, out.Label)
	}
	out.Elapsed = time.Duration(us) * time.Microsecond
	r.stats.Record(us)

	r.log.Debug("inference",
		zap.Stringer("gesture", out.Label),
		zap.Float32("confidence", out.Confidence),
		zap.Uint32("latency_us", us))
	return out, nil
}

// Stats returns a copy of the counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// ResetStats clears the counters.
func (r *Runner) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = Stats{}
}

// InputLen is the window length the runner expects.
func (r *Runner) InputLen() int { return r.inputLen }
