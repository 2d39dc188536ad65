// Package preprocess turns a stream of accelerometer samples into fixed-size
// quantised feature windows.
//
// A Window owns two sample buffers. The producer (sampling loop) appends to
// the active buffer; when it fills, the buffer is handed to the consumer
// (computation loop) as the pending window together with a snapshot of the
// per-channel DC estimate, and the producer moves on to the other buffer.
// If the producer fills its second buffer before the consumer has taken the
// pending one, further samples are rejected with ErrOverrun until the
// consumer catches up. Accepted samples are therefore never overwritten
// before they are consumed, and no sample ends up in two windows.
package preprocess

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/edgepipe/internal/sensor"
)

var (
	ErrNotReady       = errors.New("preprocess: window not ready")
	ErrBufferTooSmall = errors.New("preprocess: destination buffer too small")
	ErrInvalidInput   = errors.New("preprocess: invalid input")
	ErrOverrun        = errors.New("preprocess: both window buffers awaiting consumer")
)

// Defaults match the gesture model's training pipeline.
const (
	DefaultWindowSize = 50
	DefaultChannels   = 3
	DefaultDCAlpha    = 0.95
	DefaultQuantScale = 127.0 / 16384.0
)

// DefaultDCInitial assumes the device starts at rest with gravity on Z.
var DefaultDCInitial = [sensor.MaxChannels]float64{0, 0, 8192}

// Config sizes and tunes a Window.
type Config struct {
	WindowSize int
	Channels   int
	QuantScale float64
	DCAlpha    float64
	DCInitial  [sensor.MaxChannels]float64
}

// DefaultConfig returns the 50x3 window used by the gesture model.
func DefaultConfig() Config {
	return Config{
		WindowSize: DefaultWindowSize,
		Channels:   DefaultChannels,
		QuantScale: DefaultQuantScale,
		DCAlpha:    DefaultDCAlpha,
		DCInitial:  DefaultDCInitial,
	}
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.WindowSize < 1:
		return fmt.Errorf("%w: window size %d", ErrInvalidInput, c.WindowSize)
	case c.Channels < 1 || c.Channels > sensor.MaxChannels:
		return fmt.Errorf("%w: channels %d not in 1..%d", ErrInvalidInput, c.Channels, sensor.MaxChannels)
	case !(c.QuantScale > 0) || math.IsInf(c.QuantScale, 0):
		return fmt.Errorf("%w: quant scale %v", ErrInvalidInput, c.QuantScale)
	case !(c.DCAlpha > 0 && c.DCAlpha < 1):
		return fmt.Errorf("%w: dc alpha %v not in (0,1)", ErrInvalidInput, c.DCAlpha)
	}
	return nil
}

// InputLen is the length of the quantised buffer produced per window.
func (c Config) InputLen() int { return c.WindowSize * c.Channels }

// Stats counts window activity since construction.
type Stats struct {
	SamplesAccepted uint64 `json:"samples_accepted"`
	Overruns        uint64 `json:"overruns"`
	WindowsReady    uint64 `json:"windows_ready"`
	WindowsTaken    uint64 `json:"windows_taken"`
	Fill            int    `json:"fill"`
	Pending         bool   `json:"pending"`
	Queued          bool   `json:"queued"`
}

const none = -1

// Window is the double-buffered preprocessing stage. It is safe for one
// producer and one consumer goroutine.
type Window struct {
	cfg Config

	mu      sync.Mutex
	bufs    [2][]sensor.Sample
	snaps   [2][sensor.MaxChannels]float64 // DC estimate at buffer completion
	active  int                            // producer buffer, none while both are full
	pos     int                            // samples in the active buffer
	pending int                            // buffer exposed as ready
	queued  int                            // completed buffer waiting behind pending
	dc      [sensor.MaxChannels]float64
	stats   Stats
}

// New allocates both buffers up front.
func New(cfg Config) (*Window, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Window{cfg: cfg}
	for i := range w.bufs {
		w.bufs[i] = make([]sensor.Sample, cfg.WindowSize)
	}
	w.clearLocked()
	w.dc = cfg.DCInitial
	return w, nil
}

// Config returns the configuration the window was built with.
func (w *Window) Config() Config { return w.cfg }

// AddSample updates the DC estimate and appends s to the active buffer.
// It reports ready when s completed a window that is now exposed to the
// consumer; a window parked behind the pending one is not ready until
// TakeQuantized promotes it. It returns ErrOverrun, without absorbing s,
// while both buffers hold completed windows.
func (w *Window) AddSample(s sensor.Sample) (ready bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == none {
		w.stats.Overruns++
		return false, ErrOverrun
	}

	a := 1 - w.cfg.DCAlpha
	for c := 0; c < w.cfg.Channels; c++ {
		w.dc[c] = w.cfg.DCAlpha*w.dc[c] + a*float64(s.Channel(c))
	}

	w.bufs[w.active][w.pos] = s
	w.pos++
	w.stats.SamplesAccepted++

	if w.pos < w.cfg.WindowSize {
		return false, nil
	}

	// Active buffer complete.
	done := w.active
	w.snaps[done] = w.dc
	w.stats.WindowsReady++
	w.pos = 0
	if w.pending == none {
		w.pending = done
		w.active = 1 - done
		return true, nil
	}
	w.queued = done
	w.active = none
	return false, nil
}

// Ready reports whether a completed window is waiting to be taken.
func (w *Window) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != none
}

// TakeQuantized writes the pending window into dst as channel-interleaved
// int8 values and releases it. Each value is (x - dc) * QuantScale
// truncated toward zero and saturated to [-128, 127], where dc is the
// estimate captured when the window completed.
func (w *Window) TakeQuantized(dst []int8) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending == none {
		return ErrNotReady
	}
	if need := w.cfg.InputLen(); len(dst) < need {
		return fmt.Errorf("%w: have %d, need %d", ErrBufferTooSmall, len(dst), need)
	}

	p := w.pending
	dc := w.snaps[p]
	ch := w.cfg.Channels
	for i, s := range w.bufs[p] {
		for c := 0; c < ch; c++ {
			dst[i*ch+c] = Quantize(float64(s.Channel(c))-dc[c], w.cfg.QuantScale)
		}
	}
	w.stats.WindowsTaken++

	w.pending = none
	if w.queued != none {
		w.pending = w.queued
		w.queued = none
		w.active = p
		w.pos = 0
	}
	return nil
}

// Quantize scales v, truncates toward zero and saturates to the int8 range.
func Quantize(v, scale float64) int8 {
	q := v * scale
	switch {
	case math.IsNaN(q):
		return 0
	case q >= math.MaxInt8:
		return math.MaxInt8
	case q <= math.MinInt8:
		return math.MinInt8
	}
	return int8(q)
}

// Clear discards buffered samples and any pending windows. The DC estimate
// is kept.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clearLocked()
}

// Reset is Clear plus restoring the initial DC estimate.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clearLocked()
	w.dc = w.cfg.DCInitial
}

func (w *Window) clearLocked() {
	w.active = 0
	w.pos = 0
	w.pending = none
	w.queued = none
}

// Fill returns the number of samples in the buffer currently being written.
// While both buffers are full it reports the window size.
func (w *Window) Fill() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fillLocked()
}

func (w *Window) fillLocked() int {
	if w.active == none {
		return w.cfg.WindowSize
	}
	return w.pos
}

// DC returns the current per-channel DC estimate.
func (w *Window) DC() [sensor.MaxChannels]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dc
}

// Stats returns a copy of the counters.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.Fill = w.fillLocked()
	st.Pending = w.pending != none
	st.Queued = w.queued != none
	return st
}
