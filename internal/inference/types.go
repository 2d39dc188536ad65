// Package inference defines the gesture classification contract used by the
// computation loop: the Engine interface, the Result value it produces, and
// a Runner that validates, times and counts engine calls.
package inference

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrComputationFailed = errors.New("inference: computation failed")
	ErrInvalidInput      = errors.New("inference: invalid input")
)

// Gesture is a classification label.
type Gesture uint8

const (
	Idle Gesture = iota
	Wave
	Tap
	Circle

	// GestureCount is the number of classes the model scores.
	GestureCount = 4
)

var gestureNames = [GestureCount]string{"IDLE", "WAVE", "TAP", "CIRCLE"}

func (g Gesture) String() string {
	if int(g) >= GestureCount {
		return "UNKNOWN"
	}
	return gestureNames[g]
}

// MarshalText encodes the label by name.
func (g Gesture) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

// UnmarshalText accepts names case-insensitively.
func (g *Gesture) UnmarshalText(b []byte) error {
	v, err := ParseGesture(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// ParseGesture maps a label name back to its Gesture.
func ParseGesture(s string) (Gesture, error) {
	for i, n := range gestureNames {
		if strings.EqualFold(s, n) {
			return Gesture(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown gesture %q", ErrInvalidInput, s)
}

// Scores holds one probability-like value per Gesture.
type Scores [GestureCount]float32

// Best returns the highest scoring gesture and its score. Ties go to the
// lower label.
func (s Scores) Best() (Gesture, float32) {
	best := 0
	for i := 1; i < GestureCount; i++ {
		if s[i] > s[best] {
			best = i
		}
	}
	return Gesture(best), s[best]
}

// Output is what an Engine returns for one window.
type Output struct {
	Label      Gesture
	Confidence float32
	Scores     Scores
	// Elapsed is the engine's own measurement; zero means the Runner's
	// stopwatch is used.
	Elapsed time.Duration
}

// Result is one completed computation as it travels through the result
// queue to the sinks. It is a plain value: copying it copies the scores.
type Result struct {
	Sequence        uint32  `json:"seq"`
	Gesture         Gesture `json:"gesture"`
	Confidence      float32 `json:"conf"`
	Scores          Scores  `json:"scores"`
	InferenceMicros uint32  `json:"latency_us"`
	TimestampMicros uint32  `json:"ts"`
}

// Engine classifies one quantised window. Implementations report failure
// through the returned error and must not retain input.
type Engine interface {
	Infer(input []int8) (Output, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(input []int8) (Output, error)

func (f EngineFunc) Infer(input []int8) (Output, error) { return f(input) }
