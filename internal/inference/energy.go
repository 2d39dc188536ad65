package inference

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultIdleEnergy is the summed per-axis variance, in squared quantised
// units, below which a window is considered at rest.
const DefaultIdleEnergy = 25.0

// EnergyEngine is a deterministic classifier for hosts without a model. It
// scores a window from the variance on each axis: little total motion is
// IDLE, motion dominated by X is WAVE, by Z is TAP, and X and Y moving
// together is CIRCLE. Scores are a softmax over those features.
type EnergyEngine struct {
	Channels   int
	IdleEnergy float64
}

// NewEnergyEngine returns an engine for channel-interleaved input.
func NewEnergyEngine(channels int) (*EnergyEngine, error) {
	if channels < 1 || channels > 3 {
		return nil, fmt.Errorf("%w: channels %d", ErrInvalidInput, channels)
	}
	return &EnergyEngine{Channels: channels, IdleEnergy: DefaultIdleEnergy}, nil
}

// AxisVariance splits input into per-channel series and returns the sample
// variance of each (zero for absent channels).
func AxisVariance(input []int8, channels int) [3]float64 {
	var out [3]float64
	n := len(input) / channels
	if n < 2 {
		return out
	}
	series := make([]float64, n)
	for c := 0; c < channels; c++ {
		for i := 0; i < n; i++ {
			series[i] = float64(input[i*channels+c])
		}
		out[c] = stat.Variance(series, nil)
	}
	return out
}

func (e *EnergyEngine) Infer(input []int8) (Output, error) {
	if e.Channels < 1 || len(input)%e.Channels != 0 || len(input) == 0 {
		return Output{}, fmt.Errorf("%w: %d values for %d channels", ErrInvalidInput, len(input), e.Channels)
	}
	idle := e.IdleEnergy
	if idle <= 0 {
		idle = DefaultIdleEnergy
	}

	v := AxisVariance(input, e.Channels)
	energy := floats.Sum(v[:])
	activity := math.Min(energy/idle, 4)

	var sx, sy, sz float64
	if energy > 0 {
		sx, sy, sz = v[0]/energy, v[1]/energy, v[2]/energy
	}

	logits := []float64{
		Idle:   2 - 2*activity,
		Wave:   activity * (3*sx - 1),
		Tap:    activity * (3*sz - 1),
		Circle: activity * (6*math.Min(sx, sy) - 1),
	}
	softmax(logits)

	var scores Scores
	for i, p := range logits {
		scores[i] = float32(p)
	}
	label, conf := scores.Best()
	return Output{Label: label, Confidence: conf, Scores: scores}, nil
}

func softmax(x []float64) {
	floats.AddConst(-floats.Max(x), x)
	for i := range x {
		x[i] = math.Exp(x[i])
	}
	floats.Scale(1/floats.Sum(x), x)
}
