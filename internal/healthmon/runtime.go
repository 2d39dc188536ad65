package healthmon

import (
	"runtime"
	"runtime/metrics"
	"sync"
)

// RuntimeStats is the process-wide part of a health check.
type RuntimeStats struct {
	CPUPercent float64
	HeapUsed   uint64
	HeapFree   uint64
	Goroutines int
}

// RuntimeSampler reads process-wide resource usage. Each call covers the
// interval since the previous one.
type RuntimeSampler interface {
	Sample() RuntimeStats
}

const (
	metricCPUTotal  = "/cpu/classes/total:cpu-seconds"
	metricCPUIdle   = "/cpu/classes/idle:cpu-seconds"
	metricHeapInUse = "/memory/classes/heap/objects:bytes"
	metricHeapFree  = "/memory/classes/heap/free:bytes"
)

// GoRuntimeSampler reads runtime/metrics. CPU utilisation is the share of
// available CPU time the process spent outside the idle class since the
// last sample; the first sample reports 0.
type GoRuntimeSampler struct {
	mu        sync.Mutex
	samples   []metrics.Sample
	lastTotal float64
	lastIdle  float64
	primed    bool
}

// NewGoRuntimeSampler returns a sampler over the Go runtime's metrics.
func NewGoRuntimeSampler() *GoRuntimeSampler {
	names := []string{metricCPUTotal, metricCPUIdle, metricHeapInUse, metricHeapFree}
	s := &GoRuntimeSampler{samples: make([]metrics.Sample, len(names))}
	for i, n := range names {
		s.samples[i].Name = n
	}
	return s
}

func (s *GoRuntimeSampler) Sample() RuntimeStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.Read(s.samples)
	out := RuntimeStats{Goroutines: runtime.NumGoroutine()}

	total := float64Value(s.samples[0])
	idle := float64Value(s.samples[1])
	out.HeapUsed = uint64Value(s.samples[2])
	out.HeapFree = uint64Value(s.samples[3])

	if s.primed {
		dt, di := total-s.lastTotal, idle-s.lastIdle
		if dt > 0 {
			out.CPUPercent = clampPercent((dt - di) / dt * 100)
		}
	}
	s.lastTotal, s.lastIdle, s.primed = total, idle, true
	return out
}

func float64Value(s metrics.Sample) float64 {
	if s.Value.Kind() == metrics.KindFloat64 {
		return s.Value.Float64()
	}
	return 0
}

func uint64Value(s metrics.Sample) uint64 {
	if s.Value.Kind() == metrics.KindUint64 {
		return s.Value.Uint64()
	}
	return 0
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
