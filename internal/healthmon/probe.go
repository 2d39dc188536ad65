package healthmon

import (
	"runtime"
	"sync"
)

// StackProbe reports the stack usage, in bytes, of one execution context.
// Implementations return ErrUnsupported (or any error) when the usage
// cannot be read; the monitor then reports the context as unknown for that
// pass.
type StackProbe interface {
	StackUsage() (uint64, error)
}

// ProbeFunc adapts a function to StackProbe.
type ProbeFunc func() (uint64, error)

func (f ProbeFunc) StackUsage() (uint64, error) { return f() }

// DefaultFrameBytes is the per-frame stack estimate used by GoroutineProbe.
const DefaultFrameBytes = 256

const maxProbeDepth = 512

// GoroutineProbe estimates a goroutine's stack usage from its call depth.
// The Go runtime does not expose per-goroutine stack high-water marks to
// other goroutines, so the owning goroutine calls Observe at its deepest
// points and the monitor reads the recorded mark.
//
// StackUsage returns the deepest observation since the previous read, or
// the previous value when nothing new was observed, so a context that has
// backed off shows lower usage on the next check.
type GoroutineProbe struct {
	frameBytes uint64

	mu       sync.Mutex
	mark     uint64 // deepest since last read
	last     uint64 // value returned by the previous read
	observed bool
}

// NewGoroutineProbe returns a probe using frameBytes per frame
// (DefaultFrameBytes when zero).
func NewGoroutineProbe(frameBytes uint64) *GoroutineProbe {
	if frameBytes == 0 {
		frameBytes = DefaultFrameBytes
	}
	return &GoroutineProbe{frameBytes: frameBytes}
}

// Observe records the calling goroutine's current depth. It must be called
// from the goroutine being monitored.
func (p *GoroutineProbe) Observe() uint64 {
	var pcs [maxProbeDepth]uintptr
	depth := runtime.Callers(1, pcs[:])
	usage := uint64(depth) * p.frameBytes
	p.Record(usage)
	return usage
}

// Record stores a usage figure measured by other means.
func (p *GoroutineProbe) Record(usage uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.observed || usage > p.mark {
		p.mark = usage
	}
	p.observed = true
}

func (p *GoroutineProbe) StackUsage() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.observed {
		p.last = p.mark
		p.mark = 0
		p.observed = false
		return p.last, nil
	}
	if p.last == 0 {
		return 0, ErrUnsupported
	}
	return p.last, nil
}
