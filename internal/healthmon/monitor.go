// Package healthmon watches the stack usage of the pipeline's execution
// contexts and the process's CPU and heap usage.
//
// Contexts are registered once at startup into a bounded table. Each Check
// pass reads every context's probe, keeps a never-decreasing peak, and
// counts a warning whenever usage is above the threshold fraction of the
// context's capacity. A context that has crossed the threshold once stays
// Warned for reporting even if its usage later falls. A probe that fails
// only makes its own context unknown for that pass.
package healthmon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/edgepipe/internal/monitoring"
	"github.com/banshee-data/edgepipe/internal/timeutil"
)

var (
	ErrRegistryFull = errors.New("healthmon: registry full")
	ErrUnsupported  = errors.New("healthmon: stack introspection unsupported")
	ErrDuplicate    = errors.New("healthmon: context already registered")
	ErrInvalidInput = errors.New("healthmon: invalid input")
)

const (
	DefaultMaxContexts   = 4
	DefaultWarnThreshold = 0.80
)

// State is a context's reporting state.
type State int

const (
	Healthy State = iota
	Warned
)

func (s State) String() string {
	if s == Warned {
		return "warned"
	}
	return "healthy"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*s = Healthy
	case "warned":
		*s = Warned
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidInput, b)
	}
	return nil
}

// Options configures a Monitor. Zero fields take defaults.
type Options struct {
	MaxContexts   int
	WarnThreshold float64
	Clock         timeutil.Clock
	Runtime       RuntimeSampler
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
}

type record struct {
	name     string
	probe    StackProbe
	capacity uint64
	usage    uint64
	peak     uint64
	known    bool
	over     bool
	state    State
	warnings uint64
}

// Monitor is the resource monitor. Register and Check are called from the
// monitoring context; Snapshot and Healthy may be called from any goroutine.
type Monitor struct {
	maxContexts int
	threshold   float64
	clock       timeutil.Clock
	runtime     RuntimeSampler
	log         *zap.Logger
	metrics     *monitoring.Metrics
	start       time.Time

	mu        sync.RWMutex
	contexts  []*record
	warnings  uint64
	checks    uint64
	lastCheck time.Time
	rt        RuntimeStats
}

// New builds an empty Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.MaxContexts == 0 {
		opts.MaxContexts = DefaultMaxContexts
	}
	if opts.WarnThreshold == 0 {
		opts.WarnThreshold = DefaultWarnThreshold
	}
	if opts.MaxContexts < 0 {
		return nil, fmt.Errorf("%w: max contexts %d", ErrInvalidInput, opts.MaxContexts)
	}
	if opts.WarnThreshold < 0 || opts.WarnThreshold > 1 {
		return nil, fmt.Errorf("%w: warn threshold %v not in (0,1]", ErrInvalidInput, opts.WarnThreshold)
	}
	clock := timeutil.OrReal(opts.Clock)
	rt := opts.Runtime
	if rt == nil {
		rt = NewGoRuntimeSampler()
	}
	return &Monitor{
		maxContexts: opts.MaxContexts,
		threshold:   opts.WarnThreshold,
		clock:       clock,
		runtime:     rt,
		log:         monitoring.OrNop(opts.Logger).Named("healthmon"),
		metrics:     opts.Metrics,
		start:       clock.Now(),
		contexts:    make([]*record, 0, opts.MaxContexts),
	}, nil
}

// Register adds a context with its stack capacity in bytes.
func (m *Monitor) Register(probe StackProbe, name string, capacity uint64) error {
	if probe == nil || name == "" || capacity == 0 {
		return fmt.Errorf("%w: probe=%v name=%q capacity=%d", ErrInvalidInput, probe != nil, name, capacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contexts {
		if c.name == name {
			return fmt.Errorf("%w: %q", ErrDuplicate, name)
		}
	}
	if len(m.contexts) >= m.maxContexts {
		m.log.Warn("max monitored contexts reached", zap.String("context", name), zap.Int("max", m.maxContexts))
		return fmt.Errorf("%w: %d contexts, cannot add %q", ErrRegistryFull, m.maxContexts, name)
	}
	m.contexts = append(m.contexts, &record{name: name, probe: probe, capacity: capacity})
	m.log.Info("registered context for monitoring", zap.String("context", name), zap.Uint64("capacity", capacity))
	return nil
}

// HealthStatus summarises one Check pass.
type HealthStatus struct {
	Healthy bool `json:"healthy"`
	// OverThreshold names contexts above the threshold in this pass.
	OverThreshold []string `json:"over_threshold,omitempty"`
	// Unknown names contexts whose probe failed in this pass.
	Unknown   []string  `json:"unknown,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Check runs one monitoring pass.
func (m *Monitor) Check() HealthStatus {
	m.mu.RLock()
	ctxs := append([]*record(nil), m.contexts...)
	m.mu.RUnlock()

	// Probes run outside the lock; a slow probe must not stall Snapshot.
	type reading struct {
		usage uint64
		err   error
	}
	readings := make([]reading, len(ctxs))
	for i, c := range ctxs {
		readings[i].usage, readings[i].err = c.probe.StackUsage()
	}
	rt := m.runtime.Sample()
	now := m.clock.Now()

	status := HealthStatus{Healthy: true, CheckedAt: now}

	type warning struct {
		name           string
		used, capacity uint64
	}
	var warn []warning

	m.mu.Lock()
	for i, c := range ctxs {
		r := readings[i]
		if r.err != nil {
			c.usage, c.known, c.over = 0, false, false
			status.Unknown = append(status.Unknown, c.name)
			m.log.Debug("stack probe failed", zap.String("context", c.name), zap.Error(r.err))
			continue
		}
		c.usage, c.known = r.usage, true
		if r.usage > c.peak {
			c.peak = r.usage
		}
		c.over = float64(r.usage) > m.threshold*float64(c.capacity)
		if c.over {
			c.state = Warned
			c.warnings++
			m.warnings++
			status.Healthy = false
			status.OverThreshold = append(status.OverThreshold, c.name)
			warn = append(warn, warning{c.name, r.usage, c.capacity})
		}
	}
	m.rt = rt
	m.checks++
	m.lastCheck = now
	m.mu.Unlock()

	for _, w := range warn {
		m.log.Warn("context stack above threshold",
			zap.String("context", w.name),
			zap.Float64("percent", percent(w.used, w.capacity)),
			zap.Uint64("used", w.used),
			zap.Uint64("capacity", w.capacity))
	}
	m.observeMetrics(status)
	return status
}

func (m *Monitor) observeMetrics(status HealthStatus) {
	if m.metrics == nil {
		return
	}
	snap := m.Snapshot()
	for _, c := range snap.Contexts {
		m.metrics.StackUsedBytes.WithLabelValues(c.Name).Set(float64(c.Usage))
		m.metrics.StackPeakBytes.WithLabelValues(c.Name).Set(float64(c.Peak))
	}
	m.metrics.StackWarnings.Add(float64(len(status.OverThreshold)))
	m.metrics.CPUPercent.Set(snap.CPUPercent)
	m.metrics.HeapUsedBytes.Set(float64(snap.HeapUsed))
	m.metrics.HealthChecks.Inc()
	m.metrics.UptimeSeconds.Set(float64(snap.UptimeMS) / 1000)
	warned := 0
	for _, c := range snap.Contexts {
		if c.State == Warned {
			warned++
		}
	}
	m.metrics.ContextsWarned.Set(float64(warned))
}

// Healthy reports whether the last Check found every context below the
// threshold. It is true before the first Check.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.contexts {
		if c.over {
			return false
		}
	}
	return true
}

// Len returns the number of registered contexts.
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

func percent(used, capacity uint64) float64 {
	if capacity == 0 {
		return 0
	}
	return float64(used) * 100 / float64(capacity)
}
