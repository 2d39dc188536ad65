package healthmon

import "time"

// ContextRecord is one context's state as of the last Check.
type ContextRecord struct {
	Name     string  `json:"name"`
	Capacity uint64  `json:"capacity"`
	Usage    uint64  `json:"usage"`
	Peak     uint64  `json:"peak"`
	Percent  float64 `json:"percent"`
	State    State   `json:"state"`
	Known    bool    `json:"known"`
	Warnings uint64  `json:"warnings"`
}

// DebugSnapshot is a point-in-time view of the monitor. It is recomputed
// on every call and never stored.
type DebugSnapshot struct {
	UptimeMS      uint64          `json:"uptime_ms"`
	HeapUsed      uint64          `json:"heap_used"`
	HeapFree      uint64          `json:"heap_free"`
	Contexts      []ContextRecord `json:"contexts"`
	StackWarnings uint64          `json:"stack_warnings"`
	CPUPercent    float64         `json:"cpu_usage"`
	Goroutines    int             `json:"goroutines"`
	Checks        uint64          `json:"checks"`
	LastCheck     time.Time       `json:"last_check"`
}

// Snapshot composes a DebugSnapshot from the last Check. It only reads
// monitor state.
func (m *Monitor) Snapshot() DebugSnapshot {
	uptime := m.clock.Since(m.start)

	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DebugSnapshot{
		UptimeMS:      uint64(uptime.Milliseconds()),
		HeapUsed:      m.rt.HeapUsed,
		HeapFree:      m.rt.HeapFree,
		Contexts:      make([]ContextRecord, len(m.contexts)),
		StackWarnings: m.warnings,
		CPUPercent:    m.rt.CPUPercent,
		Goroutines:    m.rt.Goroutines,
		Checks:        m.checks,
		LastCheck:     m.lastCheck,
	}
	for i, c := range m.contexts {
		snap.Contexts[i] = ContextRecord{
			Name:     c.name,
			Capacity: c.capacity,
			Usage:    c.usage,
			Peak:     c.peak,
			Percent:  percent(c.usage, c.capacity),
			State:    c.state,
			Known:    c.known,
			Warnings: c.warnings,
		}
	}
	return snap
}

// Context returns the record for name.
func (s DebugSnapshot) Context(name string) (ContextRecord, bool) {
	for _, c := range s.Contexts {
		if c.Name == name {
			return c, true
		}
	}
	return ContextRecord{}, false
}

// Busiest returns the known context with the highest usage percentage, the
// figure reported as "stack" on each output record.
func (s DebugSnapshot) Busiest() (ContextRecord, bool) {
	var best ContextRecord
	found := false
	for _, c := range s.Contexts {
		if c.Known && (!found || c.Percent > best.Percent) {
			best, found = c, true
		}
	}
	return best, found
}
