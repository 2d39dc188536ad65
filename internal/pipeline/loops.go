package pipeline

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/edgepipe/internal/gate"
	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
	"github.com/banshee-data/edgepipe/internal/output"
	"github.com/banshee-data/edgepipe/internal/preprocess"
	"github.com/banshee-data/edgepipe/internal/sensor"
)

// board is reported in the startup record when Config.Board is empty.
const board = "go"

// every runs fn once per period until shutdown. It returns as soon as Stop
// is called, even mid-period.
func (p *Pipeline) every(period time.Duration, fn func()) {
	ticker := p.clock.NewTicker(period)
	defer ticker.Stop()
	for !p.Stopping() {
		fn()
		select {
		case <-ticker.C():
		case <-p.done.Done():
			return
		}
	}
}

// sleep waits d or until shutdown.
func (p *Pipeline) sleep(d time.Duration) {
	t := p.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
	case <-p.done.Done():
	}
}

func (p *Pipeline) sampling(probe *healthmon.GoroutineProbe) {
	p.every(p.cfg.SamplePeriod, func() { p.sampleOnce(probe) })
}

func (p *Pipeline) sampleOnce(probe *healthmon.GoroutineProbe) {
	s, err := p.source.Read()
	if errors.Is(err, sensor.ErrNotReady) {
		return
	}
	if err != nil {
		p.counters.sampleErrors.Add(1)
		if p.metrics != nil {
			p.metrics.SampleErrors.Inc()
		}
		if p.readWarn.Warn("sensor read failed", zap.Error(err)) {
			p.announceError(output.CodeSensor, "sensor read failed: "+err.Error())
		}
		return
	}

	probe.Observe()
	ready, err := p.window.AddSample(s)
	if err != nil {
		if errors.Is(err, preprocess.ErrOverrun) {
			p.counters.overruns.Add(1)
			if p.metrics != nil {
				p.metrics.OverrunsTotal.Inc()
			}
			p.overrunWarn.Warn("window overrun, sample dropped", zap.Uint32("ts_us", s.TimestampUS))
			return
		}
		p.log.Error("failed to add sample", zap.Error(err))
		return
	}
	p.counters.samples.Add(1)
	if p.metrics != nil {
		p.metrics.SamplesTotal.Inc()
	}

	// One wake per exposed window. A window parked behind the pending one
	// is announced by computeOnce when it is promoted.
	if ready {
		p.notify()
	}
}

func (p *Pipeline) notify() {
	if !p.gate.Notify() && p.metrics != nil {
		p.metrics.GateCoalesced.Inc()
	}
}

func (p *Pipeline) computation(probe *healthmon.GoroutineProbe) {
	buf := make([]int8, p.cfg.Window.InputLen())
	for {
		outcome := p.gate.WaitContext(p.done, p.cfg.GateTimeout)
		// A wake that races with Stop must not push a result.
		if p.Stopping() {
			return
		}
		if outcome == gate.TimedOut {
			if p.metrics != nil {
				p.metrics.GateTimeouts.Inc()
			}
			continue
		}
		p.computeOnce(buf, probe)
	}
}

func (p *Pipeline) computeOnce(buf []int8, probe *healthmon.GoroutineProbe) {
	if err := p.window.TakeQuantized(buf); err != nil {
		if !errors.Is(err, preprocess.ErrNotReady) {
			p.log.Error("failed to take window", zap.Error(err))
		}
		return
	}
	p.counters.windows.Add(1)
	if p.metrics != nil {
		p.metrics.WindowsTotal.Inc()
	}
	// The producer may have completed a second window while this one was
	// pending; it is now exposed and needs its own wake.
	if p.window.Ready() {
		p.notify()
	}

	probe.Observe()
	out, err := p.runner.Run(buf)
	if err != nil {
		p.counters.inferenceFailures.Add(1)
		if p.metrics != nil {
			p.metrics.InferenceFailures.Inc()
		}
		p.log.Warn("computation failed, window dropped", zap.Error(err))
		p.announceError(output.CodeComputation, err.Error())
		return
	}

	p.seq++
	r := inference.Result{
		Sequence:        p.seq,
		Gesture:         out.Label,
		Confidence:      out.Confidence,
		Scores:          out.Scores,
		InferenceMicros: uint32(out.Elapsed.Microseconds()),
		TimestampMicros: p.micros.NowMicros(),
	}
	dropped := p.queue.Dropped()
	if err := p.queue.Push(r); err != nil {
		p.log.Error("failed to queue result", zap.Uint32("seq", r.Sequence), zap.Error(err))
		return
	}
	p.lastSeq.Store(r.Sequence)
	p.counters.inferences.Add(1)
	if p.metrics != nil {
		p.metrics.InferencesTotal.Inc()
		p.metrics.InferenceLatency.Observe(out.Elapsed.Seconds())
		p.metrics.QueueDepth.Set(float64(p.queue.Len()))
		if n := p.queue.Dropped() - dropped; n > 0 {
			p.metrics.QueueDropped.Add(float64(n))
		}
	}
}

func (p *Pipeline) draining(probe *healthmon.GoroutineProbe) {
	for !p.Stopping() {
		r, err := p.queue.Pop()
		if err != nil {
			p.sleep(p.cfg.DrainBackoff)
			continue
		}
		probe.Observe()
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(p.queue.Len()))
		}
		if err := p.sink.Emit(r, p.monitor.Snapshot()); err != nil {
			p.counters.sinkErrors.Add(1)
			if p.metrics != nil {
				p.metrics.SinkErrors.Inc()
			}
			p.sinkWarn.Warn("failed to emit result", zap.Uint32("seq", r.Sequence), zap.Error(err))
			continue
		}
		p.counters.emitted.Add(1)
	}
}

func (p *Pipeline) monitoring(probe *healthmon.GoroutineProbe) {
	lastBeat := p.clock.Now()
	warned := false
	p.every(p.cfg.MonitorPeriod, func() {
		probe.Observe()
		status := p.monitor.Check()
		snap := p.monitor.Snapshot()

		p.log.Debug("health check",
			zap.Bool("healthy", status.Healthy),
			zap.Uint64("heap_used", snap.HeapUsed),
			zap.Float64("cpu_percent", snap.CPUPercent),
			zap.Int("goroutines", snap.Goroutines),
			zap.Any("contexts", snap.Contexts))

		if !status.Healthy && !warned {
			p.announceError(output.CodeResource, "stack usage above threshold")
		}
		warned = !status.Healthy

		if p.cfg.DebugRecords {
			if d, ok := p.sink.(output.DebugEmitter); ok {
				if err := d.EmitDebug(snap); err != nil {
					p.sinkWarn.Warn("failed to emit debug record", zap.Error(err))
				}
			}
		}

		if p.cfg.HeartbeatPeriod > 0 && p.clock.Since(lastBeat) >= p.cfg.HeartbeatPeriod {
			lastBeat = p.clock.Now()
			p.heartbeat()
		}
	})
}

func (p *Pipeline) heartbeat() {
	a, ok := p.sink.(output.Announcer)
	if !ok {
		return
	}
	p.counters.heartbeats.Add(1)
	if err := a.EmitHeartbeat(p.micros.Uptime(), p.micros.NowMicros()); err != nil {
		p.sinkWarn.Warn("failed to emit heartbeat", zap.Error(err))
	}
}

func (p *Pipeline) announceStartup() {
	a, ok := p.sink.(output.Announcer)
	if !ok {
		return
	}
	b := output.Banner{Version: p.cfg.Version, Board: p.cfg.Board, TimestampMicros: p.micros.NowMicros()}
	if b.Board == "" {
		b.Board = board
	}
	if err := a.EmitStartup(b); err != nil {
		p.log.Warn("failed to emit startup record", zap.Error(err))
	}
}

func (p *Pipeline) announceError(code int, msg string) {
	a, ok := p.sink.(output.Announcer)
	if !ok {
		return
	}
	if err := a.EmitError(code, msg, p.micros.NowMicros()); err != nil {
		p.sinkWarn.Warn("failed to emit error record", zap.Error(err))
	}
}
