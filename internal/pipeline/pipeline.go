// Package pipeline runs the sensor-to-output path as four goroutines that
// share a shutdown flag:
//
//	sampling     polls the source every SamplePeriod into the window
//	computation  waits on the gate, quantises a window and classifies it
//	draining     pops results and hands them to the sink
//	monitoring   runs the resource monitor and emits heartbeats
//
// Each goroutine owns a GoroutineProbe registered with the monitor so the
// debug snapshot reports per-context stack usage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/edgepipe/internal/config"
	"github.com/banshee-data/edgepipe/internal/gate"
	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
	"github.com/banshee-data/edgepipe/internal/monitoring"
	"github.com/banshee-data/edgepipe/internal/output"
	"github.com/banshee-data/edgepipe/internal/preprocess"
	"github.com/banshee-data/edgepipe/internal/resultq"
	"github.com/banshee-data/edgepipe/internal/sensor"
	"github.com/banshee-data/edgepipe/internal/timeutil"
)

var (
	ErrInvalidConfig = errors.New("pipeline: invalid configuration")
	ErrAlreadyRun    = errors.New("pipeline: already started")
)

// Contexts lists the execution contexts in registration order.
var Contexts = []string{
	config.ContextSampling,
	config.ContextComputation,
	config.ContextDraining,
	config.ContextMonitoring,
}

// Config holds the timing and sizing of one pipeline.
type Config struct {
	Window        preprocess.Config
	QueueCapacity int

	SamplePeriod  time.Duration
	GateTimeout   time.Duration
	MonitorPeriod time.Duration
	DrainBackoff  time.Duration
	// HeartbeatPeriod of zero disables heartbeat records.
	HeartbeatPeriod time.Duration
	// DebugRecords emits the monitor snapshot to the sink on every pass.
	DebugRecords bool

	MaxContexts   int
	WarnThreshold float64
	// Stacks maps context name to its stack budget in bytes.
	Stacks map[string]uint64
	// Required contexts must register with the monitor or New fails.
	Required   []string
	FrameBytes uint64

	Version string
	Board   string
}

// FromConfig maps the file/env configuration onto a pipeline Config.
func FromConfig(c *config.Config, version, board string) Config {
	stacks := make(map[string]uint64, len(Contexts))
	for _, name := range Contexts {
		stacks[name] = c.StackBudget(name)
	}
	return Config{
		Window: preprocess.Config{
			WindowSize: c.Window.Size,
			Channels:   c.Window.Channels,
			QuantScale: c.Window.QuantScale,
			DCAlpha:    c.Window.DCAlpha,
			DCInitial:  c.Window.DCInitial,
		},
		QueueCapacity:   c.Queue.Capacity,
		SamplePeriod:    c.Sampling.Period.Std(),
		GateTimeout:     c.Gate.Timeout.Std(),
		MonitorPeriod:   c.Monitor.Period.Std(),
		DrainBackoff:    c.Drain.Backoff.Std(),
		HeartbeatPeriod: c.Monitor.Heartbeat.Std(),
		DebugRecords:    c.Monitor.Debug,
		MaxContexts:     c.Monitor.MaxContexts,
		WarnThreshold:   c.Monitor.WarnThreshold,
		Stacks:          stacks,
		Required:        append([]string(nil), c.Monitor.Required...),
		Version:         version,
		Board:           board,
	}
}

func (c Config) validate() error {
	for name, d := range map[string]time.Duration{
		"sample period":  c.SamplePeriod,
		"gate timeout":   c.GateTimeout,
		"monitor period": c.MonitorPeriod,
		"drain backoff":  c.DrainBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, name, d)
		}
	}
	if c.HeartbeatPeriod < 0 {
		return fmt.Errorf("%w: negative heartbeat period", ErrInvalidConfig)
	}
	return nil
}

// Deps are the collaborators a pipeline cannot build for itself. Source,
// Engine and Sink are required.
type Deps struct {
	Source sensor.Source
	Engine inference.Engine
	Sink   output.Sink

	Clock   timeutil.Clock
	Runtime healthmon.RuntimeSampler
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

// Pipeline wires the stages together. Build with New, start with Run.
type Pipeline struct {
	cfg     Config
	clock   timeutil.Clock
	micros  *timeutil.MicroClock
	log     *zap.Logger
	metrics *monitoring.Metrics

	source  sensor.Source
	window  *preprocess.Window
	gate    *gate.Gate
	runner  *inference.Runner
	queue   *resultq.Queue
	monitor *healthmon.Monitor
	sink    output.Sink
	probes  map[string]*healthmon.GoroutineProbe

	readWarn    *monitoring.LimitedLogger
	overrunWarn *monitoring.LimitedLogger
	sinkWarn    *monitoring.LimitedLogger

	stopping atomic.Bool
	started  atomic.Bool
	done     context.Context
	stop     context.CancelFunc

	// seq is only touched by the computation goroutine.
	seq     uint32
	lastSeq atomic.Uint32

	counters counters
}

type counters struct {
	samples           atomic.Uint64
	sampleErrors      atomic.Uint64
	overruns          atomic.Uint64
	windows           atomic.Uint64
	inferences        atomic.Uint64
	inferenceFailures atomic.Uint64
	emitted           atomic.Uint64
	sinkErrors        atomic.Uint64
	heartbeats        atomic.Uint64
}

// New builds the window, gate, queue, runner and monitor described by cfg
// and registers one stack probe per execution context.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Source == nil || deps.Engine == nil || deps.Sink == nil {
		return nil, fmt.Errorf("%w: source, engine and sink are required", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := monitoring.OrNop(deps.Logger).Named("pipeline")
	clock := timeutil.OrReal(deps.Clock)
	micros := timeutil.NewMicroClock(clock)

	window, err := preprocess.New(cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	queue, err := resultq.New(cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	runner, err := inference.NewRunner(deps.Engine, cfg.Window.InputLen(), micros, log.Named("inference"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	monitor, err := healthmon.New(healthmon.Options{
		MaxContexts:   cfg.MaxContexts,
		WarnThreshold: cfg.WarnThreshold,
		Clock:         clock,
		Runtime:       deps.Runtime,
		Logger:        log,
		Metrics:       deps.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	done, stop := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:         cfg,
		clock:       clock,
		micros:      micros,
		log:         log,
		metrics:     deps.Metrics,
		source:      deps.Source,
		window:      window,
		gate:        gate.New(clock),
		runner:      runner,
		queue:       queue,
		monitor:     monitor,
		sink:        deps.Sink,
		probes:      make(map[string]*healthmon.GoroutineProbe, len(Contexts)),
		readWarn:    monitoring.NewLimitedLogger(log, time.Second, 3),
		overrunWarn: monitoring.NewLimitedLogger(log, time.Second, 1),
		sinkWarn:    monitoring.NewLimitedLogger(log, time.Second, 3),
		done:        done,
		stop:        stop,
	}

	for _, name := range Contexts {
		probe := healthmon.NewGoroutineProbe(cfg.FrameBytes)
		p.probes[name] = probe
		if err := monitor.Register(probe, name, cfg.Stacks[name]); err != nil {
			if isRequired(cfg.Required, name) {
				stop()
				return nil, fmt.Errorf("%w: required context %q: %w", ErrInvalidConfig, name, err)
			}
			log.Warn("context not monitored", zap.String("context", name), zap.Error(err))
		}
	}
	return p, nil
}

func isRequired(required []string, name string) bool {
	for _, r := range required {
		if r == name {
			return true
		}
	}
	return false
}

// Run starts the four contexts and blocks until all of them have exited.
// Cancelling ctx has the same effect as Stop. A pipeline runs once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	unhook := context.AfterFunc(ctx, p.Stop)
	defer unhook()

	p.announceStartup()
	p.log.Info("pipeline starting",
		zap.Duration("sample_period", p.cfg.SamplePeriod),
		zap.Int("window", p.cfg.Window.WindowSize),
		zap.Int("channels", p.cfg.Window.Channels),
		zap.Int("queue_capacity", p.cfg.QueueCapacity))

	loops := map[string]func(*healthmon.GoroutineProbe){
		config.ContextSampling:    p.sampling,
		config.ContextComputation: p.computation,
		config.ContextDraining:    p.draining,
		config.ContextMonitoring:  p.monitoring,
	}
	var wg sync.WaitGroup
	for _, name := range Contexts {
		loop, probe := loops[name], p.probes[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(probe)
			p.log.Debug("context stopped", zap.String("context", name))
		}()
	}
	wg.Wait()
	p.log.Info("pipeline stopped", zap.Uint32("last_seq", p.lastSeq.Load()))
	return nil
}

// Stop raises the shutdown flag. Every context exits at its next iteration
// boundary; waits in progress are cut short.
func (p *Pipeline) Stop() {
	if p.stopping.CompareAndSwap(false, true) {
		p.stop()
	}
}

// Stopping reports whether shutdown has been requested.
func (p *Pipeline) Stopping() bool { return p.stopping.Load() }

// Monitor exposes the resource monitor for debug surfaces.
func (p *Pipeline) Monitor() *healthmon.Monitor { return p.monitor }

// Snapshot is the monitor's current debug snapshot.
func (p *Pipeline) Snapshot() healthmon.DebugSnapshot { return p.monitor.Snapshot() }

// Healthy reports the outcome of the last resource check.
func (p *Pipeline) Healthy() bool { return p.monitor.Healthy() }

// Pending returns the results waiting in the queue without removing them.
func (p *Pipeline) Pending() []inference.Result { return p.queue.Peek() }

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() Config { return p.cfg }

// Stats is a point-in-time view of every stage.
type Stats struct {
	Running           bool             `json:"running"`
	Stopping          bool             `json:"stopping"`
	UptimeMS          int64            `json:"uptime_ms"`
	LastSequence      uint32           `json:"last_seq"`
	Samples           uint64           `json:"samples"`
	SampleErrors      uint64           `json:"sample_errors"`
	Overruns          uint64           `json:"overruns"`
	Windows           uint64           `json:"windows"`
	Inferences        uint64           `json:"inferences"`
	InferenceFailures uint64           `json:"inference_failures"`
	Emitted           uint64           `json:"emitted"`
	SinkErrors        uint64           `json:"sink_errors"`
	Heartbeats        uint64           `json:"heartbeats"`
	Window            preprocess.Stats `json:"window"`
	Gate              gate.Stats       `json:"gate"`
	Queue             resultq.Stats    `json:"queue"`
	Inference         inference.Stats  `json:"inference"`
	Source            *sensor.Stats    `json:"source,omitempty"`
}

type sourceStats interface {
	Stats() sensor.Stats
}

func (p *Pipeline) Stats() Stats {
	st := Stats{
		Running:           p.started.Load() && !p.stopping.Load(),
		Stopping:          p.stopping.Load(),
		UptimeMS:          p.micros.Uptime().Milliseconds(),
		LastSequence:      p.lastSeq.Load(),
		Samples:           p.counters.samples.Load(),
		SampleErrors:      p.counters.sampleErrors.Load(),
		Overruns:          p.counters.overruns.Load(),
		Windows:           p.counters.windows.Load(),
		Inferences:        p.counters.inferences.Load(),
		InferenceFailures: p.counters.inferenceFailures.Load(),
		Emitted:           p.counters.emitted.Load(),
		SinkErrors:        p.counters.sinkErrors.Load(),
		Heartbeats:        p.counters.heartbeats.Load(),
		Window:            p.window.Stats(),
		Gate:              p.gate.Stats(),
		Queue:             p.queue.Stats(),
		Inference:         p.runner.Stats(),
	}
	if s, ok := p.source.(sourceStats); ok {
		ss := s.Stats()
		st.Source = &ss
	}
	return st
}
