package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/edgepipe/internal/config"
	"github.com/banshee-data/edgepipe/internal/gate"
	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
	"github.com/banshee-data/edgepipe/internal/monitoring"
	"github.com/banshee-data/edgepipe/internal/output"
	"github.com/banshee-data/edgepipe/internal/preprocess"
	"github.com/banshee-data/edgepipe/internal/sensor"
	"github.com/banshee-data/edgepipe/internal/testutil"
)

// recordingSink captures everything the pipeline emits.
type recordingSink struct {
	mu         sync.Mutex
	results    []inference.Result
	snapshots  []healthmon.DebugSnapshot
	debug      int
	startups   []output.Banner
	heartbeats int
	errors     []int
	fail       error
}

func (s *recordingSink) Emit(r inference.Result, snap healthmon.DebugSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.results = append(s.results, r)
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *recordingSink) EmitDebug(healthmon.DebugSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debug++
	return nil
}

func (s *recordingSink) EmitStartup(b output.Banner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startups = append(s.startups, b)
	return nil
}

func (s *recordingSink) EmitHeartbeat(time.Duration, uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *recordingSink) EmitError(code int, _ string, _ uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, code)
	return nil
}

func (s *recordingSink) Results() []inference.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inference.Result(nil), s.results...)
}

func (s *recordingSink) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// capturingEngine returns WAVE for every window and keeps a copy of each
// input. Calls listed in failOn return an error instead.
type capturingEngine struct {
	mu     sync.Mutex
	inputs [][]int8
	failOn map[int]bool
}

func (e *capturingEngine) Infer(input []int8) (inference.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = append(e.inputs, append([]int8(nil), input...))
	if e.failOn[len(e.inputs)] {
		return inference.Output{}, errors.New("model exploded")
	}
	return inference.Output{
		Label:      inference.Wave,
		Confidence: 0.85,
		Scores:     inference.Scores{0.05, 0.85, 0.05, 0.05},
	}, nil
}

func (e *capturingEngine) Inputs() [][]int8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]int8(nil), e.inputs...)
}

func testConfig() Config {
	return Config{
		Window:        preprocess.DefaultConfig(),
		QueueCapacity: 16,
		SamplePeriod:  time.Millisecond,
		GateTimeout:   20 * time.Millisecond,
		MonitorPeriod: 5 * time.Millisecond,
		DrainBackoff:  time.Millisecond,
		MaxContexts:   4,
		WarnThreshold: 0.8,
		Stacks: map[string]uint64{
			config.ContextSampling:    1 << 20,
			config.ContextComputation: 1 << 20,
			config.ContextDraining:    1 << 20,
			config.ContextMonitoring:  1 << 20,
		},
		Required: []string{config.ContextSampling, config.ContextComputation},
		Version:  "test",
	}
}

// start runs p in the background and returns a function that stops it
// and waits for Run to return.
func start(t *testing.T, p *Pipeline) func() {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()
	return func() {
		p.Stop()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	samples := testutil.Samples(50)
	sink := &recordingSink{}
	engine := &capturingEngine{}
	metrics := monitoring.NewMetrics()

	cfg := testConfig()
	p, err := New(cfg, Deps{
		Source:  sensor.NewLineSource(strings.NewReader(testutil.CSV(samples)), nil),
		Engine:  engine,
		Sink:    sink,
		Metrics: metrics,
	})
	require.NoError(t, err)
	stop := start(t, p)

	require.Eventually(t, func() bool { return len(sink.Results()) == 1 }, 2*time.Second, time.Millisecond)
	for _, name := range []string{config.ContextSampling, config.ContextComputation} {
		require.Eventually(t, func() bool {
			c, ok := p.Snapshot().Context(name)
			return ok && c.Known && c.Usage > 0
		}, 2*time.Second, time.Millisecond, name)
	}
	stop()

	// The engine saw exactly the window a standalone preprocessor builds
	// from the same samples.
	ref, err := preprocess.New(cfg.Window)
	require.NoError(t, err)
	for _, s := range samples {
		_, err := ref.AddSample(s)
		require.NoError(t, err)
	}
	want := make([]int8, cfg.Window.InputLen())
	require.NoError(t, ref.TakeQuantized(want))

	inputs := engine.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, want, inputs[0])

	got := sink.Results()
	require.Len(t, got, 1)
	assert.Equal(t, uint32(1), got[0].Sequence)
	assert.Equal(t, inference.Wave, got[0].Gesture)
	assert.InDelta(t, 0.85, got[0].Confidence, 1e-6)

	st := p.Stats()
	assert.False(t, st.Running)
	assert.True(t, st.Stopping)
	assert.Equal(t, uint64(50), st.Samples)
	assert.Equal(t, uint64(1), st.Windows)
	assert.Equal(t, uint64(1), st.Inferences)
	assert.Equal(t, uint64(1), st.Emitted)
	assert.Zero(t, st.Overruns)
	assert.Equal(t, uint32(1), st.LastSequence)
	require.NotNil(t, st.Source)
	assert.Equal(t, uint64(50), st.Source.SamplesRead)

	sink.mu.Lock()
	require.Len(t, sink.startups, 1)
	assert.Equal(t, "test", sink.startups[0].Version)
	assert.Equal(t, board, sink.startups[0].Board)
	sink.mu.Unlock()

	assert.Len(t, p.Snapshot().Contexts, 4)
}

func TestPipeline_EngineFailureDropsWindow(t *testing.T) {
	sink := &recordingSink{}
	engine := &capturingEngine{failOn: map[int]bool{1: true}}

	p, err := New(testConfig(), Deps{
		Source: sensor.NewLineSource(strings.NewReader(testutil.CSV(testutil.Samples(100))), nil),
		Engine: engine,
		Sink:   sink,
	})
	require.NoError(t, err)
	stop := start(t, p)
	require.Eventually(t, func() bool { return len(sink.Results()) == 1 }, 2*time.Second, time.Millisecond)
	stop()

	assert.Len(t, engine.Inputs(), 2)
	// Sequence numbers count successful computations only.
	assert.Equal(t, uint32(1), sink.Results()[0].Sequence)

	st := p.Stats()
	assert.Equal(t, uint64(2), st.Windows)
	assert.Equal(t, uint64(1), st.InferenceFailures)
	assert.Equal(t, uint32(1), st.Inference.Failures)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.errors, output.CodeComputation)
}

func TestPipeline_SinkErrorsAreNotFatal(t *testing.T) {
	sink := &recordingSink{fail: errors.New("disk full")}
	p, err := New(testConfig(), Deps{
		Source: sensor.NewLineSource(strings.NewReader(testutil.CSV(testutil.Samples(100))), nil),
		Engine: &capturingEngine{},
		Sink:   sink,
	})
	require.NoError(t, err)
	stop := start(t, p)
	require.Eventually(t, func() bool { return p.Stats().SinkErrors == 2 }, 2*time.Second, time.Millisecond)
	stop()
	assert.Zero(t, p.Stats().Emitted)
}

func TestPipeline_OneWakePerWindow(t *testing.T) {
	cfg := testConfig()
	engine := &capturingEngine{}
	p, err := New(cfg, Deps{
		Source: sensor.NewLineSource(strings.NewReader(testutil.CSV(testutil.Samples(2*cfg.Window.WindowSize+10))), nil),
		Engine: engine,
		Sink:   output.Discard{},
	})
	require.NoError(t, err)
	sampling := p.probes[config.ContextSampling]

	for i := 0; i < cfg.Window.WindowSize+10; i++ {
		p.sampleOnce(sampling)
	}
	assert.Equal(t, gate.Stats{Notifies: 1}, p.Stats().Gate, "samples after completion must not re-notify")

	// The second window completes behind the pending one and stays silent
	// until the consumer promotes it.
	for i := 0; i < cfg.Window.WindowSize; i++ {
		p.sampleOnce(sampling)
	}
	st := p.Stats()
	require.True(t, st.Window.Queued)
	assert.Equal(t, uint64(1), st.Gate.Notifies)

	require.Equal(t, gate.Signaled, p.gate.Wait(0))
	p.computeOnce(make([]int8, cfg.Window.InputLen()), p.probes[config.ContextComputation])
	st = p.Stats()
	assert.Equal(t, gate.Stats{Notifies: 2, Wakes: 1}, st.Gate)
	assert.Equal(t, uint64(1), st.Window.WindowsTaken)
	assert.Equal(t, uint64(1), st.Inferences)
	assert.Len(t, engine.Inputs(), 1)
}

func TestPipeline_StopDiscardsPendingWake(t *testing.T) {
	cfg := testConfig()
	engine := &capturingEngine{}
	p, err := New(cfg, Deps{
		Source: sensor.NewLineSource(strings.NewReader(testutil.CSV(testutil.Samples(cfg.Window.WindowSize))), nil),
		Engine: engine,
		Sink:   output.Discard{},
	})
	require.NoError(t, err)

	sampling := p.probes[config.ContextSampling]
	for i := 0; i < cfg.Window.WindowSize; i++ {
		p.sampleOnce(sampling)
	}
	require.True(t, p.window.Ready())
	require.True(t, p.gate.Pending())

	p.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.computation(p.probes[config.ContextComputation])
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("computation did not return after Stop")
	}

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Gate.Wakes, "the pending wake is consumed")
	assert.Zero(t, st.Windows)
	assert.Zero(t, st.Inferences)
	assert.Zero(t, st.Queue.Len)
	assert.Zero(t, st.Queue.Pushed)
	assert.Empty(t, engine.Inputs())
	assert.True(t, st.Window.Pending, "the window is left untouched")
}

type notReady struct{}

func (notReady) Read() (sensor.Sample, error) { return sensor.Sample{}, sensor.ErrNotReady }

func TestPipeline_StopInterruptsWaits(t *testing.T) {
	cfg := testConfig()
	cfg.SamplePeriod = time.Hour
	cfg.GateTimeout = time.Hour
	cfg.MonitorPeriod = time.Hour
	cfg.DrainBackoff = time.Hour

	p, err := New(cfg, Deps{Source: notReady{}, Engine: &capturingEngine{}, Sink: output.Discard{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stats().Running }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.True(t, p.Stopping())
	assert.ErrorIs(t, p.Run(context.Background()), ErrAlreadyRun)
}

func TestPipeline_Heartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorPeriod = 2 * time.Millisecond
	cfg.HeartbeatPeriod = 5 * time.Millisecond
	cfg.DebugRecords = true

	sink := &recordingSink{}
	p, err := New(cfg, Deps{Source: notReady{}, Engine: &capturingEngine{}, Sink: sink})
	require.NoError(t, err)
	stop := start(t, p)
	require.Eventually(t, func() bool { return sink.Heartbeats() >= 2 }, 2*time.Second, time.Millisecond)
	stop()

	assert.GreaterOrEqual(t, p.Stats().Heartbeats, uint64(2))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Positive(t, sink.debug)
}

func TestNew_RequiredContexts(t *testing.T) {
	deps := Deps{Source: notReady{}, Engine: &capturingEngine{}, Sink: output.Discard{}}

	cfg := testConfig()
	delete(cfg.Stacks, config.ContextComputation)
	_, err := New(cfg, deps)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, healthmon.ErrInvalidInput)

	// An optional context that fails to register is only logged.
	cfg = testConfig()
	delete(cfg.Stacks, config.ContextDraining)
	p, err := New(cfg, deps)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Monitor().Len())

	cfg = testConfig()
	cfg.MaxContexts = 2
	cfg.Required = append(cfg.Required, config.ContextMonitoring)
	_, err = New(cfg, deps)
	assert.ErrorIs(t, err, healthmon.ErrRegistryFull)
}

func TestNew_Invalid(t *testing.T) {
	deps := Deps{Source: notReady{}, Engine: &capturingEngine{}, Sink: output.Discard{}}

	_, err := New(testConfig(), Deps{Source: notReady{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testConfig()
	cfg.GateTimeout = 0
	_, err = New(cfg, deps)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.QueueCapacity = 0
	_, err = New(cfg, deps)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.Window.Channels = 4
	_, err = New(cfg, deps)
	assert.ErrorIs(t, err, preprocess.ErrInvalidInput)
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	cfg := FromConfig(c, "1.2.3", "bench")
	assert.Equal(t, 50, cfg.Window.WindowSize)
	assert.Equal(t, 150, cfg.Window.InputLen())
	assert.Equal(t, 10*time.Millisecond, cfg.SamplePeriod)
	assert.Equal(t, time.Second, cfg.GateTimeout)
	assert.Equal(t, 16, cfg.QueueCapacity)
	assert.Equal(t, uint64(32<<10), cfg.Stacks[config.ContextComputation])
	assert.Equal(t, []string{config.ContextSampling, config.ContextComputation}, cfg.Required)
	assert.Equal(t, "bench", cfg.Board)
	require.NoError(t, cfg.validate())
}
