package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgepipe"

// Metrics holds the pipeline's Prometheus collectors. Each Metrics owns its
// own registry so tests and multiple pipelines in one process never collide.
type Metrics struct {
	Registry *prometheus.Registry

	// Sampling
	SamplesTotal    prometheus.Counter
	SampleErrors    prometheus.Counter
	OverrunsTotal   prometheus.Counter
	WindowsTotal    prometheus.Counter
	GateCoalesced   prometheus.Counter
	GateTimeouts    prometheus.Counter
	InferencesTotal prometheus.Counter

	// Computation
	InferenceFailures prometheus.Counter
	InferenceLatency  prometheus.Histogram

	// Result queue
	QueueDepth   prometheus.Gauge
	QueueDropped prometheus.Counter

	// Draining
	SinkErrors prometheus.Counter

	// Resource monitor
	StackWarnings  prometheus.Counter
	StackUsedBytes *prometheus.GaugeVec
	StackPeakBytes *prometheus.GaugeVec
	CPUPercent     prometheus.Gauge
	HeapUsedBytes  prometheus.Gauge
	ContextsWarned prometheus.Gauge
	HealthChecks   prometheus.Counter
	UptimeSeconds  prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a fresh registry,
// together with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		SamplesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_total",
			Help: "Samples absorbed into the preprocessing window",
		}),
		SampleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sample_errors_total",
			Help: "Sample source read failures (excluding not-ready polls)",
		}),
		OverrunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "window_overruns_total",
			Help: "Samples rejected because both window buffers were awaiting the consumer",
		}),
		WindowsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "windows_total",
			Help: "Completed preprocessing windows",
		}),
		GateCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_coalesced_total",
			Help: "Window notifications folded into an already pending wake",
		}),
		GateTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_timeouts_total",
			Help: "Computation waits that timed out without a window",
		}),
		InferencesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "inferences_total",
			Help: "Successful computation runs",
		}),
		InferenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "inference_failures_total",
			Help: "Computation runs that failed; the window was dropped",
		}),
		InferenceLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "inference_latency_seconds",
			Help:    "Computation latency",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "result_queue_depth",
			Help: "Results waiting to be drained",
		}),
		QueueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "result_queue_dropped_total",
			Help: "Results evicted from a full queue",
		}),
		SinkErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_errors_total",
			Help: "Output sink failures (best-effort output)",
		}),
		StackWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stack_warnings_total",
			Help: "Health checks that found a context above the stack threshold",
		}),
		StackUsedBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "context_stack_used_bytes",
			Help: "Last observed stack usage per execution context",
		}, []string{"context"}),
		StackPeakBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "context_stack_peak_bytes",
			Help: "Peak observed stack usage per execution context",
		}, []string{"context"}),
		CPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cpu_utilisation_percent",
			Help: "Coarse process CPU utilisation over the last check period",
		}),
		HeapUsedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "heap_used_bytes",
			Help: "Heap bytes in use at the last health check",
		}),
		ContextsWarned: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "contexts_warned",
			Help: "Execution contexts in the sticky Warned state",
		}),
		HealthChecks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_checks_total",
			Help: "Resource monitor passes",
		}),
		UptimeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds",
			Help: "Seconds since the pipeline started",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
