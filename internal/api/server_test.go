package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/banshee-data/edgepipe/internal/config"
	"github.com/banshee-data/edgepipe/internal/db"
	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
	"github.com/banshee-data/edgepipe/internal/monitoring"
	"github.com/banshee-data/edgepipe/internal/output"
	"github.com/banshee-data/edgepipe/internal/pipeline"
	"github.com/banshee-data/edgepipe/internal/resultq"
	"github.com/banshee-data/edgepipe/internal/testutil"
)

type fakePipeline struct {
	stats   pipeline.Stats
	snap    healthmon.DebugSnapshot
	pending []inference.Result
	healthy bool
}

func (f *fakePipeline) Stats() pipeline.Stats             { return f.stats }
func (f *fakePipeline) Snapshot() healthmon.DebugSnapshot { return f.snap }
func (f *fakePipeline) Pending() []inference.Result       { return f.pending }
func (f *fakePipeline) Healthy() bool                     { return f.healthy }

func newFake() *fakePipeline {
	return &fakePipeline{
		stats: pipeline.Stats{
			Running:      true,
			LastSequence: 7,
			Samples:      350,
			Queue:        resultq.Stats{Len: 1, Cap: 16, Pushed: 7, Popped: 6},
		},
		snap: healthmon.DebugSnapshot{
			UptimeMS: 1500,
			HeapUsed: 4096,
			Contexts: []healthmon.ContextRecord{
				{Name: "computation", Capacity: 1000, Usage: 900, Peak: 900, Percent: 90, State: healthmon.Warned, Known: true},
			},
		},
		pending: []inference.Result{{Sequence: 7, Gesture: inference.Tap, Confidence: 0.9}},
		healthy: true,
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestServer_Snapshot(t *testing.T) {
	mux := NewServer(Options{Pipeline: newFake()}).ServeMux()
	w := testutil.Get(t, mux, "/api/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	snap := decode[healthmon.DebugSnapshot](t, w)
	require.Len(t, snap.Contexts, 1)
	assert.Equal(t, healthmon.Warned, snap.Contexts[0].State)
	assert.Equal(t, uint64(4096), snap.HeapUsed)
}

func TestServer_QueueAndPipeline(t *testing.T) {
	mux := NewServer(Options{Pipeline: newFake()}).ServeMux()

	q := decode[queueView](t, testutil.Get(t, mux, "/api/queue"))
	assert.Equal(t, 16, q.Stats.Cap)
	require.Len(t, q.Pending, 1)
	assert.Equal(t, inference.Tap, q.Pending[0].Gesture)

	st := decode[pipeline.Stats](t, testutil.Get(t, mux, "/api/pipeline"))
	assert.Equal(t, uint32(7), st.LastSequence)
	assert.Equal(t, uint64(350), st.Samples)
}

func TestServer_QueueEmptyIsArray(t *testing.T) {
	f := newFake()
	f.pending = nil
	w := testutil.Get(t, NewServer(Options{Pipeline: f}).ServeMux(), "/api/queue")
	assert.Contains(t, w.Body.String(), `"pending":[]`)
}

func TestServer_Health(t *testing.T) {
	f := newFake()
	mux := NewServer(Options{Pipeline: f}).ServeMux()
	assert.Equal(t, http.StatusOK, testutil.Get(t, mux, "/api/health").Code)

	f.healthy = false
	w := testutil.Get(t, mux, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"healthy":false}`, w.Body.String())
}

func TestServer_Config(t *testing.T) {
	w := testutil.Get(t, NewServer(Options{Pipeline: newFake()}).ServeMux(), "/api/config")
	assert.Equal(t, http.StatusNotFound, w.Code)

	mux := NewServer(Options{Pipeline: newFake(), Config: config.Default()}).ServeMux()
	w = testutil.Get(t, mux, "/api/config")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	window := got["window"].(map[string]any)
	assert.EqualValues(t, 50, window["size"])
	assert.Equal(t, "10ms", got["sampling"].(map[string]any)["period"])
}

func TestServer_MethodNotAllowed(t *testing.T) {
	mux := NewServer(Options{Pipeline: newFake()}).ServeMux()
	req := httptest.NewRequest(http.MethodPost, "/api/snapshot", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	m := monitoring.NewMetrics()
	m.SamplesTotal.Add(3)
	mux := NewServer(Options{Pipeline: newFake(), Metrics: m}).ServeMux()
	w := testutil.Get(t, mux, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "edgepipe_samples_total 3")

	idx := testutil.Get(t, mux, "/debug/")
	require.Equal(t, http.StatusOK, idx.Code)
	assert.Contains(t, idx.Body.String(), "/api/snapshot")
	assert.Contains(t, idx.Body.String(), "/metrics")
}

func TestServer_RunsWithoutDB(t *testing.T) {
	mux := NewServer(Options{Pipeline: newFake()}).ServeMux()
	w := testutil.Get(t, mux, "/api/runs")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "disabled")
}

func TestServer_Runs(t *testing.T) {
	d, err := db.Open(filepath.Join(t.TempDir(), "edgepipe.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	run, err := d.StartRun("test", map[string]string{"source": "mock"}, time.Now())
	require.NoError(t, err)
	for i, lat := range []uint32{100, 300} {
		r := inference.Result{Sequence: uint32(i + 1), Gesture: inference.Idle, Confidence: 0.95, InferenceMicros: lat}
		require.NoError(t, d.RecordResult(run.ID, r, healthmon.DebugSnapshot{}))
	}

	mux := NewServer(Options{Pipeline: newFake(), DB: d}).ServeMux()

	runs := decode[[]db.Run](t, testutil.Get(t, mux, "/api/runs"))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, 2, runs[0].Results)

	results := decode[[]db.StoredResult](t, testutil.Get(t, mux, "/api/runs/"+run.ID+"/results?limit=1"))
	require.Len(t, results, 1)
	assert.Equal(t, uint32(1), results[0].Sequence)

	w := testutil.Get(t, mux, "/api/runs/"+run.ID+"/results?limit=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	st := decode[db.LatencyStats](t, testutil.Get(t, mux, "/api/runs/"+run.ID+"/latency"))
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, 200.0, st.Mean)

	assert.Equal(t, http.StatusNotFound, testutil.Get(t, mux, "/api/runs/missing/latency").Code)

	w = testutil.Get(t, mux, "/api/runs/"+run.ID+"/export")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="edgepipe-`+run.ID+`.jsonl"`, w.Header().Get("Content-Disposition"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	var rec output.InferenceRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, output.TypeInference, rec.Type)
	assert.Equal(t, uint32(2), rec.Sequence)
	assert.Equal(t, uint32(300), rec.LatencyUS)

	assert.Equal(t, http.StatusNotFound, testutil.Get(t, mux, "/api/runs/missing/export").Code)
}

func TestServer_Tail(t *testing.T) {
	tail := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: inference\n\n"))
	})
	mux := NewServer(Options{Pipeline: newFake(), Tail: tail}).ServeMux()
	w := testutil.Get(t, mux, "/api/tail")
	assert.True(t, strings.HasPrefix(w.Body.String(), "event: inference"))
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := LoggingMiddleware(zap.New(core), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := testutil.Get(t, h, "/brew?cups=2")
	assert.Equal(t, http.StatusTeapot, w.Code)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "/brew?cups=2", fields["uri"])
	assert.Equal(t, "GET", fields["method"])

	// Streaming handlers still see a Flusher through the wrapper.
	var flushed bool
	h = LoggingMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushed = w.(http.Flusher)
	}))
	testutil.Get(t, h, "/")
	assert.True(t, flushed)
}
