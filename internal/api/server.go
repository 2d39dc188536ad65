package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/edgepipe/internal/db"
	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/httputil"
	"github.com/banshee-data/edgepipe/internal/inference"
	"github.com/banshee-data/edgepipe/internal/monitoring"
	"github.com/banshee-data/edgepipe/internal/output"
	"github.com/banshee-data/edgepipe/internal/pipeline"
	"github.com/banshee-data/edgepipe/internal/resultq"
	"github.com/banshee-data/edgepipe/internal/security"
	"github.com/banshee-data/edgepipe/internal/version"
)

// Pipeline is the view of a running pipeline the API reads from.
type Pipeline interface {
	Stats() pipeline.Stats
	Snapshot() healthmon.DebugSnapshot
	Pending() []inference.Result
	Healthy() bool
}

// Options wires the optional parts of the API. Pipeline is required.
type Options struct {
	Pipeline Pipeline
	// Config is served verbatim at /api/config.
	Config any
	// DB enables the run history endpoints.
	DB *db.DB
	// Tail serves the live result feed at /api/tail.
	Tail    http.Handler
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

type Server struct {
	p       Pipeline
	cfg     any
	db      *db.DB
	tail    http.Handler
	metrics *monitoring.Metrics
	log     *zap.Logger
}

func NewServer(opts Options) *Server {
	return &Server{
		p:       opts.Pipeline,
		cfg:     opts.Config,
		db:      opts.DB,
		tail:    opts.Tail,
		metrics: opts.Metrics,
		log:     monitoring.OrNop(opts.Logger).Named("api"),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	log = monitoring.OrNop(log)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		level := zap.DebugLevel
		if lrw.statusCode >= 500 {
			level = zap.WarnLevel
		}
		log.Log(level, "http request",
			zap.Int("status", lrw.statusCode),
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Float64("ms", float64(time.Since(start).Nanoseconds())/1e6))
	})
}

// ServeMux mounts the JSON API, /metrics and the tsweb debug index.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshot", s.showSnapshot)
	mux.HandleFunc("GET /api/queue", s.showQueue)
	mux.HandleFunc("GET /api/pipeline", s.showPipeline)
	mux.HandleFunc("GET /api/health", s.showHealth)
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}/results", s.listResults)
	mux.HandleFunc("GET /api/runs/{id}/latency", s.showLatency)
	mux.HandleFunc("GET /api/runs/{id}/export", s.exportRun)
	if s.tail != nil {
		mux.Handle("GET /api/tail", s.tail)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.attachDebug(mux)
	return mux
}

func (s *Server) attachDebug(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	debug.KVFunc("Healthy", func() any { return s.p.Healthy() })
	debug.KVFunc("Last sequence", func() any { return s.p.Stats().LastSequence })
	debug.URL("/api/snapshot", "Resource monitor snapshot (JSON)")
	debug.URL("/api/pipeline", "Pipeline counters (JSON)")
	debug.URL("/api/queue", "Result queue contents (JSON)")
	if s.metrics != nil {
		debug.URL("/metrics", "Prometheus metrics")
	}
}

// Serve runs an HTTP server on listen until ctx is cancelled, then shuts it
// down with a short grace period.
func (s *Server) Serve(ctx context.Context, listen string, mux *http.ServeMux) error {
	server := &http.Server{
		Addr:              listen,
		Handler:           LoggingMiddleware(s.log, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	s.log.Info("http server listening", zap.String("addr", listen))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("HTTP server shutdown error", zap.Error(err))
		if err := server.Close(); err != nil {
			s.log.Warn("HTTP server force close error", zap.Error(err))
		}
	}
	return nil
}

func (s *Server) showSnapshot(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.p.Snapshot())
}

type queueView struct {
	Stats   resultq.Stats      `json:"stats"`
	Pending []inference.Result `json:"pending"`
}

func (s *Server) showQueue(w http.ResponseWriter, r *http.Request) {
	pending := s.p.Pending()
	if pending == nil {
		pending = []inference.Result{}
	}
	httputil.WriteJSONOK(w, queueView{Stats: s.p.Stats().Queue, Pending: pending})
}

func (s *Server) showPipeline(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.p.Stats())
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !s.p.Healthy() {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, map[string]bool{"healthy": status == http.StatusOK})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		httputil.NotFound(w, "no configuration loaded")
		return
	}
	httputil.WriteJSONOK(w, s.cfg)
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.NotFound(w, "result recording is disabled")
		return false
	}
	return true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	runs, err := s.db.Runs()
	if err != nil {
		s.log.Error("failed to list runs", zap.Error(err))
		httputil.InternalServerError(w, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	results, err := s.db.Results(r.PathValue("id"), limit)
	if err != nil {
		s.log.Error("failed to list results", zap.Error(err))
		httputil.InternalServerError(w, "failed to list results")
		return
	}
	if results == nil {
		results = []db.StoredResult{}
	}
	httputil.WriteJSONOK(w, results)
}

func (s *Server) showLatency(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	st, err := s.db.LatencyStats(r.PathValue("id"))
	if err != nil {
		s.log.Error("failed to compute latency stats", zap.Error(err))
		httputil.InternalServerError(w, "failed to compute latency stats")
		return
	}
	if st.Count == 0 {
		httputil.NotFound(w, "no results for run")
		return
	}
	httputil.WriteJSONOK(w, st)
}

// exportRun streams a run's results as inference records, one JSON object
// per line, in the format the JSON sink writes.
func (s *Server) exportRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	id := r.PathValue("id")
	results, err := s.db.Results(id, 0)
	if err != nil {
		s.log.Error("failed to export run", zap.String("run_id", id), zap.Error(err))
		httputil.InternalServerError(w, "failed to export run")
		return
	}
	if len(results) == 0 {
		httputil.NotFound(w, "no results for run")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "edgepipe-"+security.SanitizeFilename(id)+".jsonl"))
	enc := sonic.ConfigDefault.NewEncoder(w)
	for _, sr := range results {
		if err := enc.Encode(output.RecordWithUsage(sr.Result, sr.HeapUsed, sr.StackUsed)); err != nil {
			s.log.Debug("export interrupted", zap.Error(err))
			return
		}
	}
}
