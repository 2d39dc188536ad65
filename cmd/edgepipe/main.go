package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/edgepipe/internal/api"
	"github.com/banshee-data/edgepipe/internal/config"
	"github.com/banshee-data/edgepipe/internal/db"
	"github.com/banshee-data/edgepipe/internal/inference"
	"github.com/banshee-data/edgepipe/internal/monitoring"
	"github.com/banshee-data/edgepipe/internal/output"
	"github.com/banshee-data/edgepipe/internal/pipeline"
	"github.com/banshee-data/edgepipe/internal/sensor"
	"github.com/banshee-data/edgepipe/internal/serialmux"
	"github.com/banshee-data/edgepipe/internal/version"
)

// Flags left at their zero value do not override the configuration.
var (
	configPath   = flag.String("config", "", "Configuration file (.json, .yaml or .toml)")
	listen       = flag.String("listen", "", "HTTP listen address for the debug API; \"off\" disables it")
	sourceKind   = flag.String("source", "", "Sample source: mock, file or serial")
	sourcePath   = flag.String("source-path", "", "Fixture file (file source) or device path (serial source)")
	engineKind   = flag.String("engine", "", "Classifier: mock or energy")
	format       = flag.String("format", "", "Output format: json, text or proto")
	outputPath   = flag.String("output", "", "Append output records to this file instead of stdout")
	dbPath       = flag.String("db", "", "Record results to this sqlite database")
	logLevel     = flag.String("log-level", "", "Log level: debug, info, warn or error")
	devMode      = flag.Bool("dev", false, "Human-readable console logging")
	debugRecords = flag.Bool("debug-records", false, "Emit the resource snapshot to the output every monitor period")
	exitOnEOF    = flag.Bool("exit-on-eof", false, "With the file source, stop once the fixture is processed")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

const defaultDBFile = "edgepipe.db"

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: edgepipe [flags]
       edgepipe [flags] migrate <command> [version]

Environment variables prefixed %s_ override the configuration file;
flags override both.

Flags:
`, config.EnvPrefix)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := monitoring.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()
	restore := monitoring.Install(logger)
	defer restore()

	if flag.Arg(0) == "migrate" {
		path := cfg.Output.DBPath
		if path == "" {
			path = defaultDBFile
		}
		if err := db.RunMigrateCommand(flag.Args()[1:], path, os.Stdout, logger); err != nil {
			logger.Error("migrate failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, runOptions{exitOnEOF: *exitOnEOF}); err != nil {
		logger.Error("edgepipe failed", zap.Error(err))
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional file, the environment and the
// command-line flags, then validates the result.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Listen, *listen)
	set(&cfg.Source.Kind, *sourceKind)
	set(&cfg.Source.Path, *sourcePath)
	set(&cfg.Engine.Kind, *engineKind)
	set(&cfg.Output.Format, *format)
	set(&cfg.Output.Path, *outputPath)
	set(&cfg.Output.DBPath, *dbPath)
	set(&cfg.Logging.Level, *logLevel)
	if *devMode {
		cfg.Logging.Development = true
	}
	if *debugRecords {
		cfg.Monitor.Debug = true
	}
	if cfg.Server.Listen == "off" {
		cfg.Server.Listen = ""
	}
}

type runOptions struct {
	exitOnEOF bool
}

// run wires the configured source, engine and sinks into a pipeline,
// serves the debug API alongside it and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts runOptions) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := monitoring.NewMetrics()

	src, serial, closeSource, err := openSource(ctx, cfg, logger, &wg)
	if err != nil {
		return err
	}
	defer closeSource()

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	w, closeOutput, err := openOutput(cfg.Output.Path)
	if err != nil {
		return err
	}
	defer closeOutput()
	primary, err := output.New(cfg.Output.Format, w)
	if err != nil {
		return err
	}
	tail := output.NewBroadcaster()
	defer tail.Close()
	sinks := output.Multi{primary, tail}

	var store *db.DB
	if cfg.Output.DBPath != "" {
		store, err = db.Open(cfg.Output.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open results database: %w", err)
		}
		defer store.Close()
		rec, err := store.StartRun(version.Version, cfg, time.Now())
		if err != nil {
			return err
		}
		defer func() {
			if err := store.FinishRun(rec.ID, time.Now()); err != nil {
				logger.Warn("failed to finish run", zap.Error(err))
			}
		}()
		sinks = append(sinks, output.Recorder{Store: store, RunID: rec.ID})
	}

	p, err := pipeline.New(
		pipeline.FromConfig(cfg, version.Version, runtime.GOOS+"/"+runtime.GOARCH),
		pipeline.Deps{Source: src, Engine: engine, Sink: sinks, Metrics: metrics, Logger: logger},
	)
	if err != nil {
		return err
	}

	if cfg.Server.Listen != "" {
		srv := api.NewServer(api.Options{
			Pipeline: p,
			Config:   cfg,
			DB:       store,
			Tail:     tail,
			Metrics:  metrics,
			Logger:   logger,
		})
		mux := srv.ServeMux()
		if serial != nil {
			serial.AttachAdminRoutes(mux)
		}
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, cfg.Server.Listen, mux); err != nil {
				logger.Error("HTTP server failed", zap.Error(err))
				cancel()
			}
		}()
	}

	if ls, ok := src.(*sensor.LineSource); ok && opts.exitOnEOF {
		wg.Add(1)
		go func() {
			defer wg.Done()
			waitForReplay(ctx, ls, p, logger, cancel)
		}()
	}

	if err := p.Run(ctx); err != nil {
		return err
	}
	cancel()
	wg.Wait()
	logger.Info("graceful shutdown complete")
	return nil
}

// openSource builds the configured sample source. Serial sources also
// start their monitor and subscription goroutines on wg.
func openSource(ctx context.Context, cfg *config.Config, logger *zap.Logger, wg *sync.WaitGroup) (sensor.Source, serialmux.Interface, func(), error) {
	switch cfg.Source.Kind {
	case "mock":
		return sensor.NewMockAccel(sensor.MockAccelOptions{Seed: cfg.Source.Seed, Logger: logger}), nil, func() {}, nil

	case "file":
		f, err := os.Open(cfg.Source.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open fixture: %w", err)
		}
		return sensor.NewLineSource(f, nil), nil, func() { f.Close() }, nil

	case "serial":
		m, err := serialmux.Open(cfg.Source.Path, serialmux.PortOptions{BaudRate: cfg.Source.BaudRate, Framing: cfg.Source.Framing}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := m.Initialize(cfg.Source.Init); err != nil {
			m.Close()
			return nil, nil, nil, fmt.Errorf("failed to initialise device: %w", err)
		}
		monitoring.Logf("initialised device %s", cfg.Source.Path)

		src := sensor.NewSerialSource(m, nil, logger)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("serial monitor stopped", zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			if err := src.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("serial source stopped", zap.Error(err))
			}
		}()
		return src, m, func() { m.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown source %q", cfg.Source.Kind)
}

func newEngine(cfg *config.Config) (inference.Engine, error) {
	switch cfg.Engine.Kind {
	case "mock":
		e := inference.NewMockEngine()
		e.Delay = cfg.Engine.Delay.Std()
		return e, nil
	case "energy":
		e, err := inference.NewEnergyEngine(cfg.Window.Channels)
		if err != nil {
			return nil, err
		}
		if cfg.Engine.IdleEnergy > 0 {
			e.IdleEnergy = cfg.Engine.IdleEnergy
		}
		return e, nil
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Engine.Kind)
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// waitForReplay cancels the run once the fixture is exhausted and every
// completed window has reached the sinks.
func waitForReplay(ctx context.Context, src *sensor.LineSource, p *pipeline.Pipeline, logger *zap.Logger, cancel context.CancelFunc) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		done, err := src.Done()
		if !done {
			continue
		}
		if err != nil {
			logger.Error("fixture read failed", zap.Error(err))
			cancel()
			return
		}
		if !drained(p.Stats()) {
			continue
		}
		monitoring.Logf("fixture replay complete")
		cancel()
		return
	}
}

// drained reports whether every window taken off the preprocessor has been
// computed and its result handed to the sinks. Taken windows are counted
// under the window lock, so one that has left Pending is never missed.
func drained(st pipeline.Stats) bool {
	if st.Window.Pending || st.Window.Queued || st.Queue.Len > 0 {
		return false
	}
	if st.Window.WindowsTaken > st.Inferences+st.InferenceFailures {
		return false
	}
	return st.Emitted+st.SinkErrors+st.Queue.Dropped >= st.Inferences
}
