// Package config loads the pipeline configuration. Values start from
// Default, are overlaid by an optional JSON, YAML or TOML file, then by
// EDGEPIPE_* environment variables; cmd/edgepipe applies flags last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override, e.g. EDGEPIPE_WINDOW_SIZE.
const EnvPrefix = "EDGEPIPE"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Duration is a time.Duration that reads and writes "10ms" style strings in
// every supported file format and in the environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Sampling struct {
	Period Duration `json:"period" yaml:"period" toml:"period" split_words:"true"`
}

type Window struct {
	Size       int        `json:"size" yaml:"size" toml:"size" split_words:"true"`
	Channels   int        `json:"channels" yaml:"channels" toml:"channels" split_words:"true"`
	QuantScale float64    `json:"quant_scale" yaml:"quant_scale" toml:"quant_scale" split_words:"true"`
	DCAlpha    float64    `json:"dc_alpha" yaml:"dc_alpha" toml:"dc_alpha" split_words:"true"`
	DCInitial  [3]float64 `json:"dc_initial" yaml:"dc_initial" toml:"dc_initial" ignored:"true"`
}

type Queue struct {
	Capacity int `json:"capacity" yaml:"capacity" toml:"capacity" split_words:"true"`
}

type Gate struct {
	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout" split_words:"true"`
}

// StackBudgets are the per-context stack capacities, in bytes, the monitor
// compares usage against.
type StackBudgets struct {
	Sampling    uint64 `json:"sampling" yaml:"sampling" toml:"sampling" split_words:"true"`
	Computation uint64 `json:"computation" yaml:"computation" toml:"computation" split_words:"true"`
	Draining    uint64 `json:"draining" yaml:"draining" toml:"draining" split_words:"true"`
	Monitoring  uint64 `json:"monitoring" yaml:"monitoring" toml:"monitoring" split_words:"true"`
}

type Monitor struct {
	Period        Duration     `json:"period" yaml:"period" toml:"period" split_words:"true"`
	WarnThreshold float64      `json:"warn_threshold" yaml:"warn_threshold" toml:"warn_threshold" split_words:"true"`
	MaxContexts   int          `json:"max_contexts" yaml:"max_contexts" toml:"max_contexts" split_words:"true"`
	Stacks        StackBudgets `json:"stacks" yaml:"stacks" toml:"stacks" envconfig:"STACK"`
	// Required lists contexts that must register or startup fails.
	Required  []string `json:"required" yaml:"required" toml:"required" split_words:"true"`
	Heartbeat Duration `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat" split_words:"true"`
	Debug     bool     `json:"debug" yaml:"debug" toml:"debug" split_words:"true"`
}

type Drain struct {
	Backoff Duration `json:"backoff" yaml:"backoff" toml:"backoff" split_words:"true"`
}

// Source selects the sample source: "mock", "file" or "serial".
type Source struct {
	Kind string `json:"kind" yaml:"kind" toml:"kind" split_words:"true"`
	// Path is the fixture file for "file" or the device for "serial".
	Path     string   `json:"path" yaml:"path" toml:"path" split_words:"true"`
	BaudRate int      `json:"baud_rate" yaml:"baud_rate" toml:"baud_rate" split_words:"true"`
	Framing  string   `json:"framing" yaml:"framing" toml:"framing" split_words:"true"`
	Init     []string `json:"init" yaml:"init" toml:"init" split_words:"true"`
	Seed     int64    `json:"seed" yaml:"seed" toml:"seed" split_words:"true"`
}

// Engine selects the classifier: "mock" or "energy".
type Engine struct {
	Kind       string   `json:"kind" yaml:"kind" toml:"kind" split_words:"true"`
	Delay      Duration `json:"delay" yaml:"delay" toml:"delay" split_words:"true"`
	IdleEnergy float64  `json:"idle_energy" yaml:"idle_energy" toml:"idle_energy" split_words:"true"`
}

// Output selects the sink format ("json", "text" or "proto") and optional
// result recording.
type Output struct {
	Format string `json:"format" yaml:"format" toml:"format" split_words:"true"`
	// Path is a file to write to; empty means stdout.
	Path string `json:"path" yaml:"path" toml:"path" split_words:"true"`
	// DBPath enables the sqlite result recorder when set.
	DBPath string `json:"db_path" yaml:"db_path" toml:"db_path" split_words:"true"`
}

type Server struct {
	Listen string `json:"listen" yaml:"listen" toml:"listen" split_words:"true"`
}

type Logging struct {
	Level       string `json:"level" yaml:"level" toml:"level" split_words:"true"`
	Development bool   `json:"development" yaml:"development" toml:"development" split_words:"true"`
}

// Config is the full pipeline configuration.
type Config struct {
	Sampling Sampling `json:"sampling" yaml:"sampling" toml:"sampling" envconfig:"SAMPLE"`
	Window   Window   `json:"window" yaml:"window" toml:"window" envconfig:"WINDOW"`
	Queue    Queue    `json:"queue" yaml:"queue" toml:"queue" envconfig:"QUEUE"`
	Gate     Gate     `json:"gate" yaml:"gate" toml:"gate" envconfig:"GATE"`
	Monitor  Monitor  `json:"monitor" yaml:"monitor" toml:"monitor" envconfig:"MONITOR"`
	Drain    Drain    `json:"drain" yaml:"drain" toml:"drain" envconfig:"DRAIN"`
	Source   Source   `json:"source" yaml:"source" toml:"source" envconfig:"SOURCE"`
	Engine   Engine   `json:"engine" yaml:"engine" toml:"engine" envconfig:"ENGINE"`
	Output   Output   `json:"output" yaml:"output" toml:"output" envconfig:"OUTPUT"`
	Server   Server   `json:"server" yaml:"server" toml:"server" envconfig:"SERVER"`
	Logging  Logging  `json:"logging" yaml:"logging" toml:"logging" envconfig:"LOG"`
}

// Context names registered with the resource monitor.
const (
	ContextSampling    = "sampling"
	ContextComputation = "computation"
	ContextDraining    = "draining"
	ContextMonitoring  = "monitoring"
)

// Default returns the configuration of the reference device: 100 Hz
// sampling into 50x3 windows, a 16-entry result queue, and 1 s gate and
// monitor periods.
func Default() *Config {
	return &Config{
		Sampling: Sampling{Period: Duration(10 * time.Millisecond)},
		Window: Window{
			Size:       50,
			Channels:   3,
			QuantScale: 127.0 / 16384.0,
			DCAlpha:    0.95,
			DCInitial:  [3]float64{0, 0, 8192},
		},
		Queue: Queue{Capacity: 16},
		Gate:  Gate{Timeout: Duration(time.Second)},
		Monitor: Monitor{
			Period:        Duration(time.Second),
			WarnThreshold: 0.80,
			MaxContexts:   4,
			Stacks: StackBudgets{
				Sampling:    16 << 10,
				Computation: 32 << 10,
				Draining:    16 << 10,
				Monitoring:  16 << 10,
			},
			Required:  []string{ContextSampling, ContextComputation},
			Heartbeat: Duration(10 * time.Second),
		},
		Drain:   Drain{Backoff: Duration(10 * time.Millisecond)},
		Source:  Source{Kind: "mock", BaudRate: 115200, Framing: "8N1", Seed: 1},
		Engine:  Engine{Kind: "mock", IdleEnergy: 25},
		Output:  Output{Format: "json"},
		Server:  Server{Listen: ":8080"},
		Logging: Logging{Level: "info"},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .json, .yaml/.yml or .toml. Fields absent from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the file at path onto c without validating.
func (c *Config) LoadFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		return fmt.Errorf("config file must have .json, .yaml or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext {
	case ".json":
		err = json.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", strings.TrimPrefix(ext, "."), err)
	}
	return nil
}

// ApplyEnv overlays EDGEPIPE_* environment variables onto c. Unset
// variables leave the current value alone.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	return nil
}

// Validate checks ranges that the pipeline depends on.
func (c *Config) Validate() error {
	if c.Sampling.Period <= 0 {
		return fmt.Errorf("sampling.period must be positive, got %s", c.Sampling.Period)
	}
	if c.Window.Size < 1 {
		return fmt.Errorf("window.size must be at least 1, got %d", c.Window.Size)
	}
	if c.Window.Channels < 1 || c.Window.Channels > 3 {
		return fmt.Errorf("window.channels must be between 1 and 3, got %d", c.Window.Channels)
	}
	if !(c.Window.QuantScale > 0) {
		return fmt.Errorf("window.quant_scale must be positive, got %f", c.Window.QuantScale)
	}
	if !(c.Window.DCAlpha > 0 && c.Window.DCAlpha < 1) {
		return fmt.Errorf("window.dc_alpha must be between 0 and 1 exclusive, got %f", c.Window.DCAlpha)
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1, got %d", c.Queue.Capacity)
	}
	if c.Gate.Timeout <= 0 {
		return fmt.Errorf("gate.timeout must be positive, got %s", c.Gate.Timeout)
	}
	if c.Monitor.Period <= 0 {
		return fmt.Errorf("monitor.period must be positive, got %s", c.Monitor.Period)
	}
	if !(c.Monitor.WarnThreshold > 0 && c.Monitor.WarnThreshold <= 1) {
		return fmt.Errorf("monitor.warn_threshold must be in (0, 1], got %f", c.Monitor.WarnThreshold)
	}
	if c.Monitor.MaxContexts < 1 {
		return fmt.Errorf("monitor.max_contexts must be at least 1, got %d", c.Monitor.MaxContexts)
	}
	for _, name := range c.Monitor.Required {
		if c.StackBudget(name) == 0 {
			return fmt.Errorf("monitor.required names unknown or unbudgeted context %q", name)
		}
	}
	if c.Monitor.Heartbeat < 0 {
		return fmt.Errorf("monitor.heartbeat must not be negative, got %s", c.Monitor.Heartbeat)
	}
	if c.Drain.Backoff <= 0 {
		return fmt.Errorf("drain.backoff must be positive, got %s", c.Drain.Backoff)
	}
	switch c.Source.Kind {
	case "mock":
	case "file", "serial":
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for %s source", c.Source.Kind)
		}
	default:
		return fmt.Errorf("source.kind must be mock, file or serial, got %q", c.Source.Kind)
	}
	switch c.Engine.Kind {
	case "mock", "energy":
	default:
		return fmt.Errorf("engine.kind must be mock or energy, got %q", c.Engine.Kind)
	}
	switch c.Output.Format {
	case "json", "text", "proto":
	default:
		return fmt.Errorf("output.format must be json, text or proto, got %q", c.Output.Format)
	}
	return nil
}

// StackBudget returns the configured stack capacity for a context name, or
// 0 for an unknown name.
func (c *Config) StackBudget(name string) uint64 {
	switch name {
	case ContextSampling:
		return c.Monitor.Stacks.Sampling
	case ContextComputation:
		return c.Monitor.Stacks.Computation
	case ContextDraining:
		return c.Monitor.Stacks.Draining
	case ContextMonitoring:
		return c.Monitor.Stacks.Monitoring
	}
	return 0
}

// IsRequired reports whether name is listed in Monitor.Required.
func (c *Config) IsRequired(name string) bool {
	for _, r := range c.Monitor.Required {
		if r == name {
			return true
		}
	}
	return false
}
