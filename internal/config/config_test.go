package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() is invalid: %v", err)
	}
	if cfg.Window.Size*cfg.Window.Channels != 150 {
		t.Errorf("default window = %dx%d, want 50x3", cfg.Window.Size, cfg.Window.Channels)
	}
	if cfg.Sampling.Period.Std() != 10*time.Millisecond {
		t.Errorf("Sampling.Period = %v, want 10ms", cfg.Sampling.Period)
	}
}

func TestLoad_Formats(t *testing.T) {
	want := Default()
	want.Window.Size = 25
	want.Gate.Timeout = Duration(250 * time.Millisecond)
	want.Monitor.Required = []string{"computation"}
	want.Output.Format = "text"

	files := map[string]string{
		"cfg.json": `{
  "window": {"size": 25},
  "gate": {"timeout": "250ms"},
  "monitor": {"required": ["computation"]},
  "output": {"format": "text"}
}`,
		"cfg.yaml": `
window:
  size: 25
gate:
  timeout: 250ms
monitor:
  required: [computation]
output:
  format: text
`,
		"cfg.toml": `
[window]
size = 25

[gate]
timeout = "250ms"

[monitor]
required = ["computation"]

[output]
format = "text"
`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			got, err := Load(writeFile(t, name, body))
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "cfg.ini", "x=1"))
	assert.ErrorContains(t, err, "extension")

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "stat")

	_, err = Load(writeFile(t, "bad.json", "{"))
	assert.ErrorContains(t, err, "parse")

	_, err = Load(writeFile(t, "bad.json", `{"gate": {"timeout": "soon"}}`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "zero.json", `{"queue": {"capacity": 0}}`))
	assert.ErrorContains(t, err, "queue.capacity")

	big := `{"pad": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err = Load(writeFile(t, "big.json", big))
	assert.ErrorContains(t, err, "too large")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("EDGEPIPE_WINDOW_SIZE", "40")
	t.Setenv("EDGEPIPE_WINDOW_DC_ALPHA", "0.9")
	t.Setenv("EDGEPIPE_SAMPLE_PERIOD", "20ms")
	t.Setenv("EDGEPIPE_MONITOR_STACK_COMPUTATION", "65536")
	t.Setenv("EDGEPIPE_MONITOR_REQUIRED", "sampling,draining")
	t.Setenv("EDGEPIPE_LOG_LEVEL", "debug")

	cfg := Default()
	cfg.Queue.Capacity = 8 // from a file; no env var, must survive
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, 40, cfg.Window.Size)
	assert.Equal(t, 0.9, cfg.Window.DCAlpha)
	assert.Equal(t, 20*time.Millisecond, cfg.Sampling.Period.Std())
	assert.Equal(t, uint64(65536), cfg.Monitor.Stacks.Computation)
	assert.Equal(t, []string{"sampling", "draining"}, cfg.Monitor.Required)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Queue.Capacity)
	assert.Equal(t, [3]float64{0, 0, 8192}, cfg.Window.DCInitial)
	assert.Empty(t, cfg.Source.Path, "PATH must not leak into source.path")
}

func TestApplyEnv_BadValue(t *testing.T) {
	t.Setenv("EDGEPIPE_QUEUE_CAPACITY", "many")
	assert.Error(t, Default().ApplyEnv())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"channels", func(c *Config) { c.Window.Channels = 4 }, "window.channels"},
		{"alpha", func(c *Config) { c.Window.DCAlpha = 1 }, "window.dc_alpha"},
		{"threshold", func(c *Config) { c.Monitor.WarnThreshold = 0 }, "monitor.warn_threshold"},
		{"gate", func(c *Config) { c.Gate.Timeout = 0 }, "gate.timeout"},
		{"required", func(c *Config) { c.Monitor.Required = []string{"main"} }, "monitor.required"},
		{"serial path", func(c *Config) { c.Source.Kind = "serial" }, "source.path"},
		{"source kind", func(c *Config) { c.Source.Kind = "i2c" }, "source.kind"},
		{"engine", func(c *Config) { c.Engine.Kind = "tflite" }, "engine.kind"},
		{"format", func(c *Config) { c.Output.Format = "xml" }, "output.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mut(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestStackBudgetAndRequired(t *testing.T) {
	cfg := Default()
	assert.Equal(t, uint64(32<<10), cfg.StackBudget(ContextComputation))
	assert.Zero(t, cfg.StackBudget("main"))
	assert.True(t, cfg.IsRequired(ContextSampling))
	assert.False(t, cfg.IsRequired(ContextDraining))
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1.5s ")))
	assert.Equal(t, 1500*time.Millisecond, d.Std())
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", string(b))
	assert.Error(t, d.UnmarshalText([]byte("fast")))
}
