package main

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/banshee-data/edgepipe/internal/config"
	"github.com/banshee-data/edgepipe/internal/db"
	"github.com/banshee-data/edgepipe/internal/inference"
	"github.com/banshee-data/edgepipe/internal/output"
	"github.com/banshee-data/edgepipe/internal/pipeline"
	"github.com/banshee-data/edgepipe/internal/preprocess"
	"github.com/banshee-data/edgepipe/internal/resultq"
	"github.com/banshee-data/edgepipe/internal/testutil"
)

// TestFlagDefaults verifies that no flag overrides the configuration
// unless given.
func TestFlagDefaults(t *testing.T) {
	cfg := config.Default()
	applyFlags(cfg)
	assert.Equal(t, config.Default(), cfg)
}

func TestApplyFlags(t *testing.T) {
	defer func(l, s, f string, d bool) { *listen, *sourceKind, *format, *devMode = l, s, f, d }(*listen, *sourceKind, *format, *devMode)
	*listen = "off"
	*sourceKind = "file"
	*format = "text"
	*devMode = true

	cfg := config.Default()
	applyFlags(cfg)
	assert.Empty(t, cfg.Server.Listen)
	assert.Equal(t, "file", cfg.Source.Kind)
	assert.Equal(t, "text", cfg.Output.Format)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgepipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("window:\n  size: 25\nqueue:\n  capacity: 4\n"), 0o644))
	t.Setenv("EDGEPIPE_QUEUE_CAPACITY", "8")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Window.Size)
	assert.Equal(t, 8, cfg.Queue.Capacity, "environment overrides the file")

	t.Setenv("EDGEPIPE_WINDOW_SIZE", "0")
	_, err = loadConfig(path)
	assert.Error(t, err)
}

func TestNewEngine(t *testing.T) {
	cfg := config.Default()
	e, err := newEngine(cfg)
	require.NoError(t, err)
	assert.IsType(t, &inference.MockEngine{}, e)

	cfg.Engine.Kind = "energy"
	cfg.Engine.IdleEnergy = 40
	e, err = newEngine(cfg)
	require.NoError(t, err)
	require.IsType(t, &inference.EnergyEngine{}, e)
	assert.Equal(t, 40.0, e.(*inference.EnergyEngine).IdleEnergy)

	cfg.Engine.Kind = "tflite"
	_, err = newEngine(cfg)
	assert.Error(t, err)
}

func TestDrained(t *testing.T) {
	taken := func(n uint64) preprocess.Stats { return preprocess.Stats{WindowsTaken: n} }

	assert.True(t, drained(pipeline.Stats{}))
	assert.True(t, drained(pipeline.Stats{Window: taken(2), Inferences: 1, InferenceFailures: 1, Emitted: 1}))
	assert.False(t, drained(pipeline.Stats{Window: preprocess.Stats{Pending: true}}))
	assert.False(t, drained(pipeline.Stats{Queue: resultq.Stats{Len: 1}}))
	assert.False(t, drained(pipeline.Stats{Window: taken(2), Inferences: 1}))
	assert.False(t, drained(pipeline.Stats{Window: taken(1), Inferences: 1}))
	assert.True(t, drained(pipeline.Stats{Window: taken(3), Inferences: 3, Emitted: 1, Queue: resultq.Stats{Dropped: 2}}))

	// A window that has left Pending but not yet reached the computation
	// counters keeps the run alive.
	assert.False(t, drained(pipeline.Stats{Window: taken(1)}))
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, sonic.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRun_FileReplay(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.Listen = ""
	cfg.Source.Kind = "file"
	cfg.Source.Path = testutil.WriteFixture(t, testutil.Samples(150))
	cfg.Sampling.Period = config.Duration(time.Millisecond)
	cfg.Drain.Backoff = config.Duration(time.Millisecond)
	cfg.Output.Path = filepath.Join(dir, "out.jsonl")
	cfg.Output.DBPath = filepath.Join(dir, "results.db")
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg, zaptest.NewLogger(t), runOptions{exitOnEOF: true}))
	require.NoError(t, ctx.Err(), "run should finish on its own once the fixture is replayed")

	var inferences []map[string]any
	records := readRecords(t, cfg.Output.Path)
	require.NotEmpty(t, records)
	assert.Equal(t, output.TypeStartup, records[0]["type"])
	for _, r := range records {
		if r["type"] == output.TypeInference {
			inferences = append(inferences, r)
		}
	}
	require.Len(t, inferences, 3)
	for i, r := range inferences {
		assert.EqualValues(t, i+1, r["seq"])
	}

	store, err := db.Open(cfg.Output.DBPath, nil)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Results)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestRun_MockUntilCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Listen = ""
	cfg.Sampling.Period = config.Duration(time.Millisecond)
	cfg.Output.Format = "text"
	cfg.Output.Path = filepath.Join(t.TempDir(), "out.txt")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, run(ctx, cfg, zaptest.NewLogger(t), runOptions{}))

	b, err := os.ReadFile(cfg.Output.Path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[STARTUP] edgepipe")
	assert.Contains(t, string(b), "GESTURE: ")
}
