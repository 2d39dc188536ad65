package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// A nil logger must become a no-op rather than leave the old one in place.
	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
	Logf("test message: %s", "value")
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", false)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = NewLogger("warn", true)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}

func TestInstall_RoutesLogf(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := Install(zap.New(core))

	Logf("window %d ready", 7)
	restore()

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "window 7 ready", logs.All()[0].Message)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.SamplesTotal.Add(3)
	m.StackUsedBytes.WithLabelValues("sampling").Set(512)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "edgepipe_samples_total 3"), body)
	assert.Contains(t, body, `edgepipe_context_stack_used_bytes{context="sampling"} 512`)
}

func TestMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances must not panic on duplicate registration.
	a, b := NewMetrics(), NewMetrics()
	a.WindowsTotal.Inc()
	assert.NotSame(t, a.Registry, b.Registry)
}
