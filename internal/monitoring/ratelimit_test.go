package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLimitedLogger(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := NewLimitedLogger(zap.New(core), time.Hour, 2)

	assert.True(t, l.Warn("read failed"))
	assert.True(t, l.Warn("read failed"))
	for i := 0; i < 5; i++ {
		assert.False(t, l.Warn("read failed"))
	}
	assert.Equal(t, uint64(5), l.Suppressed())
	require.Equal(t, 2, logs.Len())
	_, has := logs.All()[1].ContextMap()["suppressed"]
	assert.False(t, has)
}

func TestLimitedLogger_ReportsSuppressed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := NewLimitedLogger(zap.New(core), 50*time.Millisecond, 1)

	require.True(t, l.Warn("overrun"))
	l.Warn("overrun")
	l.Warn("overrun")
	require.Eventually(t, func() bool { return l.Warn("overrun") }, 2*time.Second, 5*time.Millisecond)

	entries := logs.All()
	last := entries[len(entries)-1]
	n, ok := last.ContextMap()["suppressed"].(uint64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, n, uint64(2))
	assert.Zero(t, l.Suppressed())
}
