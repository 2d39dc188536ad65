package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/edgepipe/internal/timeutil"
)

func TestGate_Coalesces(t *testing.T) {
	g := New(nil)

	assert.True(t, g.Notify())
	for i := 0; i < 9; i++ {
		assert.False(t, g.Notify())
	}
	assert.True(t, g.Pending())

	assert.Equal(t, Signaled, g.Wait(0))
	assert.False(t, g.Pending())
	assert.Equal(t, TimedOut, g.Wait(0), "ten notifies must yield exactly one wake")

	assert.Equal(t, Stats{Notifies: 10, Coalesced: 9, Wakes: 1, Timeouts: 1}, g.Stats())
}

func TestGate_WaitTimesOutOnMockClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	g := New(clock)

	done := make(chan Outcome, 1)
	go func() { done <- g.Wait(100 * time.Millisecond) }()

	// Advance until the waiter's timer exists and fires.
	require.Eventually(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		select {
		case out := <-done:
			assert.Equal(t, TimedOut, out)
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestGate_NotifyWakesWaiter(t *testing.T) {
	g := New(nil)
	done := make(chan Outcome, 1)
	go func() { done <- g.Wait(5 * time.Second) }()

	time.Sleep(10 * time.Millisecond)
	g.Notify()

	select {
	case out := <-done:
		assert.Equal(t, Signaled, out)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestGate_WaitContextCancelled(t *testing.T) {
	g := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.Equal(t, TimedOut, g.WaitContext(ctx, time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGate_PendingWinsOverCancelledContext(t *testing.T) {
	g := New(nil)
	g.Notify()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, Signaled, g.WaitContext(ctx, time.Hour))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "signaled", Signaled.String())
	assert.Equal(t, "timed_out", TimedOut.String())
}
