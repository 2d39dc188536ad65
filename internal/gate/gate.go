// Package gate implements the single-slot wake signal between the sampling
// and computation loops.
//
// Notify never blocks. Any number of Notify calls between two waits collapse
// into one pending wake, so a Wait returns Signaled at most once per burst.
// Wait is always bounded by a timeout so the waiter can re-check shutdown.
package gate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/edgepipe/internal/timeutil"
)

// Outcome is the result of a Wait.
type Outcome int

const (
	TimedOut Outcome = iota
	Signaled
)

func (o Outcome) String() string {
	if o == Signaled {
		return "signaled"
	}
	return "timed_out"
}

// Stats counts gate traffic.
type Stats struct {
	Notifies  uint64 `json:"notifies"`
	Coalesced uint64 `json:"coalesced"`
	Wakes     uint64 `json:"wakes"`
	Timeouts  uint64 `json:"timeouts"`
}

// Gate is a coalescing binary signal. The zero value is not usable; call New.
type Gate struct {
	clock timeutil.Clock
	slot  chan struct{}

	notifies  atomic.Uint64
	coalesced atomic.Uint64
	wakes     atomic.Uint64
	timeouts  atomic.Uint64
}

// New returns a Gate driven by clock (RealClock when nil).
func New(clock timeutil.Clock) *Gate {
	return &Gate{
		clock: timeutil.OrReal(clock),
		slot:  make(chan struct{}, 1),
	}
}

// Notify marks the gate signaled. It reports false when a wake was already
// pending and this call was folded into it.
func (g *Gate) Notify() bool {
	g.notifies.Add(1)
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		g.coalesced.Add(1)
		return false
	}
}

// Pending reports whether a wake is waiting to be consumed.
func (g *Gate) Pending() bool { return len(g.slot) > 0 }

// Wait blocks until the gate is signaled or timeout elapses, consuming the
// pending wake. A non-positive timeout polls.
func (g *Gate) Wait(timeout time.Duration) Outcome {
	return g.WaitContext(context.Background(), timeout)
}

// WaitContext is Wait that also returns TimedOut when ctx is done.
func (g *Gate) WaitContext(ctx context.Context, timeout time.Duration) Outcome {
	// Fast path: a pending wake is consumed without arming a timer.
	select {
	case <-g.slot:
		g.wakes.Add(1)
		return Signaled
	default:
	}
	if timeout <= 0 {
		g.timeouts.Add(1)
		return TimedOut
	}

	t := g.clock.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-g.slot:
		g.wakes.Add(1)
		return Signaled
	case <-t.C():
	case <-ctx.Done():
	}
	g.timeouts.Add(1)
	return TimedOut
}

// Stats returns a snapshot of the counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Notifies:  g.notifies.Load(),
		Coalesced: g.coalesced.Load(),
		Wakes:     g.wakes.Load(),
		Timeouts:  g.timeouts.Load(),
	}
}
