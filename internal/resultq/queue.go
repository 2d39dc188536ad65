// Package resultq is the bounded hand-off between the computation loop and
// the draining loop. When full, a push evicts the oldest unread result so
// the newest classification always gets through; evictions are counted.
package resultq

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/edgepipe/internal/inference"
)

var (
	ErrEmpty        = errors.New("resultq: queue empty")
	ErrInvalidInput = errors.New("resultq: invalid input")
)

// DefaultCapacity matches the firmware's result buffer.
const DefaultCapacity = 16

// Stats is a point-in-time view of the queue.
type Stats struct {
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Pushed  uint64 `json:"pushed"`
	Popped  uint64 `json:"popped"`
	Dropped uint64 `json:"dropped"`
}

// Queue is a fixed-capacity ring of results safe for one pushing and one
// popping goroutine (or more; every operation takes the lock).
type Queue struct {
	mu      sync.Mutex
	buf     []inference.Result
	head    int // next slot to pop
	count   int
	pushed  uint64
	popped  uint64
	dropped uint64
}

// New allocates a queue holding up to capacity results.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidInput, capacity)
	}
	return &Queue{buf: make([]inference.Result, capacity)}, nil
}

// Push appends r, evicting the oldest entry when full. The result is stored
// by value, so later changes to the caller's copy are not visible to Pop.
func (q *Queue) Push(r inference.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
	}
	q.buf[(q.head+q.count)%len(q.buf)] = r
	q.count++
	q.pushed++
	return nil
}

// Pop removes and returns the oldest result, or ErrEmpty.
func (q *Queue) Pop() (inference.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return inference.Result{}, ErrEmpty
	}
	r := q.buf[q.head]
	q.buf[q.head] = inference.Result{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.popped++
	return r, nil
}

// Peek returns a copy of the entries in pop order without removing them.
func (q *Queue) Peek() []inference.Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]inference.Result, q.count)
	for i := range out {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

func (q *Queue) IsEmpty() bool { return q.Len() == 0 }

func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count == len(q.buf)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Queue) Cap() int { return len(q.buf) }

// Dropped returns how many results have been evicted.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Reset empties the queue and zeroes the counters.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.buf)
	q.head, q.count = 0, 0
	q.pushed, q.popped, q.dropped = 0, 0, 0
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Len: q.count, Cap: len(q.buf), Pushed: q.pushed, Popped: q.popped, Dropped: q.dropped}
}
