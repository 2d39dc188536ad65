package output

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/banshee-data/edgepipe/internal/healthmon"
	"github.com/banshee-data/edgepipe/internal/inference"
)

// BroadcastBuffer is each subscriber's channel depth.
const BroadcastBuffer = 32

// Broadcaster is a Sink that hands every result to live subscribers. Slow
// subscribers lose records rather than delaying the pipeline.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]chan InferenceRecord
	closed bool

	dropped atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]chan InferenceRecord)}
}

func (b *Broadcaster) Subscribe() (string, <-chan InferenceRecord) {
	id := uuid.NewString()
	ch := make(chan InferenceRecord, BroadcastBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) Emit(r inference.Result, snap healthmon.DebugSnapshot) error {
	rec := newInferenceRecord(r, snap)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Subscribers returns the live subscription count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped counts records not delivered to a full subscriber.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// ServeHTTP streams results as server-sent events, one JSON record each.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := b.Subscribe()
	defer b.Unsubscribe(id)

	fmt.Fprint(w, ": ping\n\n")
	flusher.Flush()
	for {
		select {
		case rec, ok := <-c:
			if !ok {
				return
			}
			data, err := sonic.Marshal(rec)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.Type, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
