package resultq

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/edgepipe/internal/inference"
)

func res(seq uint32) inference.Result {
	return inference.Result{Sequence: seq, Gesture: inference.Wave, Confidence: 0.5, Scores: inference.Scores{0.5, 0.5}}
}

func seqs(rs []inference.Result) []uint32 {
	out := make([]uint32, len(rs))
	for i, r := range rs {
		out[i] = r.Sequence
	}
	return out
}

func TestNew_RejectsZeroCapacity(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = New(-3)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestQueue_EmptyPop(t *testing.T) {
	q, err := New(2)
	require.NoError(t, err)
	assert.True(t, q.IsEmpty())
	_, err = q.Pop()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueue_FIFO(t *testing.T) {
	q, err := New(4)
	require.NoError(t, err)
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, q.Push(res(i)))
	}
	assert.Equal(t, 3, q.Len())
	assert.False(t, q.IsFull())

	for i := uint32(1); i <= 3; i++ {
		r, err := q.Pop()
		require.NoError(t, err)
		assert.Equal(t, i, r.Sequence)
	}
	assert.True(t, q.IsEmpty())
}

func TestQueue_EvictsOldest(t *testing.T) {
	const capacity = 16
	q, err := New(capacity)
	require.NoError(t, err)

	for i := uint32(1); i <= capacity+1; i++ {
		require.NoError(t, q.Push(res(i)))
	}
	assert.Equal(t, capacity, q.Len())
	assert.True(t, q.IsFull())
	assert.Equal(t, uint64(1), q.Dropped())

	var got []uint32
	for !q.IsEmpty() {
		r, err := q.Pop()
		require.NoError(t, err)
		got = append(got, r.Sequence)
	}
	want := make([]uint32, capacity)
	for i := range want {
		want[i] = uint32(i + 2)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pop order (-want +got):\n%s", diff)
	}
}

func TestQueue_WrapAround(t *testing.T) {
	q, err := New(3)
	require.NoError(t, err)

	// Interleave pushes and pops so head walks around the ring several times.
	next := uint32(1)
	var popped []uint32
	for round := 0; round < 10; round++ {
		require.NoError(t, q.Push(res(next)))
		require.NoError(t, q.Push(res(next+1)))
		next += 2
		r, err := q.Pop()
		require.NoError(t, err)
		popped = append(popped, r.Sequence)
	}
	// Once the ring fills, each round evicts exactly one entry.
	assert.Equal(t, []uint32{1, 2, 4, 6, 8, 10, 12, 14, 16, 18}, popped)
	assert.Equal(t, []uint32{next - 2, next - 1}, seqs(q.Peek()))
	st := q.Stats()
	assert.Equal(t, uint64(20), st.Pushed)
	assert.Equal(t, uint64(10), st.Popped)
	assert.Equal(t, uint64(8), st.Dropped)
}

func TestQueue_StoresCopies(t *testing.T) {
	q, err := New(2)
	require.NoError(t, err)
	r := res(1)
	require.NoError(t, q.Push(r))
	r.Scores[0] = 99
	r.Gesture = inference.Circle

	got, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, inference.Wave, got.Gesture)
	assert.Equal(t, float32(0.5), got.Scores[0])
}

func TestQueue_Reset(t *testing.T) {
	q, err := New(2)
	require.NoError(t, err)
	for i := uint32(0); i < 5; i++ {
		require.NoError(t, q.Push(res(i)))
	}
	q.Reset()
	assert.Equal(t, Stats{Cap: 2}, q.Stats())
}

func TestQueue_ConcurrentProducerConsumer(t *testing.T) {
	q, err := New(8)
	require.NoError(t, err)

	const n = 5000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(1); i <= n; i++ {
			_ = q.Push(res(i))
		}
	}()

	var got []uint32
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		r, err := q.Pop()
		if err == nil {
			got = append(got, r.Sequence)
			continue
		}
		select {
		case <-done:
			for r, err := q.Pop(); err == nil; r, err = q.Pop() {
				got = append(got, r.Sequence)
			}
			for i := 1; i < len(got); i++ {
				require.Less(t, got[i-1], got[i], "results reordered")
			}
			assert.Equal(t, uint64(n), uint64(len(got))+q.Dropped())
			return
		default:
		}
	}
}
