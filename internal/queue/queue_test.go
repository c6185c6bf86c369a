package queue

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/feedrelay/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(seq uint64) *frame.Frame {
	return &frame.Frame{FeedID: "1", Sequence: seq, Encoding: frame.EncodingH264}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{MaxSize: 0})
	require.Error(t, err)

	_, err = New(Config{MaxSize: 1, Timeout: -time.Millisecond})
	require.Error(t, err)

	q, err := New(Config{MaxSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, q.Cap())
	assert.Equal(t, DropNewest, q.policy)
}

func TestQueue_FIFO(t *testing.T) {
	q, err := New(Config{MaxSize: 5})
	require.NoError(t, err)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.Equal(t, Accepted, q.Enqueue(ctx, testFrame(i)))
	}

	for i := uint64(1); i <= 5; i++ {
		f, err := q.TryDequeue()
		require.NoError(t, err)
		assert.Equal(t, i, f.Sequence)
	}

	_, err = q.TryDequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

// Paused consumer, no wait: the first ten frames stay queued and every later
// frame is rejected immediately.
func TestQueue_FullWithoutTimeoutDropsImmediately(t *testing.T) {
	q, err := New(Config{MaxSize: 10, Timeout: 0})
	require.NoError(t, err)
	ctx := context.Background()

	for i := uint64(1); i <= 10; i++ {
		require.Equal(t, Accepted, q.Enqueue(ctx, testFrame(i)))
	}

	for i := uint64(11); i <= 20; i++ {
		start := time.Now()
		outcome := q.Enqueue(ctx, testFrame(i))
		assert.Equal(t, DroppedFull, outcome, "frame %d", i)
		assert.Less(t, time.Since(start), 20*time.Millisecond, "drop must not wait")
	}

	require.Equal(t, 10, q.Len())
	for i := uint64(1); i <= 10; i++ {
		f, err := q.TryDequeue()
		require.NoError(t, err)
		assert.Equal(t, i, f.Sequence)
	}
}

func TestQueue_TimeoutBoundsTheWait(t *testing.T) {
	timeout := 50 * time.Millisecond
	q, err := New(Config{MaxSize: 1, Timeout: timeout})
	require.NoError(t, err)
	ctx := context.Background()

	require.Equal(t, Accepted, q.Enqueue(ctx, testFrame(1)))

	start := time.Now()
	outcome := q.Enqueue(ctx, testFrame(2))
	elapsed := time.Since(start)

	assert.Equal(t, DroppedTimeout, outcome)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+200*time.Millisecond)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_WaitSucceedsWhenConsumerDrains(t *testing.T) {
	q, err := New(Config{MaxSize: 1, Timeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	require.Equal(t, Accepted, q.Enqueue(ctx, testFrame(1)))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.TryDequeue()
	}()

	assert.Equal(t, Accepted, q.Enqueue(ctx, testFrame(2)))
	f, err := q.TryDequeue()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Sequence)
}

func TestQueue_EnqueueObservesCancellation(t *testing.T) {
	q, err := New(Config{MaxSize: 1, Timeout: time.Minute})
	require.NoError(t, err)

	require.Equal(t, Accepted, q.Enqueue(context.Background(), testFrame(1)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	assert.Equal(t, Cancelled, q.Enqueue(ctx, testFrame(2)))
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueue_DequeueBlocksUntilFrameOrCancel(t *testing.T) {
	q, err := New(Config{MaxSize: 2})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(context.Background(), testFrame(9))
	}()

	f, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), f.Sequence)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_DropOldest(t *testing.T) {
	q, err := New(Config{MaxSize: 3, Policy: DropOldest})
	require.NoError(t, err)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		require.Equal(t, Accepted, q.Enqueue(ctx, testFrame(i)))
	}
	assert.Equal(t, EvictedOldest, q.Enqueue(ctx, testFrame(4)))
	assert.Equal(t, 3, q.Len())

	var got []uint64
	for {
		f, err := q.TryDequeue()
		if err != nil {
			break
		}
		got = append(got, f.Sequence)
	}
	assert.Equal(t, []uint64{2, 3, 4}, got)
}

func TestQueue_NeverExceedsCapacity(t *testing.T) {
	q, err := New(Config{MaxSize: 4, Timeout: time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	for i := uint64(0); i < 100; i++ {
		q.Enqueue(ctx, testFrame(i))
		require.LessOrEqual(t, q.Len(), 4)
	}
	assert.Equal(t, 4, q.Drain())
	assert.Equal(t, 0, q.Len())
}

func TestParseDropPolicy(t *testing.T) {
	p, err := ParseDropPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)

	p, err = ParseDropPolicy("oldest")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	_, err = ParseDropPolicy("random")
	assert.Error(t, err)
}

func TestOutcome_Dropped(t *testing.T) {
	assert.False(t, Accepted.Dropped())
	assert.False(t, Cancelled.Dropped())
	assert.True(t, DroppedFull.Dropped())
	assert.True(t, DroppedTimeout.Dropped())
	assert.True(t, EvictedOldest.Dropped())
}
