// Package queue implements the bounded per-feed FIFO that decouples a feed's
// receive loop from its send loop.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/feedrelay/internal/frame"
)

// Outcome is the result of offering a frame to the queue.
type Outcome int

const (
	// Accepted means the frame is queued.
	Accepted Outcome = iota
	// DroppedFull means the queue was full and no wait was configured.
	DroppedFull
	// DroppedTimeout means the queue stayed full for the whole wait.
	DroppedTimeout
	// EvictedOldest means the frame is queued after the oldest queued frame was discarded.
	EvictedOldest
	// Cancelled means the context ended while waiting for space.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case DroppedFull:
		return "dropped_full"
	case DroppedTimeout:
		return "dropped_timeout"
	case EvictedOldest:
		return "evicted_oldest"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Dropped reports whether the outcome lost a frame.
func (o Outcome) Dropped() bool {
	return o == DroppedFull || o == DroppedTimeout || o == EvictedOldest
}

// DropPolicy selects which frame is lost when the queue overflows.
type DropPolicy string

const (
	// DropNewest rejects the incoming frame after the enqueue wait expires.
	DropNewest DropPolicy = "newest"
	// DropOldest discards the oldest queued frame to make room, without waiting.
	DropOldest DropPolicy = "oldest"
)

// ParseDropPolicy converts a configured policy name, defaulting to DropNewest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch DropPolicy(s) {
	case DropNewest, "":
		return DropNewest, nil
	case DropOldest:
		return DropOldest, nil
	default:
		return "", fmt.Errorf("unknown drop policy %q (expected newest or oldest)", s)
	}
}

// ErrEmpty is returned by TryDequeue when no frame is queued.
var ErrEmpty = errors.New("queue empty")

// Config holds queue settings.
type Config struct {
	MaxSize int
	Timeout time.Duration
	Policy  DropPolicy
}

// Queue is a bounded FIFO of frames.
//
// The buffered channel is the bound: a send can never place more than MaxSize
// frames in the queue. One producer and one consumer per queue are expected.
type Queue struct {
	ch      chan *frame.Frame
	timeout time.Duration
	policy  DropPolicy
}

// New creates a queue. MaxSize must be positive and Timeout non-negative.
func New(cfg Config) (*Queue, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("max_queue_size must be greater than 0, got %d", cfg.MaxSize)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("queue_timeout_ms must not be negative, got %s", cfg.Timeout)
	}
	if cfg.Policy == "" {
		cfg.Policy = DropNewest
	}
	return &Queue{
		ch:      make(chan *frame.Frame, cfg.MaxSize),
		timeout: cfg.Timeout,
		policy:  cfg.Policy,
	}, nil
}

// Enqueue offers f using the configured timeout.
func (q *Queue) Enqueue(ctx context.Context, f *frame.Frame) Outcome {
	return q.EnqueueTimeout(ctx, f, q.timeout)
}

// EnqueueTimeout offers f, waiting up to timeout for space when the queue is full.
// A zero timeout never waits.
func (q *Queue) EnqueueTimeout(ctx context.Context, f *frame.Frame, timeout time.Duration) Outcome {
	select {
	case q.ch <- f:
		return Accepted
	default:
	}

	if q.policy == DropOldest {
		return q.evictAndPush(f)
	}

	if timeout <= 0 {
		return DroppedFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.ch <- f:
		return Accepted
	case <-timer.C:
		return DroppedTimeout
	case <-ctx.Done():
		return Cancelled
	}
}

func (q *Queue) evictAndPush(f *frame.Frame) Outcome {
	evicted := false
	select {
	case <-q.ch:
		evicted = true
	default:
	}

	select {
	case q.ch <- f:
		if evicted {
			return EvictedOldest
		}
		return Accepted
	default:
		// only reachable with concurrent producers
		return DroppedFull
	}
}

// TryDequeue returns the oldest frame without blocking, or ErrEmpty.
func (q *Queue) TryDequeue() (*frame.Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	default:
		return nil, ErrEmpty
	}
}

// Dequeue blocks until a frame is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (*frame.Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Drain discards all queued frames and returns how many were removed.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
