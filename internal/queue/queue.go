// Package queue implements the bounded FIFO that feeds a partition's command
// validator task. Producers never block; the single consumer does.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrFull is returned by Push when the queue is at capacity.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned by Push after Close, and by Pop once a closed queue is drained.
	ErrClosed = errors.New("queue closed")
)

// Queue is a bounded, multi-producer FIFO.
type Queue[T any] struct {
	mu     sync.RWMutex
	ch     chan T
	closed bool

	pushed    atomic.Int64
	dropped   atomic.Int64
	highWater atomic.Int64
}

// New creates a queue holding at most capacity items. Capacity below 1 is raised to 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push appends v without blocking.
func (q *Queue[T]) Push(v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- v:
		q.pushed.Add(1)
		depth := int64(len(q.ch))
		for {
			hw := q.highWater.Load()
			if depth <= hw || q.highWater.CompareAndSwap(hw, depth) {
				break
			}
		}
		return nil
	default:
		q.dropped.Add(1)
		return ErrFull
	}
}

// Pop removes the oldest item, blocking until one is available, ctx is done, or
// the queue is closed and empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryPop removes the oldest item if one is immediately available.
func (q *Queue[T]) TryPop() (T, bool) {
	var zero T
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, false
		}
		return v, true
	default:
		return zero, false
	}
}

// Close rejects further pushes. Items already queued remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the current depth.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Depth     int
	Capacity  int
	Pushed    int64
	Dropped   int64
	HighWater int64
}

// Stats returns the queue counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Depth:     q.Len(),
		Capacity:  q.Cap(),
		Pushed:    q.pushed.Load(),
		Dropped:   q.dropped.Load(),
		HighWater: q.highWater.Load(),
	}
}
