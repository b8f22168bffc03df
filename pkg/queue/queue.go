// Package queue provides a fixed-capacity FIFO shared between protocol
// workers and their clients.
package queue

import (
	"context"
	"errors"
	"time"
)

// DefaultCapacity is the capacity used for command and status queues.
const DefaultCapacity = 32

var ErrFull = errors.New("queue full")

// Bounded is a FIFO of at most Cap() elements. It is safe for any number of
// concurrent producers and consumers.
type Bounded[T any] struct {
	c chan T
}

func New[T any](capacity int) *Bounded[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Bounded[T]{c: make(chan T, capacity)}
}

// TryEnqueue appends v, or returns ErrFull without blocking.
func (q *Bounded[T]) TryEnqueue(v T) error {
	select {
	case q.c <- v:
		return nil
	default:
		return ErrFull
	}
}

// Enqueue appends v, waiting for room until ctx is done.
func (q *Bounded[T]) Enqueue(ctx context.Context, v T) error {
	select {
	case q.c <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryDequeue returns the head element, if any.
func (q *Bounded[T]) TryDequeue() (T, bool) {
	select {
	case v := <-q.c:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// BlockingDequeue waits as long as it takes for an element.
func (q *Bounded[T]) BlockingDequeue() T {
	return <-q.c
}

// BlockingDequeueTimeout waits at most d for an element. The second return
// value is false on timeout.
func (q *Bounded[T]) BlockingDequeueTimeout(d time.Duration) (T, bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case v := <-q.c:
		return v, true
	case <-t.C:
		var zero T
		return zero, false
	}
}

func (q *Bounded[T]) DequeueContext(ctx context.Context) (T, error) {
	select {
	case v := <-q.c:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (q *Bounded[T]) Len() int { return len(q.c) }
func (q *Bounded[T]) Cap() int { return cap(q.c) }
