// Package queue provides the bounded hand-off between meter readers and the
// ingestion pipeline.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/lsm/meterlog/internal/record"
)

// DefaultCapacity is the number of raw records the ingest queue can hold.
const DefaultCapacity = 50

// ErrEmpty is returned by Pop when no record arrived before the timeout.
var ErrEmpty = errors.New("queue empty")

// Queue is a bounded FIFO of raw records. Push blocks while the queue is full;
// records are never dropped to make room.
type Queue struct {
	ch chan record.Raw
}

// New creates a queue with the given capacity. It panics if capacity is not positive.
func New(capacity int) *Queue {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Queue{ch: make(chan record.Raw, capacity)}
}

// Push enqueues r, blocking until there is room or ctx is done.
func (q *Queue) Push(ctx context.Context, r record.Raw) error {
	select {
	case q.ch <- r:
		return nil
	default:
	}

	select {
	case q.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest record. It returns ErrEmpty if nothing arrives
// within timeout, and ctx.Err() if ctx is done first.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (record.Raw, error) {
	select {
	case r := <-q.ch:
		return r, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-q.ch:
		return r, nil
	case <-timer.C:
		return record.Raw{}, ErrEmpty
	case <-ctx.Done():
		return record.Raw{}, ctx.Err()
	}
}

// Len returns the number of queued records.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
