// Package queue provides the unbounded FIFO behind the synthesis and playback
// work queues.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotStarted is returned when pushing to a queue whose worker is not
// running.
var ErrNotStarted = errors.New("queue: not started")

// FIFO is an unbounded, mutex-guarded queue. Push never blocks; Pop blocks on
// a wake channel for at most the idle interval before re-checking.
type FIFO[T any] struct {
	wake chan struct{}

	mu     sync.Mutex
	items  []T
	open   bool
	closed bool
}

func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{wake: make(chan struct{}, 1)}
}

// Open allows pushes. Opening a closed queue has no effect.
func (q *FIFO[T]) Open() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.open = true
	}
}

// Close rejects further pushes and drops anything still queued.
func (q *FIFO[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.open = false
	q.closed = true
	q.items = nil
}

// Push appends v. It returns ErrNotStarted unless the queue is open.
func (q *FIFO[T]) Push(v T) error {
	q.mu.Lock()
	if !q.open {
		q.mu.Unlock()
		return ErrNotStarted
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// TryPop removes the head of the queue if there is one.
func (q *FIFO[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Pop waits for the next item. It returns ctx.Err() once ctx is done; an
// empty wait lasts at most idle before the queue is checked again.
func (q *FIFO[T]) Pop(ctx context.Context, idle time.Duration) (T, error) {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-timer.C:
		}
		timer.Reset(idle)
	}
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
