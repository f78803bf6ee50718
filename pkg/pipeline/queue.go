package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errDeadline is returned by queue.pop when the deadline passes first.
var errDeadline = errors.New("pipeline: queue deadline exceeded")

// queue is an unbounded FIFO with a single consumer. Producers never block.
// Once closed, queued items are still delivered before the close reason is
// returned.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	reason error
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

// push appends v. It reports false when the queue is already closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.reason != nil {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.notify()
	return true
}

// close marks the queue as finished with reason. Only the first call wins.
func (q *queue[T]) close(reason error) {
	q.mu.Lock()
	if q.reason == nil {
		q.reason = reason
	}
	q.mu.Unlock()
	q.notify()
}

func (q *queue[T]) closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reason != nil
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop waits for the next item. A zero deadline waits indefinitely.
func (q *queue[T]) pop(ctx context.Context, deadline time.Time) (T, error) {
	var (
		zero  T
		timer <-chan time.Time
	)
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timer = t.C
	}
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.reason != nil {
			err := q.reason
			q.mu.Unlock()
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timer:
			return zero, errDeadline
		}
	}
}
