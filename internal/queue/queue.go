// Package queue implements the unbounded FIFO hand-off between the poller
// and the reply worker. The queue is what lets ingestion keep running while
// a reply is still being generated.
package queue

import (
	"context"
	"sync"

	"matterbot/internal/domain"
)

// Queue is an unbounded FIFO of events. Push never blocks; Pop suspends
// while the queue is empty. Any number of producers, one consumer.
type Queue struct {
	mu    sync.Mutex
	items []domain.Event
	wake  chan struct{}
}

func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) Push(ev domain.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop returns the oldest event, blocking until one is available or ctx is
// done. The second return is false only on cancellation.
func (q *Queue) Pop(ctx context.Context) (domain.Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Event{}, false
		case <-q.wake:
			// Re-check: the wake token may be stale for a single consumer
			// that already drained the slice.
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
