package engine

import (
	"context"
	"sync"
	"time"
)

// queue is a FIFO of requests with an optional capacity. Waiters are woken
// through single-slot signal channels so that pops can carry a timeout.
type queue struct {
	mu    sync.Mutex
	items []*Request
	limit int
	wake  chan struct{}
	space chan struct{}
}

func newQueue(limit int) *queue {
	return &queue{
		limit: limit,
		wake:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Push appends r, blocking while the queue is full.
func (q *queue) Push(ctx context.Context, r *Request) error {
	for {
		q.mu.Lock()
		if q.limit <= 0 || len(q.items) < q.limit {
			q.items = append(q.items, r)
			q.mu.Unlock()
			signal(q.wake)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PushFront puts r back at the head of the queue regardless of capacity.
func (q *queue) PushFront(r *Request) {
	q.mu.Lock()
	q.items = append([]*Request{r}, q.items...)
	q.mu.Unlock()
	signal(q.wake)
}

// TryPop removes the head of the queue, or returns nil when empty.
func (q *queue) TryPop() *Request {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	signal(q.space)
	if remaining > 0 {
		signal(q.wake)
	}
	return r
}

// Pop waits up to wait for a request. It returns nil on timeout or when ctx ends.
func (q *queue) Pop(ctx context.Context, wait time.Duration) *Request {
	if r := q.TryPop(); r != nil {
		return r
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-q.wake:
		return q.TryPop()
	case <-timer.C:
		return q.TryPop()
	case <-ctx.Done():
		return nil
	}
}

// Len returns the number of queued requests.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake nudges one waiting Pop so it can re-check engine state.
func (q *queue) Wake() {
	signal(q.wake)
}
