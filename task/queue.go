package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errQueueTimeout is returned by Pop when nothing arrived within the wait.
var errQueueTimeout = errors.New("queue: dequeue timed out")

// Queue is an unbounded FIFO of records with a timed, cancelable Pop.
type Queue struct {
	mu    sync.Mutex
	items []*Record
	ready chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

func (q *Queue) Push(r *Record) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest record, waiting up to timeout for one to arrive.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return r, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, errQueueTimeout
		case <-q.ready:
		}
	}
}

// Drain empties the queue and returns what was in it, oldest first.
func (q *Queue) Drain() []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Remove drops the queued record for url, if any.
func (q *Queue) Remove(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.items {
		if r.URL == url {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
