package hub

import (
	"context"
	"sync"

	"morsel/internal/domain"
)

// DefaultMaxQueued bounds the invocations waiting behind the running one.
const DefaultMaxQueued = 1024

// inbox is the FIFO between a receive loop and its invocation worker. Push
// never blocks, so the reader keeps routing results while a method waits on
// the peer.
type inbox struct {
	limit int

	mu     sync.Mutex
	items  []domain.InvocationDescriptor
	closed bool
	ready  chan struct{}
}

func newInbox(limit int) *inbox {
	if limit <= 0 {
		limit = DefaultMaxQueued
	}
	return &inbox{limit: limit, ready: make(chan struct{}, 1)}
}

// push queues d. It reports false when the inbox is full or closed.
func (q *inbox) push(d domain.InvocationDescriptor) bool {
	q.mu.Lock()
	if q.closed || len(q.items) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, d)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// close stops the worker once the queued items are taken.
func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// take removes and returns everything queued.
func (q *inbox) take() ([]domain.InvocationDescriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items, q.closed
}

// drain runs fn on each item in arrival order until the inbox is closed.
// Items still queued when ctx ends are skipped.
func (q *inbox) drain(ctx context.Context, fn func(domain.InvocationDescriptor)) {
	for {
		items, closed := q.take()
		for _, d := range items {
			if ctx.Err() == nil {
				fn(d)
			}
		}
		if closed && len(items) == 0 {
			return
		}
		if len(items) == 0 {
			<-q.ready
		}
	}
}
