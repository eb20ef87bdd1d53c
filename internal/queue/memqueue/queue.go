// Package memqueue is the in-memory OrderQueue implementation: a buffered
// channel, grounded on the teacher's internal/order.Queue, generalized to
// satisfy queue.OrderQueue (bool-returning Enqueue, decimal PendingNotional)
// instead of the teacher's void Enqueue with no notional tracking at all.
package memqueue

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"signalrouter/internal/queue"
)

// Queue buffers QueuedOrders before dispatch execution. Not durable across
// restarts -- use walqueue when crash recovery of in-flight orders matters.
type Queue struct {
	ch chan queue.QueuedOrder

	mu       sync.Mutex
	notional decimal.Decimal
	closed   bool
}

// New creates a Queue with the given buffer size (defaults to 100 if <= 0,
// matching the teacher's NewQueue default).
func New(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan queue.QueuedOrder, size)}
}

// Enqueue adds an order, returning false if the queue has been closed.
func (q *Queue) Enqueue(ctx context.Context, o queue.QueuedOrder) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.notional = q.notional.Add(o.Notional)
	q.mu.Unlock()

	select {
	case q.ch <- o:
		return true
	case <-ctx.Done():
		q.mu.Lock()
		q.notional = q.notional.Sub(o.Notional)
		q.mu.Unlock()
		return false
	}
}

// Drain consumes orders with handler until ctx is cancelled or the queue
// is closed, subtracting each order's notional as it leaves the queue.
func (q *Queue) Drain(ctx context.Context, handler func(queue.QueuedOrder)) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-q.ch:
			if !ok {
				return
			}
			q.mu.Lock()
			q.notional = q.notional.Sub(o.Notional)
			q.mu.Unlock()
			handler(o)
		}
	}
}

// Len returns the current buffered depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// PendingNotional returns the total notional value of queued-but-undispatched
// orders. The dispatcher does not consult it; no in-flight notional cap is
// enforced on new signals.
func (q *Queue) PendingNotional() decimal.Decimal {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notional
}

// Close shuts the queue down; subsequent Enqueue calls return false.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
