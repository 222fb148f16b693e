package controller

import (
	"context"
	"sync"

	"github.com/sebas/crmphone/internal/phone/transport"
)

// inbox is an unbounded FIFO of work for the event loop. Transport
// callbacks push into it without ever blocking.
type inbox struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *inbox) pop() func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn
}

func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// loop runs queued work one item at a time until quit is closed.
func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.quit:
			return
		case <-c.inbox.signal:
		}
		for fn := c.inbox.pop(); fn != nil; fn = c.inbox.pop() {
			fn()
			c.refreshView()
		}
	}
}

// exec runs fn on the loop and waits for it.
func (c *Controller) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !c.inbox.push(func() {
		fn()
		c.refreshView()
		close(done)
	}) {
		return transport.ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		select {
		case <-done:
			return nil
		default:
			return transport.ErrStopped
		}
	}
}
