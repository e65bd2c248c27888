package bridge

import (
	"context"
	"sync"
)

// command is a unit of work run on the driver loop. abort is called instead
// of run when the loop stopped before reaching it.
type command struct {
	run   func(d *driver)
	abort func(err error)
}

// commandQueue carries commands from handles to the driver loop.
type commandQueue struct {
	mu     sync.Mutex
	items  []command
	closed bool
	ch     chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		items: make([]command, 0, 1<<4),
		ch:    make(chan struct{}, 1),
	}
}

// push appends cmd. It reports false once the queue is closed.
func (q *commandQueue) push(cmd command) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()

	select {
	case q.ch <- struct{}{}:
	default:
	}
	return true
}

func (q *commandQueue) signal() <-chan struct{} {
	return q.ch
}

// drain removes every queued command.
func (q *commandQueue) drain() []command {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// close rejects further pushes and returns the commands left behind.
func (q *commandQueue) close() []command {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	items := q.items
	q.items = nil
	return items
}

// incomingQueue hands connections or streams created by the driver loop to
// callers of Accept and AcceptStream.
type incomingQueue[T any] struct {
	mu    sync.Mutex
	items []T
	max   int
	err   error

	ch   chan struct{}
	done chan struct{}
}

func newIncomingQueue[T any](max int) *incomingQueue[T] {
	return &incomingQueue[T]{
		max:  max,
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the queue is full or closed.
func (q *incomingQueue[T]) enqueue(item T) bool {
	q.mu.Lock()
	if q.err != nil || len(q.items) >= q.max {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ch <- struct{}{}:
	default:
	}
	return true
}

// dequeue returns the oldest item. Items queued before close are still
// returned; after that it returns the close error.
func (q *incomingQueue[T]) dequeue(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()

			if more {
				select {
				case q.ch <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		err := q.err
		q.mu.Unlock()

		if err != nil {
			var zero T
			return zero, err
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ch:
		case <-q.done:
		}
	}
}

func (q *incomingQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close makes dequeue fail with err once drained. Only the first call has
// an effect.
func (q *incomingQueue[T]) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return
	}
	q.err = err
	close(q.done)
}
