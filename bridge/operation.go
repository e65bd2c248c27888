package bridge

import (
	"context"
	"sync"
)

// operation is the result of a command a caller waits for.
//
// The driver loop completes it; the caller may abandon it when its context
// ends. Both sides take mu, so once abandon returns the driver never touches
// the caller's buffers again, and a result the driver already produced is
// never lost.
type operation[T any] struct {
	mu       sync.Mutex
	finished bool
	val      T
	err      error
	done     chan struct{}
}

func newOperation[T any]() *operation[T] {
	return &operation[T]{done: make(chan struct{})}
}

// complete runs attempt unless the operation already finished. It reports
// whether the operation is finished afterwards.
func (op *operation[T]) complete(attempt func() (T, error, bool)) bool {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.finished {
		return true
	}
	val, err, ok := attempt()
	if !ok {
		return false
	}
	op.finishLocked(val, err)
	return true
}

func (op *operation[T]) resolve(val T) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if !op.finished {
		op.finishLocked(val, nil)
	}
}

func (op *operation[T]) fail(err error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if !op.finished {
		var zero T
		op.finishLocked(zero, err)
	}
}

func (op *operation[T]) finishLocked(val T, err error) {
	op.finished = true
	op.val = val
	op.err = err
	close(op.done)
}

// abandon finishes the operation with err unless the driver got there
// first. It reports whether the caller's err won.
func (op *operation[T]) abandon(err error) (T, error, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.finished {
		return op.val, op.err, false
	}
	var zero T
	op.finishLocked(zero, err)
	return zero, err, true
}

// wait blocks until the operation finishes or ctx ends. onAbandon runs when
// the caller gave up before the driver produced a result.
func (op *operation[T]) wait(ctx context.Context, onAbandon func()) (T, error) {
	select {
	case <-op.done:
		return op.val, op.err
	case <-ctx.Done():
		val, err, abandoned := op.abandon(ctx.Err())
		if abandoned && onAbandon != nil {
			onAbandon()
		}
		return val, err
	}
}
