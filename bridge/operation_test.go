package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_Complete(t *testing.T) {
	op := newOperation[int]()

	finished := op.complete(func() (int, error, bool) { return 0, nil, false })
	assert.False(t, finished)

	finished = op.complete(func() (int, error, bool) { return 42, nil, true })
	assert.True(t, finished)

	called := false
	finished = op.complete(func() (int, error, bool) {
		called = true
		return 0, nil, true
	})
	assert.True(t, finished)
	assert.False(t, called, "attempt must not run on a finished operation")

	got, err := op.wait(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestOperation_FailAndResolve(t *testing.T) {
	failure := errors.New("failure")

	op := newOperation[string]()
	op.fail(failure)
	op.resolve("ignored")

	_, err := op.wait(context.Background(), nil)
	assert.ErrorIs(t, err, failure)
}

func TestOperation_Abandon(t *testing.T) {
	t.Run("before result", func(t *testing.T) {
		op := newOperation[int]()
		_, err, won := op.abandon(context.Canceled)
		assert.True(t, won)
		assert.ErrorIs(t, err, context.Canceled)

		assert.True(t, op.complete(func() (int, error, bool) {
			t.Fatal("attempt ran after abandon")
			return 0, nil, true
		}))
	})

	t.Run("after result", func(t *testing.T) {
		op := newOperation[int]()
		op.resolve(5)

		val, err, won := op.abandon(context.Canceled)
		assert.False(t, won)
		assert.NoError(t, err)
		assert.Equal(t, 5, val, "a produced result must not be lost")
	})
}

func TestOperation_Wait(t *testing.T) {
	t.Run("context ends", func(t *testing.T) {
		op := newOperation[int]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		abandoned := false
		_, err := op.wait(ctx, func() { abandoned = true })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, abandoned)
	})

	t.Run("result wins over canceled context", func(t *testing.T) {
		op := newOperation[int]()
		op.resolve(9)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		abandoned := false
		val, err := op.wait(ctx, func() { abandoned = true })
		if err == nil {
			assert.Equal(t, 9, val)
		}
		assert.False(t, abandoned)
	})

	t.Run("resolved from another goroutine", func(t *testing.T) {
		op := newOperation[int]()
		go func() {
			time.Sleep(5 * time.Millisecond)
			op.resolve(3)
		}()

		val, err := op.wait(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 3, val)
	})
}
