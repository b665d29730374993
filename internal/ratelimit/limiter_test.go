package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireImmediateWhenTokenAvailable(t *testing.T) {
	l := New(60, nil)
	defer l.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Acquire(ctx), "first acquire should not block")
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	l := New(600, nil) // refill every 100ms
	defer l.Dispose()

	require.NoError(t, l.Acquire(context.Background()))

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "second acquire should wait for refill")
}

func TestFIFOFairness(t *testing.T) {
	l := New(600, nil) // refill every 100ms
	defer l.Dispose()
	require.NoError(t, l.Acquire(context.Background())) // drain the initial token

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err == nil {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}
		}(i)
		time.Sleep(20 * time.Millisecond) // force distinct queue positions
	}
	wg.Wait()

	require.Len(t, order, 4)
	assert.Equal(t, []int{0, 1, 2, 3}, order, "waiters must resolve in arrival order")
}

func TestRollingWindowBound(t *testing.T) {
	rpm := 30
	l := New(rpm, nil)
	defer l.Dispose()

	released := 0
	deadline := time.Now().Add(1200 * time.Millisecond)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		if l.Acquire(ctx) == nil {
			released++
		}
		cancel()
	}
	// 1.2s at 30 rpm: 1 initial token plus no refill before the 2s mark.
	assert.LessOrEqual(t, released, 2, "released %d tokens in 1.2s at 30 rpm", released)
}

func TestCancelledWaiterReturnsToken(t *testing.T) {
	l := New(600, nil)
	defer l.Dispose()
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The abandoned waiter must not swallow a refill token.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, l.Acquire(ctx2))
}

func TestDisposeReleasesWaiters(t *testing.T) {
	l := New(1, nil) // refill every 60s: waiters would block forever
	require.NoError(t, l.Acquire(context.Background()))

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- l.Acquire(context.Background()) }()
	}
	time.Sleep(50 * time.Millisecond)
	l.Dispose()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrDisposed)
		case <-time.After(time.Second):
			t.Fatal("waiter not released by Dispose")
		}
	}

	assert.ErrorIs(t, l.Acquire(context.Background()), ErrDisposed, "acquire after dispose")
	l.Dispose() // idempotent
}
