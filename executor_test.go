package xevent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
)

func newTestExecutor(t *testing.T, workers, queue int, onDone func(*Work)) *executor {
	t.Helper()
	ex := newExecutor(context.Background(), workers, queue, xclock.Default(), onDone)
	t.Cleanup(func() { _ = ex.shutdown(5 * time.Second) })
	return ex
}

func work(run BundleHandler) *Work {
	return &Work{Bundle: NewBundle(NewEventContext(nil).NewEvent("x")), run: run}
}

func TestExecutor_RunsWorkAndReportsDone(t *testing.T) {
	var mu sync.Mutex
	var done []*Work
	ex := newTestExecutor(t, 2, 8, func(w *Work) {
		mu.Lock()
		done = append(done, w)
		mu.Unlock()
	})

	boom := errors.New("boom")
	require.NoError(t, ex.submit(context.Background(), work(func(context.Context, *Bundle) error { return nil })))
	require.NoError(t, ex.submit(context.Background(), work(func(context.Context, *Bundle) error { return boom })))
	require.True(t, ex.waitForCompletion(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, done, 2)
	var failed int
	for _, w := range done {
		assert.Equal(t, 1, w.Attempts)
		assert.False(t, w.StartedAt.IsZero())
		assert.False(t, w.FinishedAt.Before(w.StartedAt))
		if w.Err != nil {
			failed++
			assert.ErrorIs(t, w.Err, boom)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestExecutor_WaitWhenIdleReturnsImmediately(t *testing.T) {
	ex := newTestExecutor(t, 1, 1, nil)
	assert.True(t, ex.waitForCompletion(time.Millisecond))
	assert.True(t, ex.waitForCompletion(0))
	assert.Equal(t, 0, ex.pendingCount())
}

func TestExecutor_ConcurrentWaiters(t *testing.T) {
	release := make(chan struct{})
	ex := newTestExecutor(t, 2, 16, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, ex.submit(context.Background(), work(func(context.Context, *Bundle) error {
			<-release
			return nil
		})))
	}
	assert.Equal(t, 4, ex.pendingCount())

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ex.waitForCompletion(5 * time.Second) {
				ok.Add(1)
			}
		}()
	}
	close(release)
	wg.Wait()
	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, 0, ex.activeCount())
}

func TestExecutor_SubmitBlocksOnFullQueueUntilContextDone(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ex := newTestExecutor(t, 1, 1, nil)
	block := func(context.Context, *Bundle) error {
		<-release
		return nil
	}

	// one running, one queued
	require.NoError(t, ex.submit(context.Background(), work(block)))
	require.Eventually(t, func() bool { return ex.activeCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, ex.submit(context.Background(), work(block)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ex.submit(ctx, work(block))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, ex.pendingCount())
}

func TestExecutor_WorkerSubmittingIntoFullQueueRunsInline(t *testing.T) {
	ex := newTestExecutor(t, 1, 1, nil)
	var inner atomic.Bool

	require.NoError(t, ex.submit(context.Background(), work(func(ctx context.Context, _ *Bundle) error {
		// fill the queue, then submit once more from the worker itself
		_ = ex.submit(ctx, work(func(context.Context, *Bundle) error { return nil }))
		return ex.submit(ctx, work(func(context.Context, *Bundle) error {
			inner.Store(true)
			return nil
		}))
	})))

	require.True(t, ex.waitForCompletion(5*time.Second))
	assert.True(t, inner.Load())
}

func TestExecutor_ShutdownDrainsQueue(t *testing.T) {
	var ran atomic.Int32
	ex := newExecutor(context.Background(), 1, 16, xclock.Default(), nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, ex.submit(context.Background(), work(func(context.Context, *Bundle) error {
			ran.Add(1)
			return nil
		})))
	}
	require.NoError(t, ex.shutdown(5*time.Second))
	assert.Equal(t, int32(10), ran.Load())

	assert.ErrorIs(t, ex.submit(context.Background(), work(nil)), ErrExecutorClosed)
	assert.NoError(t, ex.shutdown(time.Second))
}

func TestExecutor_ShutdownTimeoutCancelsListeners(t *testing.T) {
	canceled := make(chan struct{})
	ex := newExecutor(context.Background(), 1, 4, xclock.Default(), nil)
	require.NoError(t, ex.submit(context.Background(), work(func(ctx context.Context, _ *Bundle) error {
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})))
	require.Eventually(t, func() bool { return ex.activeCount() == 1 }, time.Second, time.Millisecond)

	err := ex.shutdown(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("listener context not canceled")
	}
	assert.True(t, ex.waitForCompletion(5*time.Second))
}

func TestExecutor_AttemptsFromRetryMiddleware(t *testing.T) {
	var got *Work
	ex := newTestExecutor(t, 1, 1, func(w *Work) { got = w })

	var calls int
	h := RetryMiddleware(RetryConfig{MaxAttempts: 3})(func(context.Context, *Bundle) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, ex.submit(context.Background(), work(h)))
	require.True(t, ex.waitForCompletion(5*time.Second))

	require.NotNil(t, got)
	assert.NoError(t, got.Err)
	assert.Equal(t, 2, got.Attempts)
}
