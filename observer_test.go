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
	"github.com/trickstertwo/xlog"
)

func TestObserverPool_DispatchesToAllObservers(t *testing.T) {
	pool := NewObserverPool(context.Background(), 2, 16)
	var a, b atomic.Int32
	observers := []Observer{
		ObserverFunc(func(BusEvent) { a.Add(1) }),
		ObserverFunc(func(BusEvent) { b.Add(1) }),
	}

	for i := 0; i < 5; i++ {
		pool.Notify(BusEvent{Type: EventFired}, observers)
	}
	require.NoError(t, pool.Close(5*time.Second))

	assert.Equal(t, int32(5), a.Load())
	assert.Equal(t, int32(5), b.Load())
	st := pool.Stats()
	assert.Equal(t, uint64(5), st.Processed)
	assert.Equal(t, 2, st.Workers)
	assert.Equal(t, 16, st.BufferSize)
}

func TestObserverPool_RecoversPanics(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 4)
	pool.SetLogger(xlog.Default())
	var after atomic.Int32
	observers := []Observer{
		ObserverFunc(func(BusEvent) { panic("observer bug") }),
		ObserverFunc(func(BusEvent) { after.Add(1) }),
	}

	pool.Notify(BusEvent{Type: BundleFlushed}, observers)
	require.NoError(t, pool.Close(5*time.Second))

	assert.Equal(t, int32(1), after.Load())
	assert.Equal(t, uint64(1), pool.Stats().Panics)
}

func TestObserverPool_DropsWhenFullOrClosed(t *testing.T) {
	release := make(chan struct{})
	var started sync.Once
	running := make(chan struct{})
	pool := NewObserverPool(context.Background(), 1, 1)
	blocking := []Observer{ObserverFunc(func(BusEvent) {
		started.Do(func() { close(running) })
		<-release
	})}

	pool.Notify(BusEvent{}, blocking)
	<-running
	pool.Notify(BusEvent{}, blocking) // buffered
	pool.Notify(BusEvent{}, blocking) // dropped
	assert.Equal(t, uint64(1), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Close(5*time.Second))
	pool.Notify(BusEvent{}, blocking)
	assert.Equal(t, uint64(2), pool.Stats().Dropped)

	// closing twice is fine
	assert.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_CloseTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	pool := NewObserverPool(context.Background(), 1, 1)
	pool.Notify(BusEvent{}, []Observer{ObserverFunc(func(BusEvent) {
		close(running)
		<-release
	})})
	<-running

	assert.ErrorIs(t, pool.Close(10*time.Millisecond), ErrObserverPoolShutdownTimeout)
}

func TestObserverPool_IgnoresEmptyObserverList(t *testing.T) {
	pool := NewObserverPool(context.Background(), 0, 0)
	pool.Notify(BusEvent{}, nil)
	require.NoError(t, pool.Close(time.Second))

	st := pool.Stats()
	assert.Equal(t, uint64(0), st.Dropped)
	assert.Equal(t, 4, st.Workers)
	assert.Equal(t, 1000, st.BufferSize)
}

func TestLoggingObserver(t *testing.T) {
	assert.NotPanics(t, func() {
		LoggingObserver{}.OnEvent(BusEvent{Type: AsyncFailed})

		o := LoggingObserver{Logger: xlog.Default()}
		o.OnEvent(BusEvent{Type: AsyncFailed, Listener: "indexer", Err: errors.New("boom")})
		o.OnEvent(BusEvent{Type: RollbackMarked, EventName: "created", TransactionID: "tx"})
		o.OnEvent(BusEvent{Type: AsyncDone, Listener: "indexer", Duration: time.Millisecond})
	})
}

func TestService_AddRemoveObserver(t *testing.T) {
	var seen atomic.Int32
	obs := &countingObserver{n: &seen}
	s := newTestService(t, nil)

	s.AddObserver(obs)
	s.AddObserver(nil)
	require.NoError(t, s.Fire(context.Background(), "x", nil))
	require.Eventually(t, func() bool { return seen.Load() > 0 }, 5*time.Second, time.Millisecond)

	s.RemoveObserver(obs)
	s.RemoveObserver(nil)
	before := seen.Load()
	require.NoError(t, s.Fire(context.Background(), "y", nil))
	// the logging observer still runs; ours no longer does
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, seen.Load())
}

type countingObserver struct{ n *atomic.Int32 }

func (o *countingObserver) OnEvent(BusEvent) { o.n.Add(1) }
