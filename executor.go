package xevent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
)

// Work is one asynchronous post-commit listener run over one bundle.
type Work struct {
	ID            string
	Listener      string
	TransactionID string
	Bundle        *Bundle

	Attempts   int
	Err        error
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	run BundleHandler
}

type workerCtxKey struct{}

// executor is a bounded worker pool for asynchronous post-commit listeners.
// It tracks in-flight work so callers can wait for it to drain.
type executor struct {
	queue   chan *Work
	workers int
	clock   xclock.Clock
	onDone  func(*Work)

	// mu guards closed and every send on queue, so that once Shutdown holds
	// it no more work can be enqueued.
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup

	// runCtx is handed to listeners; canceling it is the forced interrupt.
	runCtx    context.Context
	runCancel context.CancelFunc

	idleMu  sync.Mutex
	pending int
	idle    chan struct{}

	active atomic.Int64
}

func newExecutor(base context.Context, workers, queueSize int, clock xclock.Clock, onDone func(*Work)) *executor {
	if workers < 1 {
		workers = 4
	}
	if queueSize < 1 {
		queueSize = 1024
	}
	runCtx, cancel := context.WithCancel(context.WithValue(base, workerCtxKey{}, true))
	idle := make(chan struct{})
	close(idle)
	ex := &executor{
		queue:     make(chan *Work, queueSize),
		workers:   workers,
		clock:     clock,
		onDone:    onDone,
		stop:      make(chan struct{}),
		runCtx:    runCtx,
		runCancel: cancel,
		idle:      idle,
	}
	for i := 0; i < workers; i++ {
		ex.wg.Add(1)
		go ex.worker()
	}
	return ex
}

// submit enqueues w, blocking while the queue is full. A worker that submits
// into a full queue runs the work itself instead of waiting on its own pool.
func (ex *executor) submit(ctx context.Context, w *Work) error {
	ex.mu.RLock()
	if ex.closed {
		ex.mu.RUnlock()
		return ErrExecutorClosed
	}
	ex.begin()
	w.EnqueuedAt = ex.clock.Now()

	select {
	case ex.queue <- w:
		ex.mu.RUnlock()
		return nil
	default:
	}
	if ctx.Value(workerCtxKey{}) != nil {
		// run outside the lock: the work may submit again while shutdown waits on mu
		ex.mu.RUnlock()
		ex.run(w)
		return nil
	}
	defer ex.mu.RUnlock()
	select {
	case ex.queue <- w:
		return nil
	case <-ctx.Done():
		ex.end()
		return ctx.Err()
	}
}

func (ex *executor) worker() {
	defer ex.wg.Done()
	for {
		select {
		case <-ex.stop:
			for {
				select {
				case w := <-ex.queue:
					ex.run(w)
				default:
					return
				}
			}
		case w := <-ex.queue:
			ex.run(w)
		}
	}
}

func (ex *executor) run(w *Work) {
	ex.active.Add(1)
	defer func() {
		ex.active.Add(-1)
		ex.end()
	}()

	ctx, attempts := withAttemptCounter(ex.runCtx)
	w.StartedAt = ex.clock.Now()
	w.Err = w.run(ctx, w.Bundle)
	w.FinishedAt = ex.clock.Now()
	w.Attempts = attempts.n
	if w.Attempts < 1 {
		w.Attempts = 1
	}
	if ex.onDone != nil {
		ex.onDone(w)
	}
}

func (ex *executor) begin() {
	ex.idleMu.Lock()
	if ex.pending == 0 {
		ex.idle = make(chan struct{})
	}
	ex.pending++
	ex.idleMu.Unlock()
}

func (ex *executor) end() {
	ex.idleMu.Lock()
	ex.pending--
	if ex.pending == 0 {
		close(ex.idle)
	}
	ex.idleMu.Unlock()
}

// waitForCompletion blocks until no work is queued or running, or timeout
// elapses. timeout <= 0 waits indefinitely. Safe for concurrent callers.
func (ex *executor) waitForCompletion(timeout time.Duration) bool {
	ex.idleMu.Lock()
	idle := ex.idle
	ex.idleMu.Unlock()

	if timeout <= 0 {
		<-idle
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// shutdown stops accepting work, lets workers drain the queue and waits up to
// timeout. On timeout the listeners' context is canceled and
// ErrShutdownTimeout is returned; listeners ignoring cancellation keep running.
func (ex *executor) shutdown(timeout time.Duration) error {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return nil
	}
	ex.closed = true
	ex.mu.Unlock()
	close(ex.stop)

	done := make(chan struct{})
	go func() {
		ex.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		ex.runCancel()
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		ex.runCancel()
		return nil
	case <-timer.C:
	}

	unfinished := ex.pendingCount()
	ex.runCancel()
	return fmt.Errorf("%w: %d unfinished", ErrShutdownTimeout, unfinished)
}

func (ex *executor) activeCount() int { return int(ex.active.Load()) }

func (ex *executor) pendingCount() int {
	ex.idleMu.Lock()
	defer ex.idleMu.Unlock()
	return ex.pending
}
