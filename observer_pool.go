package xevent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ObserverPool manages asynchronous dispatching of BusEvents to observers.
// Slow observers never block event dispatch: when the buffer is full the
// BusEvent is dropped and counted.
type ObserverPool struct {
	eventCh   chan *BusEvent
	workers   int
	logger    *xlog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool creates a pool for async observer notification.
// workers: number of concurrent observer dispatch goroutines (4-16 for typical use)
// bufferSize: capacity of the event channel (1000-5000 for burst resilience)
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *BusEvent, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// SetLogger sets the logger used to report observer panics.
func (op *ObserverPool) SetLogger(l *xlog.Logger) { op.logger = l }

// Notify queues e for asynchronous dispatch to observers.
// Non-blocking: returns immediately, drops the event if the buffer is full
// or the pool is closed.
func (op *ObserverPool) Notify(e BusEvent, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	if op.closed.Load() {
		op.dropped.Add(1)
		return
	}

	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			for {
				select {
				case e := <-op.eventCh:
					if e != nil {
						op.dispatch(e)
						op.processed.Add(1)
					}
				default:
					return
				}
			}
		case e := <-op.eventCh:
			if e != nil {
				op.dispatch(e)
				op.processed.Add(1)
			}
		}
	}
}

// dispatch calls every observer captured with e. Observer panics are
// recovered and counted.
func (op *ObserverPool) dispatch(e *BusEvent) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					op.panics.Add(1)
					if op.logger != nil {
						op.logger.Warn().
							Str("type", string(e.Type)).
							Str("panic", fmt.Sprint(r)).
							Msg("xevent: observer panicked")
					}
				}
			}()
			obs.OnEvent(*e)
		}()
	}
}

// Close stops the pool after the queued events are dispatched, waiting up
// to timeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panics:       op.panics.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
