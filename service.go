package xevent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Service)(nil)
var _ HealthChecker = (*Service)(nil)

// Service is the event dispatcher: it runs immediate listeners as events
// fire, records events into per-transaction bundles and delivers those
// bundles to post-commit listeners when the transaction commits.
type Service struct {
	registry     *listenerRegistry
	exec         *executor
	clock        xclock.Clock
	logger       *xlog.Logger
	telemetry    *telemetry
	deadLetter   DeadLetterSink
	dlMu         sync.RWMutex
	dlClosed     bool
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *serviceMetrics

	blockAsync      atomic.Bool
	blockSyncCommit atomic.Bool
	bulkMode        atomic.Bool

	failuresMu  sync.Mutex
	failures    []Failure
	maxFailures int

	shutdownTimeout time.Duration
	closed          atomic.Bool
	closeOnce       sync.Once
	closeErr        error
}

// serviceMetrics uses lock-free atomics for production-grade telemetry.
type serviceMetrics struct {
	fired            atomic.Uint64
	recorded         atomic.Uint64
	inline           atomic.Uint64
	canceled         atomic.Uint64
	unrecorded       atomic.Uint64
	listenerErrors   atomic.Uint64
	bundlesFlushed   atomic.Uint64
	bundlesDiscarded atomic.Uint64
	asyncSubmitted   atomic.Uint64
	asyncCompleted   atomic.Uint64
	asyncFailed      atomic.Uint64
}

// Fire creates an event named name from ec and fires it. A nil ec fires
// under an anonymous context.
func (s *Service) Fire(ctx context.Context, name string, ec *EventContext) error {
	if ec == nil {
		ec = NewEventContext(nil)
	}
	return s.FireEvent(ctx, ec.NewEvent(name))
}

// FireEvent dispatches e to the immediate listeners registered for its name,
// in priority order, then records it into the transaction carried by ctx.
//
// Listener failures are logged and swallowed unless e is marked to bubble
// exceptions, in which case the first failure is returned as a *ListenerError
// and the event is not recorded. A canceled event is not recorded either.
func (s *Service) FireEvent(ctx context.Context, e *Event) error {
	if e == nil {
		return ErrNilEvent
	}
	if e.name == "" {
		return ErrInvalidEventName
	}
	if s.closed.Load() {
		return ErrServiceClosed
	}
	s.metrics.fired.Add(1)

	ctx, span := s.telemetry.startFire(ctx, e)
	err := s.fire(ctx, e)
	endSpan(span, err)
	return err
}

func (s *Service) fire(ctx context.Context, e *Event) error {
	tx, hasTx := TransactionFromContext(ctx)
	if hasTx && tx.done {
		hasTx = false
	}

	lctx := s.listenerCtx(ctx)
	snap := s.registry.load()
	for _, l := range snap.immediate {
		if !l.accepts(e.name) {
			continue
		}
		start := s.clock.Now()
		err := invokeImmediate(lctx, l, e)
		s.telemetry.recordListener(ctx, l.name, KindImmediate, s.clock.Since(start), err)
		if err != nil {
			if lerr := s.immediateFailed(l, e, err); lerr != nil {
				s.observeRollback(tx, hasTx, e)
				return lerr
			}
		}
		if e.IsCanceled() {
			s.metrics.canceled.Add(1)
			s.notifyAsync(BusEvent{Type: EventCanceled, EventName: e.name, Listener: l.name})
			s.observeRollback(tx, hasTx, e)
			return nil
		}
	}
	s.observeRollback(tx, hasTx, e)
	s.notifyAsync(BusEvent{Type: EventFired, EventName: e.name})

	if e.IsInline() {
		s.metrics.inline.Add(1)
		return nil
	}

	sc, hasScope := ScopeFromContext(ctx)
	// record a shallow copy so later mutations by the caller are not seen by post-commit listeners
	rec := e.clone()
	switch {
	case e.IsImmediate():
		s.metrics.recorded.Add(1)
		s.flushDetached(ctx, rec)
	case hasTx:
		s.metrics.recorded.Add(1)
		tx.record(rec)
	case hasScope:
		s.metrics.recorded.Add(1)
		sc.record(rec)
		if e.IsCommitEvent() {
			s.flushScope(ctx, sc)
		}
	case e.IsCommitEvent():
		s.metrics.recorded.Add(1)
		s.flushDetached(ctx, rec)
	default:
		s.metrics.unrecorded.Add(1)
		s.notifyAsync(BusEvent{Type: EventUnrecorded, EventName: e.name})
		s.logger.Debug().
			Str("event", e.name).
			Msg("xevent: no active transaction or scope; event not recorded for post-commit listeners")
	}
	return nil
}

// flushDetached delivers a bundle holding only e, outside of any transaction.
func (s *Service) flushDetached(ctx context.Context, e *Event) {
	c := newComposite("")
	c.push(e)
	for _, b := range c.bundles() {
		s.metrics.bundlesFlushed.Add(1)
		s.notifyAsync(BusEvent{Type: BundleFlushed, BundleID: b.id, Count: b.Len()})
		s.FireBundle(ctx, b)
	}
}

// listenerCtx gives synchronous listeners the service logger and clock,
// as the executor does for async ones.
func (s *Service) listenerCtx(ctx context.Context) context.Context {
	if _, ok := LoggerFromContext(ctx); ok {
		return ctx
	}
	return InjectAll(ctx, s.logger, s.clock)
}

func invokeImmediate(ctx context.Context, l *entry, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return l.immediate.HandleEvent(ctx, e)
}

// immediateFailed logs an immediate listener failure and returns the error to
// propagate, if any.
func (s *Service) immediateFailed(l *entry, e *Event, err error) error {
	s.metrics.listenerErrors.Add(1)
	s.notifyAsync(BusEvent{Type: ListenerFailed, EventName: e.name, Listener: l.name, Err: err})

	msg := "xevent: immediate listener failed; "
	switch {
	case e.IsBubbleException():
		msg += "other listeners will be ignored"
	case e.IsMarkedForRollBack():
		msg += "transaction will be rolled back"
		if m := e.RollbackMessage(); m != "" {
			msg += " (" + m + ")"
		}
	default:
		msg += "continuing to run other listeners"
	}
	lg := s.logger.With(xlog.Str("listener", l.name), xlog.Str("event", e.name))
	if isRecoverable(err) {
		lg.Info().Err(err).Msg(msg)
	} else {
		lg.Error().Err(err).Msg(msg)
	}

	if e.IsBubbleException() {
		return &ListenerError{Listener: l.name, Event: e.name, Kind: KindImmediate, Err: err}
	}
	return nil
}

// observeRollback turns an event's rollback mark into rollback-only state
// on its transaction. The service never rolls back by itself.
func (s *Service) observeRollback(tx *Tx, hasTx bool, e *Event) {
	if !hasTx || !e.IsMarkedForRollBack() || tx.rollbackOnly {
		return
	}
	tx.markRollbackOnly(e)
	s.notifyAsync(BusEvent{Type: RollbackMarked, EventName: e.name, TransactionID: tx.id, Err: e.RollbackErr()})
}

// FireBundle delivers b to post-commit listeners: synchronous ones inline,
// asynchronous ones on the executor without waiting for them.
func (s *Service) FireBundle(ctx context.Context, b *Bundle) {
	if b == nil || b.IsEmpty() {
		return
	}
	ctx, span := s.telemetry.startBundle(ctx, b)
	defer endSpan(span, nil)
	s.telemetry.recordBundle(ctx, b)

	snap := s.registry.load()
	if s.bulkMode.Load() {
		// everything runs synchronously, in the committing goroutine
		var ls []*entry
		if !s.blockSyncCommit.Load() {
			ls = append(ls, snap.postSync...)
		}
		if !s.blockAsync.Load() {
			ls = append(ls, snap.postAsync...)
		}
		for _, l := range ls {
			if l.acceptsBundle(b) {
				_ = s.runPostCommit(ctx, l, b)
			}
		}
		return
	}

	if s.blockSyncCommit.Load() {
		s.logger.Debug().Str("bundle", b.id).Msg("xevent: sync post-commit listeners blocked; skipping")
	} else {
		for _, l := range snap.postSync {
			if l.acceptsBundle(b) {
				_ = s.runPostCommit(ctx, l, b)
			}
		}
	}

	if s.blockAsync.Load() {
		s.logger.Debug().Str("bundle", b.id).Msg("xevent: async post-commit listeners blocked; dropping bundle")
		return
	}
	for _, l := range snap.postAsync {
		if l.acceptsBundle(b) {
			s.submitAsync(ctx, l, b)
		}
	}
}

// FireBundleSync runs every post-commit listener on b in the calling
// goroutine, synchronous ones first, and returns their joined errors.
func (s *Service) FireBundleSync(ctx context.Context, b *Bundle) error {
	if b == nil || b.IsEmpty() {
		return nil
	}
	snap := s.registry.load()
	var errs []error
	for _, ls := range [][]*entry{snap.postSync, snap.postAsync} {
		for _, l := range ls {
			if !l.acceptsBundle(b) {
				continue
			}
			if err := s.runPostCommit(ctx, l, b); err != nil {
				errs = append(errs, &ListenerError{Listener: l.name, Event: b.Name(), Kind: l.kind, Err: err})
			}
		}
	}
	return errors.Join(errs...)
}

// Redeliver runs the post-commit listener registered as name on b, synchronously.
func (s *Service) Redeliver(ctx context.Context, name string, b *Bundle) error {
	if b == nil {
		return nil
	}
	l, ok := s.registry.load().byName[name]
	if !ok || !l.kind.IsPostCommit() {
		return fmt.Errorf("%w: %q", ErrUnknownListener, name)
	}
	return s.runPostCommit(ctx, l, b)
}

func (s *Service) runPostCommit(ctx context.Context, l *entry, b *Bundle) error {
	start := s.clock.Now()
	err := l.handler(s.listenerCtx(ctx), b)
	s.telemetry.recordListener(ctx, l.name, l.kind, s.clock.Since(start), err)
	if err != nil {
		s.metrics.listenerErrors.Add(1)
		s.notifyAsync(BusEvent{Type: ListenerFailed, Listener: l.name, BundleID: b.id, TransactionID: b.txID, Err: err})
		s.logger.With(xlog.Str("listener", l.name), xlog.Str("bundle", b.id)).
			Error().Err(err).Msg("xevent: post-commit listener failed; continuing with other listeners")
	}
	return err
}

func (s *Service) submitAsync(ctx context.Context, l *entry, b *Bundle) {
	w := &Work{
		ID:            uuid.NewString(),
		Listener:      l.name,
		TransactionID: b.txID,
		Bundle:        b,
		run:           l.handler,
	}
	s.metrics.asyncSubmitted.Add(1)
	if err := s.exec.submit(ctx, w); err != nil {
		s.metrics.asyncFailed.Add(1)
		w.Err = err
		s.recordFailure(w)
		s.logger.With(xlog.Str("listener", l.name), xlog.Str("bundle", b.id)).
			Warn().Err(err).Msg("xevent: async post-commit listener not scheduled")
	}
}

// workDone is called by executor workers once a unit of async work finishes.
func (s *Service) workDone(w *Work) {
	d := w.FinishedAt.Sub(w.StartedAt)
	s.telemetry.recordListener(s.exec.runCtx, w.Listener, KindPostCommitAsync, d, w.Err)
	if w.Err == nil {
		s.metrics.asyncCompleted.Add(1)
		s.notifyAsync(BusEvent{Type: AsyncDone, Listener: w.Listener, BundleID: w.Bundle.id, Duration: d})
		return
	}
	s.metrics.asyncFailed.Add(1)
	s.metrics.listenerErrors.Add(1)
	s.notifyAsync(BusEvent{Type: AsyncFailed, Listener: w.Listener, BundleID: w.Bundle.id, Duration: d, Err: w.Err})
	s.logger.With(xlog.Str("listener", w.Listener), xlog.Str("bundle", w.Bundle.id)).
		Error().Err(w.Err).Msg("xevent: async post-commit listener failed")
	s.recordFailure(w)
}

func (s *Service) recordFailure(w *Work) {
	f := Failure{
		ID:            w.ID,
		Listener:      w.Listener,
		BundleID:      w.Bundle.id,
		TransactionID: w.TransactionID,
		Repository:    w.Bundle.repository,
		EventNames:    w.Bundle.EventNames(),
		Err:           w.Err,
		Attempts:      w.Attempts,
		FailedAt:      s.clock.Now(),
		Bundle:        w.Bundle,
	}

	s.failuresMu.Lock()
	if len(s.failures) >= s.maxFailures {
		copy(s.failures, s.failures[1:])
		s.failures = s.failures[:len(s.failures)-1]
	}
	s.failures = append(s.failures, f)
	s.failuresMu.Unlock()

	if s.deadLetter == nil {
		return
	}
	s.dlMu.RLock()
	defer s.dlMu.RUnlock()
	if s.dlClosed {
		// work that outlived the shutdown timeout
		s.logger.Warn().Err(f.Err).Str("listener", f.Listener).Msg("xevent: dead-letter sink closed; failure kept in memory only")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deadLetter.Put(ctx, f); err != nil {
		s.logger.Warn().Err(err).Str("listener", f.Listener).Msg("xevent: dead-letter write failed")
	}
}

// FailedWork returns the most recent asynchronous listener failures, newest first.
func (s *Service) FailedWork() []Failure {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	out := make([]Failure, len(s.failures))
	for i := range s.failures {
		out[i] = s.failures[len(s.failures)-1-i]
	}
	return out
}

// DeadLetter returns the configured sink, or nil.
func (s *Service) DeadLetter() DeadLetterSink { return s.deadLetter }

// AddEventListener registers d, replacing any listener with the same name.
func (s *Service) AddEventListener(d Descriptor) error {
	if err := s.registry.add(d); err != nil {
		return err
	}
	s.logger.Debug().Str("listener", d.Name).Str("kind", d.Kind.String()).Msg("xevent: registered event listener")
	return nil
}

// RemoveEventListener unregisters the listener named name.
func (s *Service) RemoveEventListener(name string) bool {
	ok := s.registry.remove(name)
	if ok {
		s.logger.Debug().Str("listener", name).Msg("xevent: unregistered event listener")
	}
	return ok
}

// SetListenerEnabled toggles a registered listener without unregistering it.
func (s *Service) SetListenerEnabled(name string, enabled bool) bool {
	return s.registry.setEnabled(name, enabled)
}

// Listener returns the descriptor registered under name.
func (s *Service) Listener(name string) (Descriptor, bool) {
	l, ok := s.registry.load().byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return l.descriptor(), true
}

// Listeners returns every registered descriptor in dispatch order.
func (s *Service) Listeners() []Descriptor {
	snap := s.registry.load()
	out := make([]Descriptor, 0, len(snap.all))
	for _, l := range snap.all {
		out = append(out, l.descriptor())
	}
	return out
}

// SetBlockAsyncHandlers drops asynchronous post-commit delivery while set.
// Used by bulk imports that rebuild derived state afterwards.
func (s *Service) SetBlockAsyncHandlers(block bool) {
	s.blockAsync.Store(block)
}

func (s *Service) IsBlockAsyncHandlers() bool {
	return s.blockAsync.Load()
}

// SetBlockSyncPostCommitHandlers skips synchronous post-commit listeners while set.
func (s *Service) SetBlockSyncPostCommitHandlers(block bool) {
	s.blockSyncCommit.Store(block)
}

func (s *Service) IsBlockSyncPostCommitHandlers() bool {
	return s.blockSyncCommit.Load()
}

// SetBulkModeEnabled runs asynchronous post-commit listeners synchronously,
// in the committing goroutine, while set.
func (s *Service) SetBulkModeEnabled(enabled bool) {
	s.bulkMode.Store(enabled)
}

func (s *Service) IsBulkModeEnabled() bool {
	return s.bulkMode.Load()
}

// WaitForAsyncCompletion blocks until all asynchronous post-commit work
// submitted so far has finished, or timeout elapses. It reports whether
// completion was observed. timeout <= 0 waits indefinitely.
func (s *Service) WaitForAsyncCompletion(timeout time.Duration) bool {
	return s.exec.waitForCompletion(timeout)
}

// ActiveCount is the number of async listener runs currently executing.
func (s *Service) ActiveCount() int { return s.exec.activeCount() }

// PendingCount is the number of async listener runs queued or executing.
func (s *Service) PendingCount() int { return s.exec.pendingCount() }

// Shutdown stops accepting events, drains asynchronous work for up to
// timeout, then releases the observer pool and dead-letter sink.
// Idempotent; later calls return the first result.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		start := s.clock.Now()

		var errs []error
		if err := s.exec.shutdown(timeout); err != nil {
			s.logger.Error().Err(err).
				Str("active", fmt.Sprint(s.exec.activeCount())).
				Msg("xevent: async listeners did not terminate; treating as defect")
			errs = append(errs, err)
		}

		s.notifyAsync(BusEvent{Type: ShutdownComplete, Duration: s.clock.Since(start)})
		if s.observerPool != nil {
			if err := s.observerPool.Close(5 * time.Second); err != nil {
				s.logger.Warn().Err(err).Msg("xevent: observer pool shutdown timeout")
				errs = append(errs, err)
			}
		}
		if s.deadLetter != nil {
			s.dlMu.Lock()
			s.dlClosed = true
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.deadLetter.Close(ctx); err != nil {
				s.logger.Error().Err(err).Msg("xevent: dead-letter sink close failed")
				errs = append(errs, err)
			}
			cancel()
			s.dlMu.Unlock()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Close shuts the service down with the configured shutdown timeout.
func (s *Service) Close(_ context.Context) error {
	return s.Shutdown(s.shutdownTimeout)
}

// Metrics returns current service metrics.
func (s *Service) Metrics() Metrics {
	m := Metrics{
		Fired:            s.metrics.fired.Load(),
		Recorded:         s.metrics.recorded.Load(),
		Inline:           s.metrics.inline.Load(),
		Canceled:         s.metrics.canceled.Load(),
		Unrecorded:       s.metrics.unrecorded.Load(),
		ListenerErrors:   s.metrics.listenerErrors.Load(),
		BundlesFlushed:   s.metrics.bundlesFlushed.Load(),
		BundlesDiscarded: s.metrics.bundlesDiscarded.Load(),
		AsyncSubmitted:   s.metrics.asyncSubmitted.Load(),
		AsyncCompleted:   s.metrics.asyncCompleted.Load(),
		AsyncFailed:      s.metrics.asyncFailed.Load(),
		ActiveWork:       s.exec.activeCount(),
		PendingWork:      s.exec.pendingCount(),
	}
	if s.observerPool != nil {
		m.ObserverDropped = s.observerPool.Stats().Dropped
	}
	return m
}

// Health checks service health for Kubernetes probes.
func (s *Service) Health(_ context.Context) HealthStatus {
	if s.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: s.clock.Now(),
			Message:   "service is closed",
		}
	}

	metrics := s.Metrics()
	status := "healthy"
	msg := ""

	// Degraded if listener error rate > 5%
	if metrics.ListenerErrors > 0 && metrics.Fired > 0 {
		errorRate := float64(metrics.ListenerErrors) / float64(metrics.Fired)
		if errorRate > 0.05 {
			status = "degraded"
			msg = fmt.Sprintf("listener error rate %.1f%%", errorRate*100)
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: s.clock.Now(),
		Message:   msg,
	}
}

// AddObserver registers an observer (thread-safe).
func (s *Service) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	s.observersMu.Lock()
	s.observers = append(s.observers, obs)
	s.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (s *Service) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	s.observersMu.Lock()
	defer s.observersMu.Unlock()

	for i, o := range s.observers {
		if o == obs {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches lifecycle events to observers without blocking dispatch.
func (s *Service) notifyAsync(e BusEvent) {
	if s.observerPool == nil {
		return
	}

	s.observersMu.RLock()
	n := len(s.observers)
	if n == 0 {
		s.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, n)
	copy(observers, s.observers)
	s.observersMu.RUnlock()

	s.observerPool.Notify(e, observers)
}
