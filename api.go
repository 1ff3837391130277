package xevent

import (
	"context"
	"time"
)

// Listener is invoked synchronously as each matching event fires.
type Listener interface {
	HandleEvent(ctx context.Context, e *Event) error
}

// ListenerFunc is an Adapter that lets a plain function satisfy Listener.
type ListenerFunc func(ctx context.Context, e *Event) error

func (f ListenerFunc) HandleEvent(ctx context.Context, e *Event) error { return f(ctx, e) }

// PostCommitListener is invoked once per committed bundle.
type PostCommitListener interface {
	HandleBundle(ctx context.Context, b *Bundle) error
}

// PostCommitListenerFunc is an Adapter that lets a plain function satisfy PostCommitListener.
type PostCommitListenerFunc func(ctx context.Context, b *Bundle) error

func (f PostCommitListenerFunc) HandleBundle(ctx context.Context, b *Bundle) error { return f(ctx, b) }

// BundleHandler processes a bundle on behalf of one post-commit listener.
type BundleHandler func(ctx context.Context, b *Bundle) error

// Middleware composes processing concerns around a BundleHandler.
type Middleware func(next BundleHandler) BundleHandler

// Observer receives service lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e BusEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// DeadLetterSink stores failures of asynchronous post-commit listeners.
type DeadLetterSink interface {
	Put(ctx context.Context, f Failure) error
	// List returns up to limit failures, most recent first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Failure, error)
	Close(ctx context.Context) error
}

// API represents the complete xevent service surface.
type API interface {
	FireEvent(ctx context.Context, e *Event) error
	Fire(ctx context.Context, name string, ec *EventContext) error
	FireBundle(ctx context.Context, b *Bundle)
	FireBundleSync(ctx context.Context, b *Bundle) error

	TransactionStarted(ctx context.Context) (context.Context, *Tx, error)
	TransactionCommitted(ctx context.Context) error
	TransactionRolledBack(ctx context.Context) error
	FlushScope(ctx context.Context) error

	AddEventListener(d Descriptor) error
	RemoveEventListener(name string) bool
	SetListenerEnabled(name string, enabled bool) bool

	WaitForAsyncCompletion(timeout time.Duration) bool
	Shutdown(timeout time.Duration) error

	Metrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
