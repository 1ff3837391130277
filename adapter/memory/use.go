package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xevent"
	"github.com/trickstertwo/xlog"
)

// Use builds a Service that keeps async listener failures in memory and
// sets it as the default.
//
// Example:
//
//	svc := memory.Use(memory.Config{Capacity: 512, KeepBundles: true},
//	    memory.WithLogger(logger),
//	    memory.WithAsyncWorkers(8),
//	)
//	sink := svc.DeadLetter().(*memory.Sink)
//
// The returned service is installed as the process-wide default.
func Use(cfg Config, opts ...Option) *xevent.Service {
	sb := xevent.NewServiceBuilder().
		WithDeadLetter(SinkName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(sb)
		}
	}

	svc, err := sb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xevent.SetDefault(svc)
	return svc
}

// toMap converts Config to the generic map expected by the sink factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"capacity":     c.Capacity,
		"keep_bundles": c.KeepBundles,
	}
}

// Option configures the xevent.Service when calling Use.
type Option func(*xevent.ServiceBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xevent.ServiceBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xevent.ServiceBuilder) { b.WithClock(c) }
}

// WithAsyncWorkers sets the async post-commit worker count (default: 4).
func WithAsyncWorkers(n int) Option {
	return func(b *xevent.ServiceBuilder) { b.WithAsyncWorkers(n) }
}

// WithShutdownTimeout sets the drain timeout used by Close (default: 30s).
func WithShutdownTimeout(d time.Duration) Option {
	return func(b *xevent.ServiceBuilder) { b.WithShutdownTimeout(d) }
}

// WithMiddleware adds post-commit middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xevent.Middleware) Option {
	return func(b *xevent.ServiceBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xevent.Observer) Option {
	return func(b *xevent.ServiceBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xevent.ServiceBuilder) { b.WithObserverPool(workers, bufferSize) }
}

// WithListener registers listeners on the built service.
func WithListener(d ...xevent.Descriptor) Option {
	return func(b *xevent.ServiceBuilder) { b.WithListener(d...) }
}
