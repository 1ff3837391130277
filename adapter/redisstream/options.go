package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xevent"
	"github.com/trickstertwo/xlog"
)

// Option configures the xevent.Service construction when calling Use.
type Option func(*xevent.ServiceBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xevent.ServiceBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xevent.ServiceBuilder) { b.WithClock(c) }
}

// WithAsyncWorkers sets the async post-commit worker count.
func WithAsyncWorkers(n int) Option {
	return func(b *xevent.ServiceBuilder) { b.WithAsyncWorkers(n) }
}

// WithMiddleware adds post-commit middlewares.
func WithMiddleware(mw ...xevent.Middleware) Option {
	return func(b *xevent.ServiceBuilder) { b.WithMiddleware(mw...) }
}

// WithShutdownTimeout sets the drain timeout used by Close.
func WithShutdownTimeout(d time.Duration) Option {
	return func(b *xevent.ServiceBuilder) { b.WithShutdownTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xevent.Observer) Option {
	return func(b *xevent.ServiceBuilder) { b.WithObserver(obs...) }
}

// WithListener registers listeners on the built service.
func WithListener(d ...xevent.Descriptor) Option {
	return func(b *xevent.ServiceBuilder) { b.WithListener(d...) }
}
