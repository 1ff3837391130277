package xevent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls retry behavior for post-commit listener middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// ExponentialBackoff doubles base on every attempt: base, 2*base, 4*base...
func ExponentialBackoff(base time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base << uint(attempt-1)
	}
}

type attemptsKey struct{}

// attemptCounter is shared between RetryMiddleware and the executor so that
// failures report how many times a listener actually ran.
type attemptCounter struct{ n int }

func withAttemptCounter(ctx context.Context) (context.Context, *attemptCounter) {
	c := &attemptCounter{}
	return context.WithValue(ctx, attemptsKey{}, c), c
}

// RetryMiddleware provides bounded, selective retries around a handler.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next BundleHandler) BundleHandler {
		return func(ctx context.Context, b *Bundle) error {
			var lastErr error
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}
			counter, _ := ctx.Value(attemptsKey{}).(*attemptCounter)
			for i := 1; i <= attempts; i++ {
				if counter != nil {
					counter.n = i
				}
				lastErr = next(ctx, b)
				if lastErr == nil {
					return nil
				}
				// Stop if context is canceled or deadline exceeded.
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a handler.
// When exceeded, it returns context.DeadlineExceeded; the handler keeps
// running with a canceled context.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next BundleHandler) BundleHandler { return next }
	}
	return func(next BundleHandler) BundleHandler {
		return func(ctx context.Context, b *Bundle) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, b)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware prevents listener panics from crashing the dispatcher and converts them into errors.
func RecoveryMiddleware() Middleware {
	return func(next BundleHandler) BundleHandler {
		return func(ctx context.Context, b *Bundle) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, b)
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h BundleHandler, mws ...Middleware) BundleHandler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
