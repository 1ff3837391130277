package xevent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBundle = NewBundle(NewEventContext(nil).NewEvent("x"))

func TestRetryMiddleware(t *testing.T) {
	t.Run("stops on success", func(t *testing.T) {
		var calls int
		h := RetryMiddleware(RetryConfig{MaxAttempts: 5})(func(context.Context, *Bundle) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, h(context.Background(), testBundle))
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error after max attempts", func(t *testing.T) {
		var calls int
		h := RetryMiddleware(RetryConfig{MaxAttempts: 3, Backoff: ExponentialBackoff(time.Millisecond)})(func(context.Context, *Bundle) error {
			calls++
			return errors.New("permanent")
		})
		assert.EqualError(t, h(context.Background(), testBundle), "permanent")
		assert.Equal(t, 3, calls)
	})

	t.Run("RetryIf filters errors", func(t *testing.T) {
		fatal := errors.New("fatal")
		var calls int
		h := RetryMiddleware(RetryConfig{
			MaxAttempts: 5,
			RetryIf:     func(err error) bool { return !errors.Is(err, fatal) },
		})(func(context.Context, *Bundle) error {
			calls++
			return fatal
		})
		assert.ErrorIs(t, h(context.Background(), testBundle), fatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var calls int
		h := RetryMiddleware(RetryConfig{MaxAttempts: 5, Backoff: ExponentialBackoff(time.Hour)})(func(context.Context, *Bundle) error {
			calls++
			cancel()
			return errors.New("boom")
		})
		assert.Error(t, h(ctx, testBundle))
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		var calls int
		h := RetryMiddleware(RetryConfig{})(func(context.Context, *Bundle) error {
			calls++
			return errors.New("boom")
		})
		assert.Error(t, h(context.Background(), testBundle))
		assert.Equal(t, 1, calls)
	})
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b(0))
	assert.Equal(t, 10*time.Millisecond, b(1))
	assert.Equal(t, 20*time.Millisecond, b(2))
	assert.Equal(t, 40*time.Millisecond, b(3))
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := func(ctx context.Context, _ *Bundle) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}
	err := TimeoutMiddleware(10*time.Millisecond)(slow)(context.Background(), testBundle)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = TimeoutMiddleware(time.Second)(func(context.Context, *Bundle) error {
		panic("kaboom")
	})(context.Background(), testBundle)
	assert.ErrorIs(t, err, ErrHandlerPanic)

	// zero disables the timeout
	called := false
	err = TimeoutMiddleware(0)(func(context.Context, *Bundle) error {
		called = true
		return nil
	})(context.Background(), testBundle)
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestRecoveryMiddleware(t *testing.T) {
	err := RecoveryMiddleware()(func(context.Context, *Bundle) error {
		panic("kaboom")
	})(context.Background(), testBundle)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next BundleHandler) BundleHandler {
			return func(ctx context.Context, b *Bundle) error {
				order = append(order, name)
				return next(ctx, b)
			}
		}
	}
	h := Chain(func(context.Context, *Bundle) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), nil, mw("inner"))

	require.NoError(t, h(context.Background(), testBundle))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestServiceMiddleware_WrapsPostCommitListeners(t *testing.T) {
	var seen []string
	audit := func(next BundleHandler) BundleHandler {
		return func(ctx context.Context, b *Bundle) error {
			seen = append(seen, b.Name())
			return next(ctx, b)
		}
	}
	s := newTestService(t, func(sb *ServiceBuilder) {
		sb.WithMiddleware(audit).
			WithListener(postCommitListener("sync", KindPostCommitSync, func(context.Context, *Bundle) error { return nil }))
	})

	require.NoError(t, s.FireEvent(context.Background(), testContext().NewEventWithFlags("created", FlagCommit)))
	assert.Equal(t, []string{"created"}, seen)
}

func TestListenerTimeout_AppliesToPostCommit(t *testing.T) {
	s := newTestService(t, func(sb *ServiceBuilder) {
		sb.WithListener(Descriptor{
			Name:    "slow",
			Kind:    KindPostCommitSync,
			Timeout: 10 * time.Millisecond,
			Listener: PostCommitListenerFunc(func(ctx context.Context, _ *Bundle) error {
				<-ctx.Done()
				return ctx.Err()
			}),
		})
	})

	err := s.FireBundleSync(context.Background(), NewBundle(testContext().NewEvent("x")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
