package xevent

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xevent (prevents collisions).
type ctxKey string

const (
	loggerCtxKey ctxKey = "xevent:logger"
	clockCtxKey  ctxKey = "xevent:clock"
	txCtxKey     ctxKey = "xevent:tx"
	scopeCtxKey  ctxKey = "xevent:scope"
)

// WithTransaction attaches tx to ctx. Events fired with the returned context
// are recorded into tx's bundle.
func WithTransaction(ctx context.Context, tx *Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txCtxKey, tx)
}

// TransactionFromContext returns the transaction attached to ctx, if any.
func TransactionFromContext(ctx context.Context) (*Tx, bool) {
	if v := ctx.Value(txCtxKey); v != nil {
		if tx, ok := v.(*Tx); ok && tx != nil {
			return tx, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the service logger inside listeners.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext retrieves the service clock inside listeners.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
