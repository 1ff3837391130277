package xevent

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e BusEvent)

func (f ObserverFunc) OnEvent(e BusEvent) { f(e) }

// LoggingObserver is an Adapter that emits BusEvents via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e BusEvent) {
	if o.Logger == nil {
		return
	}
	lg := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("event", e.EventName),
		xlog.Str("listener", e.Listener),
		xlog.Str("bundle", e.BundleID),
		xlog.Str("tx", e.TransactionID),
	)
	switch e.Type {
	case ListenerFailed, AsyncFailed:
		lg.Warn().Err(e.Err).Msg("xevent event")
	case RollbackMarked:
		lg.Info().Err(e.Err).Msg("xevent event")
	default:
		if e.Duration > 0 {
			lg = lg.With(xlog.Dur("duration", e.Duration))
		}
		lg.Debug().Msg("xevent event")
	}
}
