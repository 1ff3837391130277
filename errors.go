package xevent

import (
	"errors"
	"fmt"
)

var (
	ErrServiceClosed               = errors.New("xevent: service is closed")
	ErrNilEvent                    = errors.New("xevent: nil event")
	ErrInvalidEventName            = errors.New("xevent: event name must not be empty")
	ErrInvalidListener             = errors.New("xevent: invalid listener descriptor")
	ErrListenerMismatch            = errors.New("xevent: listener does not implement the interface its kind requires")
	ErrUnknownListener             = errors.New("xevent: unknown listener")
	ErrNoTransaction               = errors.New("xevent: no active transaction")
	ErrNoScope                     = errors.New("xevent: no event scope")
	ErrTransactionActive           = errors.New("xevent: transaction already active")
	ErrMarkedForRollback           = errors.New("xevent: transaction is marked for rollback")
	ErrExecutorClosed              = errors.New("xevent: async executor is closed")
	ErrShutdownTimeout             = errors.New("xevent: async work still running after shutdown timeout")
	ErrObserverPoolShutdownTimeout = errors.New("xevent: observer pool shutdown timeout")
	ErrHandlerPanic                = errors.New("xevent: listener panic")
	ErrNoDeadLetterSink            = errors.New("xevent: no dead-letter sink configured")
)

type ErrUnknownListenerClass struct{ class string }

func (e ErrUnknownListenerClass) Error() string {
	return fmt.Sprintf("xevent: unknown listener class: %s", e.class)
}

type ErrUnknownDeadLetterSink struct{ name string }

func (e ErrUnknownDeadLetterSink) Error() string {
	return fmt.Sprintf("xevent: unknown dead-letter sink: %s", e.name)
}

// ListenerError is returned by FireEvent when a listener fails on an event
// marked to bubble exceptions.
type ListenerError struct {
	Listener string
	Event    string
	Kind     ListenerKind
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("xevent: %s listener %q failed on %q: %v", e.Kind, e.Listener, e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// RecoverableError marks listener failures that are expected business
// outcomes; they are logged at info level instead of error.
type RecoverableError interface {
	error
	Recoverable() bool
}

func isRecoverable(err error) bool {
	var r RecoverableError
	return errors.As(err, &r) && r.Recoverable()
}
