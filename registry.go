package xevent

import (
	"errors"
	"sort"
	"sync"
)

// ListenerFactory constructs a listener from per-listener options. The
// result must implement Listener or PostCommitListener, matching the kind it
// is registered under.
type ListenerFactory func(opts map[string]any) (any, error)

var (
	listenerClassesMu sync.RWMutex
	listenerClasses   = map[string]ListenerFactory{}
)

// RegisterListenerClass makes a listener implementation available to
// configuration files under class.
func RegisterListenerClass(class string, factory ListenerFactory) error {
	if class == "" {
		return errors.New("listener class must not be empty")
	}
	if factory == nil {
		return errors.New("listener factory must not be nil")
	}
	listenerClassesMu.Lock()
	listenerClasses[class] = factory
	listenerClassesMu.Unlock()
	return nil
}

// NewListener constructs a listener of a registered class.
func NewListener(class string, opts map[string]any) (any, error) {
	listenerClassesMu.RLock()
	f, ok := listenerClasses[class]
	listenerClassesMu.RUnlock()
	if !ok {
		return nil, ErrUnknownListenerClass{class: class}
	}
	return f(opts)
}

// ListenerClasses returns the registered class names, sorted.
func ListenerClasses() []string {
	listenerClassesMu.RLock()
	defer listenerClassesMu.RUnlock()
	out := make([]string, 0, len(listenerClasses))
	for c := range listenerClasses {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
