package xevent

import (
	"errors"
	"sync"
)

// DeadLetterSinkFactory constructs a sink from a config blob.
type DeadLetterSinkFactory func(cfg map[string]any) (DeadLetterSink, error)

var (
	deadLetterRegistryMu sync.RWMutex
	deadLetterRegistry   = map[string]DeadLetterSinkFactory{}
)

// RegisterDeadLetterSink registers a sink adapter.
func RegisterDeadLetterSink(name string, factory DeadLetterSinkFactory) error {
	if name == "" {
		return errors.New("dead-letter sink name must not be empty")
	}
	if factory == nil {
		return errors.New("dead-letter sink factory must not be nil")
	}
	deadLetterRegistryMu.Lock()
	deadLetterRegistry[name] = factory
	deadLetterRegistryMu.Unlock()
	return nil
}

// NewDeadLetterSink constructs a sink by name with config.
func NewDeadLetterSink(name string, cfg map[string]any) (DeadLetterSink, error) {
	deadLetterRegistryMu.RLock()
	f, ok := deadLetterRegistry[name]
	deadLetterRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownDeadLetterSink{name: name}
	}
	return f(cfg)
}
