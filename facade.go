package xevent

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultService   *Service
	defaultServiceMu sync.Mutex
)

// Default returns the process-wide singleton Service.
func Default() *Service {
	defaultServiceMu.Lock()
	defer defaultServiceMu.Unlock()

	if defaultService != nil {
		return defaultService
	}

	s, err := NewServiceBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("xevent: failed to initialize default service: %v", err))
	}
	defaultService = s
	return defaultService
}

// SetDefault replaces the process-wide default Service.
func SetDefault(s *Service) {
	if s == nil {
		panic("xevent: SetDefault called with nil Service")
	}
	defaultServiceMu.Lock()
	defaultService = s
	defaultServiceMu.Unlock()
}

// FireEvent is the Facade using the default service.
func FireEvent(ctx context.Context, e *Event) error {
	return Default().FireEvent(ctx, e)
}

// Fire is the Facade using the default service.
func Fire(ctx context.Context, name string, ec *EventContext) error {
	return Default().Fire(ctx, name, ec)
}

// RunInTransaction is the Facade using the default service.
func RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return Default().RunInTransaction(ctx, fn)
}

// AddEventListener is the Facade using the default service.
func AddEventListener(d Descriptor) error {
	return Default().AddEventListener(d)
}
