package xevent

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// Component owns the lifecycle of an application's event service: it builds
// the service from configuration on Activate, installs it as the default and
// shuts it down on Deactivate.
type Component struct {
	mu      sync.Mutex
	svc     *Service
	timeout time.Duration
	init    []func(sb *ServiceBuilder)
}

// NewComponent returns a Component whose builder is further customized by init.
func NewComponent(init ...func(sb *ServiceBuilder)) *Component {
	return &Component{init: init}
}

// Activate builds and installs the service. Activating twice is a no-op.
func (c *Component) Activate(ctx context.Context, cfg *Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.svc != nil {
		return nil
	}

	sb := NewServiceBuilder().WithConfig(cfg)
	for _, fn := range c.init {
		if fn != nil {
			fn(sb)
		}
	}
	s, err := sb.Build()
	if err != nil {
		return err
	}
	c.svc = s
	c.timeout = s.shutdownTimeout
	SetDefault(s)

	s.logger.With(xlog.Str("component", "xevent")).Info().
		Str("listeners", strconv.Itoa(len(s.Listeners()))).
		Msg("xevent: service activated")
	return nil
}

// Service returns the active service, or nil.
func (c *Component) Service() *Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.svc
}

// Deactivate shuts the active service down. A deadline on ctx shortens the
// configured shutdown timeout.
func (c *Component) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	s := c.svc
	c.svc = nil
	timeout := c.timeout
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return s.Shutdown(timeout)
}
