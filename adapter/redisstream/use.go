package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xevent"
)

// Use builds a Service that writes async listener failures to Redis Streams,
// sets it as the default Service and returns it.
func Use(cfg Config, opts ...Option) *xevent.Service {
	sb := xevent.NewServiceBuilder().
		WithDeadLetter(SinkName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(sb)
		}
	}
	svc, err := sb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	xevent.SetDefault(svc)
	return svc
}
