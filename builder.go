package xevent

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ServiceBuilder constructs Service instances (Builder pattern).
type ServiceBuilder struct {
	logger *xlog.Logger
	clock  xclock.Clock

	asyncWorkers    int
	queueSize       int
	shutdownTimeout time.Duration
	maxFailures     int

	middlewares []Middleware
	observers   []Observer
	obsWorkers  int
	obsBuffer   int

	deadLetterName string
	deadLetterCfg  map[string]any
	deadLetterInst DeadLetterSink

	tracing bool
	metrics MetricsRecorder

	blockAsync bool
	blockSync  bool
	bulkMode   bool

	listeners     []Descriptor
	listenerConfs []ListenerConfig
}

// NewServiceBuilder returns a new builder with sensible defaults.
func NewServiceBuilder() *ServiceBuilder {
	return &ServiceBuilder{
		asyncWorkers:    4,
		queueSize:       1024,
		shutdownTimeout: 30 * time.Second,
		maxFailures:     1000,
		obsWorkers:      4,
		obsBuffer:       1000,
		tracing:         true,
	}
}

func (sb *ServiceBuilder) WithLogger(l *xlog.Logger) *ServiceBuilder {
	sb.logger = l
	return sb
}

func (sb *ServiceBuilder) WithClock(c xclock.Clock) *ServiceBuilder {
	sb.clock = c
	return sb
}

// WithAsyncWorkers sets the number of goroutines running asynchronous post-commit listeners.
func (sb *ServiceBuilder) WithAsyncWorkers(n int) *ServiceBuilder {
	if n > 0 {
		sb.asyncWorkers = n
	}
	return sb
}

// WithQueueSize bounds the asynchronous work queue; submitters block while it is full.
func (sb *ServiceBuilder) WithQueueSize(n int) *ServiceBuilder {
	if n > 0 {
		sb.queueSize = n
	}
	return sb
}

// WithShutdownTimeout is the drain timeout used by Close.
func (sb *ServiceBuilder) WithShutdownTimeout(d time.Duration) *ServiceBuilder {
	if d > 0 {
		sb.shutdownTimeout = d
	}
	return sb
}

// WithMaxFailures bounds the in-memory list returned by FailedWork.
func (sb *ServiceBuilder) WithMaxFailures(n int) *ServiceBuilder {
	if n > 0 {
		sb.maxFailures = n
	}
	return sb
}

// WithMiddleware wraps every post-commit listener, outermost first.
func (sb *ServiceBuilder) WithMiddleware(mw ...Middleware) *ServiceBuilder {
	if len(mw) == 0 {
		return sb
	}
	sb.middlewares = append(sb.middlewares, mw...)
	return sb
}

func (sb *ServiceBuilder) WithObserver(obs ...Observer) *ServiceBuilder {
	for _, o := range obs {
		if o != nil {
			sb.observers = append(sb.observers, o)
		}
	}
	return sb
}

// WithObserverPool sizes the asynchronous observer dispatch pool.
func (sb *ServiceBuilder) WithObserverPool(workers, bufferSize int) *ServiceBuilder {
	sb.obsWorkers = workers
	sb.obsBuffer = bufferSize
	return sb
}

// WithDeadLetter selects a registered dead-letter sink by name.
func (sb *ServiceBuilder) WithDeadLetter(name string, cfg map[string]any) *ServiceBuilder {
	sb.deadLetterName = name
	sb.deadLetterCfg = cfg
	return sb
}

// WithDeadLetterInstance accepts a ready sink (e.g., from adapter Use()).
func (sb *ServiceBuilder) WithDeadLetterInstance(s DeadLetterSink) *ServiceBuilder {
	sb.deadLetterInst = s
	return sb
}

func (sb *ServiceBuilder) WithTracing(enabled bool) *ServiceBuilder {
	sb.tracing = enabled
	return sb
}

func (sb *ServiceBuilder) WithMetricsRecorder(m MetricsRecorder) *ServiceBuilder {
	sb.metrics = m
	return sb
}

func (sb *ServiceBuilder) WithBlockAsyncHandlers(block bool) *ServiceBuilder {
	sb.blockAsync = block
	return sb
}

func (sb *ServiceBuilder) WithBlockSyncPostCommitHandlers(block bool) *ServiceBuilder {
	sb.blockSync = block
	return sb
}

func (sb *ServiceBuilder) WithBulkMode(enabled bool) *ServiceBuilder {
	sb.bulkMode = enabled
	return sb
}

// WithListener registers d when the service is built.
func (sb *ServiceBuilder) WithListener(d ...Descriptor) *ServiceBuilder {
	sb.listeners = append(sb.listeners, d...)
	return sb
}

// WithConfig applies a file configuration on top of the current settings.
func (sb *ServiceBuilder) WithConfig(cfg *Config) *ServiceBuilder {
	if cfg == nil {
		return sb
	}
	sb.WithAsyncWorkers(cfg.AsyncWorkers)
	sb.WithQueueSize(cfg.QueueSize)
	sb.WithShutdownTimeout(cfg.ShutdownTimeout.Std())
	sb.WithMaxFailures(cfg.MaxFailures)
	sb.blockAsync = sb.blockAsync || cfg.BlockAsyncHandlers
	sb.blockSync = sb.blockSync || cfg.BlockSyncPostCommitHandlers
	sb.bulkMode = sb.bulkMode || cfg.BulkMode
	if cfg.Tracing != nil {
		sb.tracing = *cfg.Tracing
	}
	if cfg.Metrics {
		sb.metrics = NewMetricsRecorder()
	}
	if cfg.DeadLetter != nil && cfg.DeadLetter.Sink != "" {
		sb.WithDeadLetter(cfg.DeadLetter.Sink, cfg.DeadLetter.Options)
	}
	sb.listenerConfs = append(sb.listenerConfs, cfg.Listeners...)
	return sb
}

func (sb *ServiceBuilder) Build() (*Service, error) {
	clk := sb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := sb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	var dl DeadLetterSink
	switch {
	case sb.deadLetterInst != nil:
		dl = sb.deadLetterInst
	case sb.deadLetterName != "":
		var err error
		dl, err = NewDeadLetterSink(sb.deadLetterName, sb.deadLetterCfg)
		if err != nil {
			return nil, err
		}
	}

	descs := append([]Descriptor(nil), sb.listeners...)
	for _, lc := range sb.listenerConfs {
		d, err := lc.Descriptor()
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}

	pool := NewObserverPool(context.Background(), sb.obsWorkers, sb.obsBuffer)
	pool.SetLogger(lg)

	s := &Service{
		registry:        newListenerRegistry(sb.middlewares),
		clock:           clk,
		logger:          lg,
		telemetry:       newTelemetry(sb.tracing, sb.metrics),
		deadLetter:      dl,
		observerPool:    pool,
		metrics:         &serviceMetrics{},
		maxFailures:     sb.maxFailures,
		shutdownTimeout: sb.shutdownTimeout,
	}
	s.blockAsync.Store(sb.blockAsync)
	s.blockSyncCommit.Store(sb.blockSync)
	s.bulkMode.Store(sb.bulkMode)

	base := InjectAll(context.Background(), lg, clk)
	s.exec = newExecutor(base, sb.asyncWorkers, sb.queueSize, clk, s.workDone)

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range sb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		s.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range sb.observers {
		s.AddObserver(o)
	}

	for _, d := range descs {
		if err := s.AddEventListener(d); err != nil {
			_ = s.Shutdown(time.Second)
			return nil, err
		}
	}
	return s, nil
}

// New constructs a Service via Builder and returns a close func for convenience.
func New(init func(sb *ServiceBuilder)) (*Service, func() error, error) {
	sb := NewServiceBuilder()
	if init != nil {
		init(sb)
	}
	s, err := sb.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return s.Close(context.Background()) }
	return s, closeFn, nil
}
