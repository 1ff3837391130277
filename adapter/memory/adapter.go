package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xevent"
)

const SinkName = "memory"

func init() {
	if err := xevent.RegisterDeadLetterSink(SinkName, func(cfg map[string]any) (xevent.DeadLetterSink, error) {
		return NewSink(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xevent/memory: failed to register dead-letter sink: %w", err))
	}
}

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("memory dead-letter sink is closed")

// Config controls memory sink behavior.
type Config struct {
	// Capacity bounds stored failures; the oldest is evicted first (default: 1024).
	Capacity int
	// KeepBundles retains the delivered bundle so failures can be replayed (default: true).
	KeepBundles bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	return Config{
		Capacity:    maxInt(1, getInt("capacity", 1024)),
		KeepBundles: getBool("keep_bundles", true),
	}
}

// Sink implements xevent.DeadLetterSink in process memory (dev/testing, and
// replay of transient failures). Failures do not survive a restart.
type Sink struct {
	cfg Config

	mu    sync.RWMutex
	items []xevent.Failure

	closed atomic.Bool

	metrics *sinkMetrics
}

type sinkMetrics struct {
	stored   atomic.Uint64
	evicted  atomic.Uint64
	replayed atomic.Uint64
	failed   atomic.Uint64
}

var _ xevent.DeadLetterSink = (*Sink)(nil)

// NewSink creates a new in-memory dead-letter sink.
func NewSink(cfg Config) *Sink {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1024
	}
	return &Sink{
		cfg:     cfg,
		metrics: &sinkMetrics{},
	}
}

// Put stores f, evicting the oldest failure when full.
func (s *Sink) Put(_ context.Context, f xevent.Failure) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.cfg.KeepBundles {
		f.Bundle = nil
	}

	s.mu.Lock()
	if len(s.items) >= s.cfg.Capacity {
		n := len(s.items) - s.cfg.Capacity + 1
		s.items = append(s.items[:0:0], s.items[n:]...)
		s.metrics.evicted.Add(uint64(n))
	}
	s.items = append(s.items, f)
	s.mu.Unlock()

	s.metrics.stored.Add(1)
	return nil
}

// List returns up to limit failures, most recent first. limit <= 0 means all.
func (s *Sink) List(_ context.Context, limit int) ([]xevent.Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]xevent.Failure, 0, n)
	for i := len(s.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.items[i])
	}
	return out, nil
}

// ByListener returns the stored failures of one listener, oldest first.
func (s *Sink) ByListener(name string) []xevent.Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []xevent.Failure
	for _, f := range s.items {
		if f.Listener == name {
			out = append(out, f)
		}
	}
	return out
}

// Len is the number of stored failures.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Remove drops the failure with the given ID.
func (s *Sink) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.items {
		if f.ID == id {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Redeliverer runs one post-commit listener on a bundle; *xevent.Service implements it.
type Redeliverer interface {
	Redeliver(ctx context.Context, listener string, b *xevent.Bundle) error
}

// ReplayResult summarizes a Replay pass.
type ReplayResult struct {
	Replayed int
	Failed   int
	Skipped  int
}

// Replay re-runs every stored failure that kept its bundle, oldest first.
// Failures that succeed are removed; the rest stay stored and their errors
// are returned joined.
func (s *Sink) Replay(ctx context.Context, r Redeliverer) (ReplayResult, error) {
	s.mu.RLock()
	pending := append([]xevent.Failure(nil), s.items...)
	s.mu.RUnlock()

	var res ReplayResult
	var errs []error
	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if f.Bundle == nil {
			res.Skipped++
			continue
		}
		if err := r.Redeliver(ctx, f.Listener, f.Bundle); err != nil {
			res.Failed++
			s.metrics.failed.Add(1)
			errs = append(errs, fmt.Errorf("replay %s/%s: %w", f.Listener, f.ID, err))
			continue
		}
		s.Remove(f.ID)
		res.Replayed++
		s.metrics.replayed.Add(1)
	}
	return res, errors.Join(errs...)
}

// Close gracefully shuts down the sink. Stored failures stay readable.
func (s *Sink) Close(_ context.Context) error {
	s.closed.Store(true)
	return nil
}

// Stats returns sink telemetry.
type Stats struct {
	Stored   uint64
	Evicted  uint64
	Replayed uint64
	Failed   uint64
	Len      int
}

// Stats returns current sink metrics.
func (s *Sink) Stats() Stats {
	return Stats{
		Stored:   s.metrics.stored.Load(),
		Evicted:  s.metrics.evicted.Load(),
		Replayed: s.metrics.replayed.Load(),
		Failed:   s.metrics.failed.Load(),
		Len:      s.Len(),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
