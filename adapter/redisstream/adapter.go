package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xevent"
)

// Adapter: Redis Streams dead-letter sink (Strategy + Adapter patterns)

const SinkName = "redis-streams"

func init() {
	if err := xevent.RegisterDeadLetterSink(SinkName, func(cfg map[string]any) (xevent.DeadLetterSink, error) {
		s, err := NewSink(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return s, nil
	}); err != nil {
		panic(fmt.Errorf("xevent: failed to register dead-letter sink %q: %w", SinkName, err))
	}
}

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("redis dead-letter sink is closed")

// Sink appends failures to a Redis stream.
type Sink struct {
	cfg    Config
	client *redis.Client
	codec  xevent.Codec

	closeOnce sync.Once
	closed    atomic.Bool

	metrics *sinkMetrics
}

type sinkMetrics struct {
	written     atomic.Uint64
	writeErrors atomic.Uint64
	read        atomic.Uint64
}

var _ xevent.DeadLetterSink = (*Sink)(nil)

// NewSink connects to Redis and returns a sink writing to cfg.Stream.
func NewSink(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := xevent.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newSink(cfg, client, codec), nil
}

// NewSinkWithClient wraps an existing client. The sink closes it on Close.
func NewSinkWithClient(cfg Config, client *redis.Client) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := xevent.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return newSink(cfg, client, codec), nil
}

func newSink(cfg Config, client *redis.Client, codec xevent.Codec) *Sink {
	return &Sink{
		cfg:     cfg,
		client:  client,
		codec:   codec,
		metrics: &sinkMetrics{},
	}
}

// Put appends f to the stream with XADD, trimming approximately to MaxLenApprox.
func (s *Sink) Put(ctx context.Context, f xevent.Failure) error {
	if s.closed.Load() {
		return ErrClosed
	}
	record, err := xevent.EncodeFailure(s.codec, f)
	if err != nil {
		s.metrics.writeErrors.Add(1)
		return err
	}

	vals := make(map[string]any, 8)
	vals[fieldID] = f.ID
	vals[fieldListener] = f.Listener
	vals[fieldBundle] = f.BundleID
	if f.TransactionID != "" {
		vals[fieldTx] = f.TransactionID
	}
	if f.Err != nil {
		vals[fieldError] = f.Err.Error()
	}
	vals[fieldFailedAt] = f.FailedAt.UnixMilli()
	vals[fieldCodec] = s.codec.Name()
	// raw record bytes (binary-safe, no base64 encoding overhead)
	vals[fieldRecord] = record

	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		ID:     "*",
		Values: vals,
	}
	if s.cfg.MaxLenApprox > 0 {
		args.MaxLen = s.cfg.MaxLenApprox
		args.Approx = true
	}

	wctx := ctx
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}
	if err := s.client.XAdd(wctx, args).Err(); err != nil {
		s.metrics.writeErrors.Add(1)
		return err
	}
	s.metrics.written.Add(1)
	return nil
}

// List reads up to limit failures, most recent first, with XREVRANGE.
// limit <= 0 reads the whole stream.
func (s *Sink) List(ctx context.Context, limit int) ([]xevent.Failure, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = s.client.XRevRangeN(ctx, s.cfg.Stream, "+", "-", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRevRange(ctx, s.cfg.Stream, "+", "-").Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]xevent.Failure, 0, len(msgs))
	for _, m := range msgs {
		f, err := s.decode(m)
		if err != nil {
			return out, fmt.Errorf("decode entry %s: %w", m.ID, err)
		}
		out = append(out, f)
	}
	s.metrics.read.Add(uint64(len(out)))
	return out, nil
}

func (s *Sink) decode(m redis.XMessage) (xevent.Failure, error) {
	if raw, ok := m.Values[fieldRecord]; ok {
		codec := s.codec
		if name := asString(m.Values[fieldCodec]); name != "" && name != codec.Name() {
			c, err := xevent.NewCodec(name)
			if err != nil {
				return xevent.Failure{}, err
			}
			codec = c
		}
		return xevent.DecodeFailure(codec, []byte(asString(raw)))
	}

	// entries without a record carry only the flat fields
	f := xevent.Failure{
		ID:            asString(m.Values[fieldID]),
		Listener:      asString(m.Values[fieldListener]),
		BundleID:      asString(m.Values[fieldBundle]),
		TransactionID: asString(m.Values[fieldTx]),
	}
	if e := asString(m.Values[fieldError]); e != "" {
		f.Err = errors.New(e)
	}
	if ms, ok := toInt64(m.Values[fieldFailedAt]); ok && ms > 0 {
		f.FailedAt = time.UnixMilli(ms)
	}
	return f, nil
}

// Len returns the stream length.
func (s *Sink) Len(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, s.cfg.Stream).Result()
}

// Close gracefully shuts down the sink and its client.
func (s *Sink) Close(_ context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.client.Close()
	})
	return err
}

// Stats returns sink telemetry.
type Stats struct {
	Written     uint64
	WriteErrors uint64
	Read        uint64
}

// Stats returns current sink metrics.
func (s *Sink) Stats() Stats {
	return Stats{
		Written:     s.metrics.written.Load(),
		WriteErrors: s.metrics.writeErrors.Load(),
		Read:        s.metrics.read.Load(),
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
