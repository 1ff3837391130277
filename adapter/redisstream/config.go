package redisstream

import (
	"fmt"
	"time"
)

// Config for the Redis Streams dead-letter sink.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string
	PoolSize      int

	// Stream management
	Stream       string
	MaxLenApprox int64
	Codec        string
	WriteTimeout time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Addr:         "127.0.0.1:6379",
		DB:           0,
		TLS:          false,
		PoolSize:     10,
		Stream:       "xevent:deadletter",
		MaxLenApprox: 100000,
		Codec:        "json",
		WriteTimeout: 2 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Stream == "" {
		return fmt.Errorf("config: stream required")
	}
	if c.MaxLenApprox < 0 {
		return fmt.Errorf("config: max_len_approx must be >= 0, got %d", c.MaxLenApprox)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("config: write_timeout must be >= 0, got %v", c.WriteTimeout)
	}
	return nil
}

// toMap converts Config to generic map for the sink factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"pool_size":       c.PoolSize,
		"stream":          c.Stream,
		"max_len_approx":  c.MaxLenApprox,
		"codec":           c.Codec,
		"write_timeout":   c.WriteTimeout,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
// Numbers may arrive as int, int64 or float64 (YAML/JSON) and durations
// as time.Duration or strings like "2s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := toInt64(m["db"]); ok {
		c.DB = int(v)
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := toInt64(m["pool_size"]); ok && v > 0 {
		c.PoolSize = int(v)
	}
	if v, ok := m["stream"].(string); ok && v != "" {
		c.Stream = v
	}
	if v, ok := toInt64(m["max_len_approx"]); ok && v >= 0 {
		c.MaxLenApprox = v
	}
	if v, ok := m["codec"].(string); ok && v != "" {
		c.Codec = v
	}
	switch v := m["write_timeout"].(type) {
	case time.Duration:
		if v > 0 {
			c.WriteTimeout = v
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.WriteTimeout = d
		}
	}

	return c
}
