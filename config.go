package xevent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of a service setup. Zero values keep the builder defaults.
type Config struct {
	AsyncWorkers    int      `yaml:"async_workers"`
	QueueSize       int      `yaml:"queue_size"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	MaxFailures     int      `yaml:"max_failures"`

	BlockAsyncHandlers          bool `yaml:"block_async_handlers"`
	BlockSyncPostCommitHandlers bool `yaml:"block_sync_post_commit_handlers"`
	BulkMode                    bool `yaml:"bulk_mode"`

	// Tracing is on unless set to false.
	Tracing *bool `yaml:"tracing"`
	Metrics bool  `yaml:"metrics"`

	DeadLetter *DeadLetterConfig `yaml:"dead_letter"`
	Listeners  []ListenerConfig  `yaml:"listeners"`
}

// DeadLetterConfig names a registered dead-letter sink and its options.
type DeadLetterConfig struct {
	Sink    string         `yaml:"sink"`
	Options map[string]any `yaml:"options"`
}

// ListenerConfig binds a registered listener class to a descriptor.
type ListenerConfig struct {
	Name     string   `yaml:"name"`
	Class    string   `yaml:"class"`
	Priority int      `yaml:"priority"`
	Events   []string `yaml:"events"`

	// PostCommit selects a post-commit listener; Async runs it on the executor.
	PostCommit bool `yaml:"post_commit"`
	Async      bool `yaml:"async"`

	// Enabled defaults to true when omitted.
	Enabled *bool    `yaml:"enabled"`
	Retries int      `yaml:"retries"`
	Timeout Duration `yaml:"timeout"`

	Options map[string]any `yaml:"options"`
}

// Kind derives the listener kind from PostCommit and Async.
func (lc ListenerConfig) Kind() ListenerKind {
	switch {
	case !lc.PostCommit:
		return KindImmediate
	case lc.Async:
		return KindPostCommitAsync
	default:
		return KindPostCommitSync
	}
}

// Descriptor resolves the listener class and returns the registration.
func (lc ListenerConfig) Descriptor() (Descriptor, error) {
	if lc.Name == "" {
		return Descriptor{}, fmt.Errorf("%w: listener without name", ErrInvalidListener)
	}
	class := lc.Class
	if class == "" {
		class = lc.Name
	}
	l, err := NewListener(class, lc.Options)
	if err != nil {
		return Descriptor{}, fmt.Errorf("listener %q: %w", lc.Name, err)
	}
	return Descriptor{
		Name:     lc.Name,
		Priority: lc.Priority,
		Events:   lc.Events,
		Kind:     lc.Kind(),
		Disabled: lc.Enabled != nil && !*lc.Enabled,
		Retries:  lc.Retries,
		Timeout:  lc.Timeout.Std(),
		Listener: l,
	}, nil
}

// Duration is a time.Duration that reads "250ms"-style strings or a
// number of seconds from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		if v, err := time.ParseDuration(s); err == nil {
			*d = Duration(v)
			return nil
		}
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ParseConfig parses YAML data into a Config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(data)
}
