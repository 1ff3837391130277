package xevent

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ListenerKind tags how and when a listener is invoked.
type ListenerKind uint8

const (
	KindImmediate ListenerKind = iota
	KindPostCommitSync
	KindPostCommitAsync
)

func (k ListenerKind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindPostCommitSync:
		return "postcommit-sync"
	case KindPostCommitAsync:
		return "postcommit-async"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k ListenerKind) IsPostCommit() bool {
	return k == KindPostCommitSync || k == KindPostCommitAsync
}

// Wildcard matches every event name.
const Wildcard = "*"

// Descriptor registers a listener. Name is the listener identity: adding a
// descriptor whose name is already registered replaces the previous one.
type Descriptor struct {
	Name     string
	Priority int

	// Events restricts the listener to these event names. Empty, or containing
	// Wildcard, matches every event.
	Events []string

	Kind     ListenerKind
	Disabled bool

	// Retries and Timeout only apply to post-commit listeners.
	Retries int
	Timeout time.Duration

	// Listener implements Listener for KindImmediate and PostCommitListener otherwise.
	Listener any
}

type entry struct {
	name     string
	priority int
	seq      int
	kind     ListenerKind
	events   map[string]struct{}
	wildcard bool
	enabled  bool
	retries  int
	timeout  time.Duration

	immediate  Listener
	postCommit PostCommitListener
	handler    BundleHandler
}

func (e *entry) accepts(name string) bool {
	if e.wildcard {
		return true
	}
	_, ok := e.events[name]
	return ok
}

func (e *entry) acceptsBundle(b *Bundle) bool {
	if e.wildcard {
		return true
	}
	for _, ev := range b.events {
		if _, ok := e.events[ev.name]; ok {
			return true
		}
	}
	return false
}

func (e *entry) descriptor() Descriptor {
	d := Descriptor{
		Name:     e.name,
		Priority: e.priority,
		Kind:     e.kind,
		Disabled: !e.enabled,
		Retries:  e.retries,
		Timeout:  e.timeout,
	}
	if e.wildcard {
		d.Events = []string{Wildcard}
	} else {
		for n := range e.events {
			d.Events = append(d.Events, n)
		}
		sort.Strings(d.Events)
	}
	if e.kind == KindImmediate {
		d.Listener = e.immediate
	} else {
		d.Listener = e.postCommit
	}
	return d
}

// snapshot is an immutable view of the registry; readers never lock.
type snapshot struct {
	byName    map[string]*entry
	all       []*entry
	immediate []*entry
	postSync  []*entry
	postAsync []*entry
}

var emptySnapshot = &snapshot{byName: map[string]*entry{}}

// listenerRegistry is copy-on-write: writers serialize on mu and publish a
// fresh snapshot, lookups load the current one atomically.
type listenerRegistry struct {
	mu      sync.Mutex
	seq     int
	entries map[string]*entry
	mws     []Middleware
	snap    atomic.Pointer[snapshot]
}

func newListenerRegistry(mws []Middleware) *listenerRegistry {
	r := &listenerRegistry{
		entries: make(map[string]*entry),
		mws:     mws,
	}
	r.snap.Store(emptySnapshot)
	return r
}

func (r *listenerRegistry) load() *snapshot { return r.snap.Load() }

func (r *listenerRegistry) add(d Descriptor) error {
	if d.Name == "" || d.Listener == nil {
		return ErrInvalidListener
	}
	e := &entry{
		name:     d.Name,
		priority: d.Priority,
		kind:     d.Kind,
		enabled:  !d.Disabled,
		retries:  d.Retries,
		timeout:  d.Timeout,
		events:   make(map[string]struct{}, len(d.Events)),
	}
	if len(d.Events) == 0 {
		e.wildcard = true
	}
	for _, n := range d.Events {
		if n == Wildcard {
			e.wildcard = true
			continue
		}
		e.events[n] = struct{}{}
	}

	switch d.Kind {
	case KindImmediate:
		l, ok := d.Listener.(Listener)
		if !ok {
			return fmt.Errorf("%w: %q (%s)", ErrListenerMismatch, d.Name, d.Kind)
		}
		e.immediate = l
	case KindPostCommitSync, KindPostCommitAsync:
		l, ok := d.Listener.(PostCommitListener)
		if !ok {
			return fmt.Errorf("%w: %q (%s)", ErrListenerMismatch, d.Name, d.Kind)
		}
		e.postCommit = l
		e.handler = r.compose(e)
	default:
		return fmt.Errorf("%w: %q has unknown kind %s", ErrInvalidListener, d.Name, d.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[d.Name]; ok {
		e.seq = prev.seq
	} else {
		r.seq++
		e.seq = r.seq
	}
	r.entries[d.Name] = e
	r.publishLocked()
	return nil
}

// compose wraps a post-commit listener with recovery, its own timeout and
// retries, then the service-wide middlewares.
func (r *listenerRegistry) compose(e *entry) BundleHandler {
	h := RecoveryMiddleware()(e.postCommit.HandleBundle)
	if e.timeout > 0 {
		h = TimeoutMiddleware(e.timeout)(h)
	}
	if e.retries > 0 {
		h = RetryMiddleware(RetryConfig{MaxAttempts: e.retries + 1, Backoff: ExponentialBackoff(10 * time.Millisecond)})(h)
	}
	return Chain(h, r.mws...)
}

func (r *listenerRegistry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	r.publishLocked()
	return true
}

func (r *listenerRegistry) setEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[name]
	if !ok {
		return false
	}
	if prev.enabled == enabled {
		return true
	}
	// entries are shared with published snapshots; never mutate in place
	next := *prev
	next.enabled = enabled
	r.entries[name] = &next
	r.publishLocked()
	return true
}

func (r *listenerRegistry) publishLocked() {
	s := &snapshot{
		byName: make(map[string]*entry, len(r.entries)),
		all:    make([]*entry, 0, len(r.entries)),
	}
	for n, e := range r.entries {
		s.byName[n] = e
		s.all = append(s.all, e)
	}
	sort.SliceStable(s.all, func(i, j int) bool {
		if s.all[i].priority != s.all[j].priority {
			return s.all[i].priority < s.all[j].priority
		}
		return s.all[i].seq < s.all[j].seq
	})
	for _, e := range s.all {
		if !e.enabled {
			continue
		}
		switch e.kind {
		case KindImmediate:
			s.immediate = append(s.immediate, e)
		case KindPostCommitSync:
			s.postSync = append(s.postSync, e)
		case KindPostCommitAsync:
			s.postAsync = append(s.postAsync, e)
		}
	}
	r.snap.Store(s)
}
