package xevent

import (
	"time"

	"github.com/trickstertwo/xclock"
)

// Principal identifies who triggered an operation.
type Principal interface {
	Name() string
}

// PrincipalName is a Principal backed by a plain name.
type PrincipalName string

func (p PrincipalName) Name() string { return string(p) }

const (
	SystemPrincipal    PrincipalName = "system"
	AnonymousPrincipal PrincipalName = "anonymous"
)

// Session is the handle of the store session an operation runs in.
type Session interface {
	ID() string
	RepositoryName() string
}

// EventContext carries the principal, session, arguments and properties an
// Event is created under. It is owned by the call site that created it.
type EventContext struct {
	principal  Principal
	session    Session
	repository string
	args       []any
	props      map[string]any
	clock      xclock.Clock
}

// NewEventContext creates a context for principal. A nil principal is
// replaced by AnonymousPrincipal.
func NewEventContext(principal Principal, args ...any) *EventContext {
	if principal == nil {
		principal = AnonymousPrincipal
	}
	ec := &EventContext{
		principal: principal,
		props:     make(map[string]any),
		clock:     xclock.Default(),
	}
	if len(args) > 0 {
		ec.args = append([]any(nil), args...)
	}
	return ec
}

// WithSession sets the originating session. The session's repository takes
// precedence over WithRepository.
func (ec *EventContext) WithSession(s Session) *EventContext {
	ec.session = s
	return ec
}

// WithRepository sets the repository name used when no session is attached.
func (ec *EventContext) WithRepository(name string) *EventContext {
	ec.repository = name
	return ec
}

// WithClock overrides the clock used to stamp new events.
func (ec *EventContext) WithClock(c xclock.Clock) *EventContext {
	if c != nil {
		ec.clock = c
	}
	return ec
}

// Principal never returns nil; a context without one reports AnonymousPrincipal.
func (ec *EventContext) Principal() Principal {
	if ec == nil || ec.principal == nil {
		return AnonymousPrincipal
	}
	return ec.principal
}

func (ec *EventContext) Session() Session { return ec.session }

func (ec *EventContext) RepositoryName() string {
	if ec == nil {
		return ""
	}
	if ec.session != nil {
		return ec.session.RepositoryName()
	}
	return ec.repository
}

// Arguments returns a copy of the positional arguments.
func (ec *EventContext) Arguments() []any {
	return append([]any(nil), ec.args...)
}

func (ec *EventContext) SetArguments(args ...any) {
	ec.args = append([]any(nil), args...)
}

func (ec *EventContext) SetProperty(key string, value any) {
	if ec.props == nil {
		ec.props = make(map[string]any)
	}
	ec.props[key] = value
}

func (ec *EventContext) Property(key string) (any, bool) {
	v, ok := ec.props[key]
	return v, ok
}

func (ec *EventContext) HasProperty(key string) bool {
	_, ok := ec.props[key]
	return ok
}

// Properties returns a copy of the property bag.
func (ec *EventContext) Properties() map[string]any {
	out := make(map[string]any, len(ec.props))
	for k, v := range ec.props {
		out[k] = v
	}
	return out
}

// NewEvent creates an event stamped with this context, the current time and no flags.
func (ec *EventContext) NewEvent(name string) *Event {
	return newEvent(name, ec, FlagNone, ec.now())
}

// NewEventWithFlags is NewEvent with caller-supplied flags. Flag combinations are not validated.
func (ec *EventContext) NewEventWithFlags(name string, flags Flags) *Event {
	return newEvent(name, ec, flags, ec.now())
}

// now has millisecond resolution.
func (ec *EventContext) now() time.Time {
	c := ec.clock
	if c == nil {
		c = xclock.Default()
	}
	return c.Now().Truncate(time.Millisecond)
}
