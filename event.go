package xevent

import (
	"time"
)

// Flags controls how an Event is dispatched and recorded.
type Flags uint32

const FlagNone Flags = 0

const (
	// FlagCancel marks the event as canceled; remaining immediate listeners are skipped.
	FlagCancel Flags = 1 << iota
	// FlagRollback marks the owning transaction as rollback-only.
	FlagRollback
	// FlagCommit synthesizes a commit boundary when no transaction is active.
	FlagCommit
	// FlagInline excludes the event from bundle recording.
	FlagInline
	// FlagImmediate delivers the event to post-commit listeners right away, in a bundle of its own.
	FlagImmediate
	// FlagBubbleException makes immediate listener errors propagate out of FireEvent.
	FlagBubbleException
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	if f == FlagNone {
		return "none"
	}
	names := [...]struct {
		f Flags
		n string
	}{
		{FlagCancel, "cancel"},
		{FlagRollback, "rollback"},
		{FlagCommit, "commit"},
		{FlagInline, "inline"},
		{FlagImmediate, "immediate"},
		{FlagBubbleException, "bubble"},
	}
	s := ""
	for _, x := range names {
		if f&x.f == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += x.n
	}
	return s
}

// Event is a named occurrence fired once through the Service.
// Only listeners running during synchronous dispatch may mutate it.
type Event struct {
	name    string
	time    time.Time
	context *EventContext
	flags   Flags

	rollbackMessage string
	rollbackErr     error
}

func newEvent(name string, ec *EventContext, flags Flags, at time.Time) *Event {
	return &Event{
		name:    name,
		time:    at,
		context: ec,
		flags:   flags,
	}
}

func (e *Event) Name() string           { return e.name }
func (e *Event) Time() time.Time        { return e.time }
func (e *Event) Context() *EventContext { return e.context }
func (e *Event) Flags() Flags           { return e.flags }

// Cancel stops dispatch to the remaining immediate listeners of this event.
func (e *Event) Cancel() { e.flags |= FlagCancel }

func (e *Event) IsCanceled() bool { return e.flags&FlagCancel != 0 }

// MarkRollBack records that the owning transaction must not commit.
// message and err are optional and only used for diagnostics.
func (e *Event) MarkRollBack(message string, err error) {
	e.flags |= FlagRollback
	if message != "" {
		e.rollbackMessage = message
	}
	if err != nil {
		e.rollbackErr = err
	}
}

func (e *Event) IsMarkedForRollBack() bool { return e.flags&FlagRollback != 0 }
func (e *Event) RollbackMessage() string   { return e.rollbackMessage }
func (e *Event) RollbackErr() error        { return e.rollbackErr }

// MarkBubbleException makes a failure of any later immediate listener propagate to the caller.
func (e *Event) MarkBubbleException() { e.flags |= FlagBubbleException }

func (e *Event) IsBubbleException() bool { return e.flags&FlagBubbleException != 0 }
func (e *Event) IsInline() bool          { return e.flags&FlagInline != 0 }
func (e *Event) IsImmediate() bool       { return e.flags&FlagImmediate != 0 }
func (e *Event) IsCommitEvent() bool     { return e.flags&FlagCommit != 0 }

// clone returns the shallow copy recorded into bundles. The context stays shared.
func (e *Event) clone() *Event {
	c := *e
	return &c
}
