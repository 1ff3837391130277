package xevent

import (
	"github.com/google/uuid"
)

// Bundle is the ordered set of events recorded during one transaction for
// one repository. It is immutable once handed to post-commit listeners.
type Bundle struct {
	id         string
	txID       string
	repository string
	events     []*Event
}

// NewBundle builds a bundle outside of any transaction, e.g. for FireBundle.
// Events are recorded as shallow copies in the given order.
func NewBundle(events ...*Event) *Bundle {
	b := &Bundle{id: uuid.NewString()}
	for _, e := range events {
		if e == nil {
			continue
		}
		if b.repository == "" && e.context != nil {
			b.repository = e.context.RepositoryName()
		}
		b.events = append(b.events, e.clone())
	}
	return b
}

func (b *Bundle) ID() string            { return b.id }
func (b *Bundle) TransactionID() string { return b.txID }
func (b *Bundle) Repository() string    { return b.repository }
func (b *Bundle) Len() int              { return len(b.events) }
func (b *Bundle) IsEmpty() bool         { return len(b.events) == 0 }

// Name is the name of the first event, or "" for an empty bundle.
func (b *Bundle) Name() string {
	if len(b.events) == 0 {
		return ""
	}
	return b.events[0].name
}

// Events returns copies of the recorded events in fire order.
func (b *Bundle) Events() []*Event {
	out := make([]*Event, len(b.events))
	for i, e := range b.events {
		out[i] = e.clone()
	}
	return out
}

// At returns a copy of the i-th event.
func (b *Bundle) At(i int) *Event {
	return b.events[i].clone()
}

func (b *Bundle) EventNames() []string {
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.name
	}
	return out
}

func (b *Bundle) ContainsEventName(name string) bool {
	for _, e := range b.events {
		if e.name == name {
			return true
		}
	}
	return false
}

// composite accumulates a transaction's events, one bundle per repository,
// keeping the order in which repositories were first seen.
type composite struct {
	txID   string
	order  []string
	byRepo map[string]*Bundle
	count  int
}

func newComposite(txID string) *composite {
	return &composite{txID: txID, byRepo: make(map[string]*Bundle, 1)}
}

func (c *composite) push(e *Event) {
	repo := ""
	if e.context != nil {
		repo = e.context.RepositoryName()
	}
	b, ok := c.byRepo[repo]
	if !ok {
		b = &Bundle{id: uuid.NewString(), txID: c.txID, repository: repo}
		c.byRepo[repo] = b
		c.order = append(c.order, repo)
	}
	b.events = append(b.events, e)
	c.count++
}

func (c *composite) empty() bool { return c == nil || c.count == 0 }

func (c *composite) bundles() []*Bundle {
	out := make([]*Bundle, 0, len(c.order))
	for _, repo := range c.order {
		out = append(out, c.byRepo[repo])
	}
	return out
}
