package xevent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
)

// TxState is the dispatch state of one transaction.
type TxState int32

const (
	// StateIdle: no bundle open.
	StateIdle TxState = iota
	// StateRecording: at least one event has been recorded.
	StateRecording
	// StateFlushing: the recorded bundle is being delivered to post-commit listeners.
	StateFlushing
	// StateDiscarded: the transaction rolled back and its bundle was dropped.
	StateDiscarded
)

func (s TxState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFlushing:
		return "flushing"
	case StateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// maxFlushRounds bounds how many follow-up bundles a commit flushes when
// post-commit listeners keep firing events.
const maxFlushRounds = 16

// Tx holds the bundle of one transaction. It belongs to the goroutine that
// runs the transaction and is threaded through context.Context; it is not
// safe for concurrent use.
type Tx struct {
	id      string
	state   TxState
	pending *composite
	done    bool

	rollbackOnly bool
	rollbackMsg  string
	rollbackErr  error
}

func newTx() *Tx {
	return &Tx{id: uuid.NewString()}
}

func (tx *Tx) ID() string         { return tx.id }
func (tx *Tx) State() TxState     { return tx.state }
func (tx *Tx) Done() bool         { return tx.done }
func (tx *Tx) RollbackOnly() bool { return tx.rollbackOnly }

// RollbackReason returns the message and error of the first event that marked
// the transaction for rollback.
func (tx *Tx) RollbackReason() (string, error) { return tx.rollbackMsg, tx.rollbackErr }

// Pending returns the number of recorded events not yet flushed.
func (tx *Tx) Pending() int {
	if tx.pending == nil {
		return 0
	}
	return tx.pending.count
}

func (tx *Tx) record(e *Event) {
	if tx.pending == nil {
		tx.pending = newComposite(tx.id)
	}
	tx.pending.push(e)
	if tx.state == StateIdle {
		tx.state = StateRecording
	}
}

func (tx *Tx) markRollbackOnly(e *Event) {
	if tx.rollbackOnly {
		return
	}
	tx.rollbackOnly = true
	tx.rollbackMsg = e.RollbackMessage()
	tx.rollbackErr = e.RollbackErr()
}

// detach hands the current recorder to the flusher; later events start a new one.
func (tx *Tx) detach() *composite {
	c := tx.pending
	tx.pending = nil
	return c
}

// TransactionStarted opens a transaction and returns a context carrying it.
func (s *Service) TransactionStarted(ctx context.Context) (context.Context, *Tx, error) {
	if s.closed.Load() {
		return ctx, nil, ErrServiceClosed
	}
	if cur, ok := TransactionFromContext(ctx); ok && !cur.done {
		return ctx, cur, ErrTransactionActive
	}
	tx := newTx()
	return WithTransaction(ctx, tx), tx, nil
}

// TransactionCommitted flushes the transaction's bundles to post-commit
// listeners. A rollback-only transaction is discarded instead and
// ErrMarkedForRollback is returned.
func (s *Service) TransactionCommitted(ctx context.Context) error {
	tx, ok := TransactionFromContext(ctx)
	if !ok || tx.done {
		return ErrNoTransaction
	}
	if tx.rollbackOnly {
		s.discard(ctx, tx)
		return ErrMarkedForRollback
	}
	s.flush(ctx, tx)
	return nil
}

// TransactionRolledBack drops the transaction's bundles. Immediate listeners
// that already ran are not undone.
func (s *Service) TransactionRolledBack(ctx context.Context) error {
	tx, ok := TransactionFromContext(ctx)
	if !ok || tx.done {
		return ErrNoTransaction
	}
	s.discard(ctx, tx)
	return nil
}

// RunInTransaction runs fn inside a new transaction, committing when fn
// succeeds and the transaction is not rollback-only, rolling back otherwise.
func (s *Service) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx, err := s.TransactionStarted(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if !tx.done {
				s.discard(txCtx, tx)
			}
			panic(r)
		}
	}()
	if err := fn(txCtx); err != nil {
		s.discard(txCtx, tx)
		return err
	}
	return s.TransactionCommitted(txCtx)
}

func (s *Service) flush(ctx context.Context, tx *Tx) {
	tx.state = StateFlushing
	s.drain(ctx, tx, tx.id)
	tx.pending = nil
	tx.state = StateIdle
	tx.done = true
}

// recorder is a pending bundle owner: a transaction or an event scope.
type recorder interface {
	ID() string
	Pending() int
	detach() *composite
}

// drain delivers r's recorded bundles until no follow-up events remain.
func (s *Service) drain(ctx context.Context, r recorder, txID string) {
	for round := 0; r.Pending() > 0; round++ {
		if round >= maxFlushRounds {
			s.logger.Warn().
				Str("recorder", r.ID()).
				Str("dropped", fmt.Sprint(r.Pending())).
				Msg("xevent: too many follow-up bundles fired during commit; dropping the rest")
			r.detach()
			return
		}
		c := r.detach()
		for _, b := range c.bundles() {
			s.metrics.bundlesFlushed.Add(1)
			s.notifyAsync(BusEvent{Type: BundleFlushed, BundleID: b.id, TransactionID: txID, Count: b.Len()})
			s.FireBundle(ctx, b)
		}
	}
}

func (s *Service) discard(ctx context.Context, tx *Tx) {
	tx.state = StateDiscarded
	if c := tx.detach(); !c.empty() {
		s.telemetry.recordDiscard(ctx, c.count)
		for _, b := range c.bundles() {
			s.metrics.bundlesDiscarded.Add(1)
			s.notifyAsync(BusEvent{Type: BundleDiscarded, BundleID: b.id, TransactionID: tx.id, Count: b.Len()})
		}
		s.logger.With(xlog.Str("tx", tx.id)).Debug().
			Str("events", fmt.Sprint(c.count)).
			Msg("xevent: transaction rolled back; bundle discarded")
	}
	tx.state = StateIdle
	tx.done = true
}

// Scope records events fired outside a transaction. A commit event fired
// under the scope flushes everything recorded so far, itself included.
// Like Tx it belongs to one goroutine.
type Scope struct {
	id       string
	pending  *composite
	flushing bool
}

func (sc *Scope) ID() string { return sc.id }

// Pending returns the number of recorded events not yet flushed.
func (sc *Scope) Pending() int {
	if sc.pending == nil {
		return 0
	}
	return sc.pending.count
}

func (sc *Scope) record(e *Event) {
	if sc.pending == nil {
		sc.pending = newComposite("")
	}
	sc.pending.push(e)
}

func (sc *Scope) detach() *composite {
	c := sc.pending
	sc.pending = nil
	return c
}

// WithEventScope returns a context whose non-transactional events are
// recorded into a new Scope instead of being dropped.
func WithEventScope(ctx context.Context) (context.Context, *Scope) {
	sc := &Scope{id: uuid.NewString()}
	return context.WithValue(ctx, scopeCtxKey, sc), sc
}

// ScopeFromContext returns the event scope attached to ctx, if any.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	if v := ctx.Value(scopeCtxKey); v != nil {
		if sc, ok := v.(*Scope); ok && sc != nil {
			return sc, true
		}
	}
	return nil, false
}

// FlushScope delivers the events recorded in ctx's scope to post-commit
// listeners, as a commit event would.
func (s *Service) FlushScope(ctx context.Context) error {
	sc, ok := ScopeFromContext(ctx)
	if !ok {
		return ErrNoScope
	}
	s.flushScope(ctx, sc)
	return nil
}

// flushScope drains sc. Commit events fired by post-commit listeners while
// it runs are picked up by the running drain.
func (s *Service) flushScope(ctx context.Context, sc *Scope) {
	if sc.flushing {
		return
	}
	sc.flushing = true
	defer func() { sc.flushing = false }()
	s.drain(ctx, sc, "")
}
