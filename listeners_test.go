package xevent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopListener() Listener {
	return ListenerFunc(func(context.Context, *Event) error { return nil })
}

func nopPostCommit() PostCommitListener {
	return PostCommitListenerFunc(func(context.Context, *Bundle) error { return nil })
}

func TestListenerKind(t *testing.T) {
	assert.Equal(t, "immediate", KindImmediate.String())
	assert.Equal(t, "postcommit-sync", KindPostCommitSync.String())
	assert.Equal(t, "postcommit-async", KindPostCommitAsync.String())
	assert.Equal(t, "kind(9)", ListenerKind(9).String())
	assert.False(t, KindImmediate.IsPostCommit())
	assert.True(t, KindPostCommitAsync.IsPostCommit())
}

func TestRegistry_SnapshotsSplitByKindInOrder(t *testing.T) {
	r := newListenerRegistry(nil)
	require.NoError(t, r.add(Descriptor{Name: "late", Priority: 10, Listener: nopListener()}))
	require.NoError(t, r.add(Descriptor{Name: "early", Priority: -1, Listener: nopListener()}))
	require.NoError(t, r.add(Descriptor{Name: "sync", Kind: KindPostCommitSync, Listener: nopPostCommit()}))
	require.NoError(t, r.add(Descriptor{Name: "async", Kind: KindPostCommitAsync, Listener: nopPostCommit()}))

	before := r.load()
	names := func(es []*entry) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.name)
		}
		return out
	}
	assert.Equal(t, []string{"early", "late"}, names(before.immediate))
	assert.Equal(t, []string{"sync"}, names(before.postSync))
	assert.Equal(t, []string{"async"}, names(before.postAsync))
	assert.Equal(t, []string{"early", "sync", "async", "late"}, names(before.all))

	// published snapshots are never mutated by later writes
	require.True(t, r.setEnabled("late", false))
	assert.True(t, before.byName["late"].enabled)
	assert.Equal(t, []string{"early"}, names(r.load().immediate))
	assert.Len(t, r.load().all, 4)

	require.True(t, r.remove("sync"))
	assert.Len(t, before.postSync, 1)
	assert.Empty(t, r.load().postSync)
}

func TestRegistry_EventFilter(t *testing.T) {
	r := newListenerRegistry(nil)
	require.NoError(t, r.add(Descriptor{Name: "some", Events: []string{"b", "a"}, Kind: KindPostCommitSync, Listener: nopPostCommit()}))
	require.NoError(t, r.add(Descriptor{Name: "all", Events: []string{"a", Wildcard}, Listener: nopListener()}))

	snap := r.load()
	some, all := snap.byName["some"], snap.byName["all"]
	assert.True(t, some.accepts("a"))
	assert.False(t, some.accepts("c"))
	assert.True(t, all.accepts("anything"))

	ec := NewEventContext(nil)
	assert.True(t, some.acceptsBundle(NewBundle(ec.NewEvent("c"), ec.NewEvent("b"))))
	assert.False(t, some.acceptsBundle(NewBundle(ec.NewEvent("c"))))

	assert.Equal(t, []string{"a", "b"}, some.descriptor().Events)
	assert.Equal(t, []string{Wildcard}, all.descriptor().Events)
}

func TestRegistry_ReplaceKeepsPosition(t *testing.T) {
	r := newListenerRegistry(nil)
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, r.add(Descriptor{Name: n, Listener: nopListener()}))
	}
	require.NoError(t, r.add(Descriptor{Name: "a", Listener: nopListener()}))

	var got []string
	for _, e := range r.load().immediate {
		got = append(got, e.name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRegistry_UnknownKind(t *testing.T) {
	r := newListenerRegistry(nil)
	err := r.add(Descriptor{Name: "x", Kind: ListenerKind(7), Listener: nopListener()})
	assert.ErrorIs(t, err, ErrInvalidListener)
	assert.False(t, r.remove("x"))
	assert.False(t, r.setEnabled("x", true))
}

func TestRegistry_ChurnDuringDispatch(t *testing.T) {
	var events, bundles atomic.Int32
	s := newTestService(t, func(sb *ServiceBuilder) {
		sb.WithListener(
			immediateListener("stable", 0, nil, func(context.Context, *Event) error {
				events.Add(1)
				return nil
			}),
			postCommitListener("stable-commit", KindPostCommitSync, func(context.Context, *Bundle) error {
				bundles.Add(1)
				return nil
			}),
		)
	})

	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			name := fmt.Sprintf("churn-%d", i%4)
			if err := s.AddEventListener(immediateListener(name, i%3-1, nil, func(context.Context, *Event) error { return nil })); err != nil {
				t.Error(err)
				return
			}
			s.SetListenerEnabled(name, i%2 == 0)
			s.SetListenerEnabled("stable", true)
			if i%3 == 0 {
				s.RemoveEventListener(name)
			}
		}
	}()

	const workers, perWorker = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
					return s.Fire(ctx, "tick", testContext())
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-churned

	assert.Equal(t, int32(workers*perWorker), events.Load())
	assert.Equal(t, int32(workers*perWorker), bundles.Load())
	_, ok := s.Listener("stable")
	assert.True(t, ok)
}
