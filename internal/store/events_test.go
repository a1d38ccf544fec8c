// ABOUTME: Tests for routing change events and observer dispatch
// ABOUTME: Covers observer ordering, the func adapter, and re-entrant observers

package store

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_DispatchOrder(t *testing.T) {
	n := newNotifier(slog.Default())

	var got []string
	n.addObserver(ObserverFunc(func(e Event) {
		got = append(got, "first:"+string(e.Type))
	}))
	n.addObserver(ObserverFunc(func(e Event) {
		got = append(got, "second:"+string(e.Type))
	}))

	client := userIdentity("u1", "conv-1")
	n.dispatch([]Event{initiatedEvent(client), removedEvent(Connection{Client: client})})

	// Observers run in registration order for each event in turn.
	assert.Equal(t, []string{
		"first:initiated", "second:initiated",
		"first:removed", "second:removed",
	}, got)
}

func TestNotifier_IgnoresNilObserver(t *testing.T) {
	n := newNotifier(slog.Default())
	n.addObserver(nil)

	assert.NotPanics(t, func() {
		n.dispatch([]Event{initiatedEvent(userIdentity("u1", "conv-1"))})
	})
}

func TestNotifier_DispatchWithoutObservers(t *testing.T) {
	n := newNotifier(slog.Default())
	assert.NotPanics(t, func() {
		n.dispatch([]Event{initiatedEvent(userIdentity("u1", "conv-1"))})
	})
}

// An observer must be able to call back into the store that notified it.
func TestStore_ObserverReentrancy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	owner := agentIdentity("a1", "lobby")
	client := userIdentity("u1", "conv-1")
	require.NoError(t, addIdentities(ctx, s, owner, client))

	var seen []Connection
	s.AddObserver(ObserverFunc(func(e Event) {
		if e.Type != ChangeAdded {
			return
		}
		conns, err := s.Connections(ctx)
		require.NoError(t, err)
		seen = conns
	}))

	ok, err := s.AddConnection(ctx, owner, client)
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, seen, 1)
	assert.True(t, seen[0].Owner.ExactMatch(owner))
	assert.True(t, seen[0].Client.ExactMatch(client))
}

func addIdentities(ctx context.Context, s Store, bot Identity, users ...Identity) error {
	if _, err := s.AddIdentity(ctx, bot, false); err != nil {
		return err
	}
	for _, u := range users {
		if _, err := s.AddIdentity(ctx, u, true); err != nil {
			return err
		}
	}
	return nil
}
