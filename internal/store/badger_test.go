// ABOUTME: Tests for the Badger store backend
// ABOUTME: Covers persistence across reopen and conflict-retry behavior under contention

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	require.NoError(t, err)

	owner := agentIdentity("a1", "lobby")
	client := userIdentity("u1", "conv-1")

	_, err = s.AddIdentity(ctx, owner, false)
	require.NoError(t, err)
	_, err = s.AddIdentity(ctx, client, true)
	require.NoError(t, err)
	_, err = s.AddAggregationDestination(ctx, aggregationIdentity("ops-room"))
	require.NoError(t, err)
	ok, err := s.AddConnection(ctx, owner, client)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Close())

	reopened, err := NewBadgerStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	bots, err := reopened.BotIdentities(ctx)
	require.NoError(t, err)
	assert.Len(t, bots, 1)

	dests, err := reopened.AggregationDestinations(ctx)
	require.NoError(t, err)
	assert.Len(t, dests, 1)

	conn, err := reopened.FindConnection(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.True(t, conn.Client.ExactMatch(client))

	// Both lookup directions survive because the record is stored under
	// the owner and client keys.
	counterpart, err := reopened.FindCounterpart(ctx, client)
	require.NoError(t, err)
	require.NotNil(t, counterpart)
	assert.True(t, counterpart.ExactMatch(owner))
}

func TestBadgerStore_RetriesConflictedTransactions(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	attempts := 0
	err = s.update(func(txn *badger.Txn) error {
		attempts++
		if attempts < 3 {
			return badger.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestBadgerStore_GivesUpAfterBoundedRetries(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	attempts := 0
	err = s.update(func(txn *badger.Txn) error {
		attempts++
		return badger.ErrConflict
	})
	require.ErrorIs(t, err, badger.ErrConflict)
	assert.Equal(t, conflictRetries, attempts)
}

func TestBadgerStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()

	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := userIdentity("u", string(rune('a'+n)))
			_, err := s.AddPendingRequest(ctx, id)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pending, err := s.PendingRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, writers)
}

func TestBadgerStore_ClearDropsEverything(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	require.NoError(t, err)

	owner := agentIdentity("a1", "lobby")
	client := userIdentity("u1", "conv-1")
	_, err = s.AddIdentity(ctx, owner, false)
	require.NoError(t, err)
	_, err = s.AddIdentity(ctx, client, true)
	require.NoError(t, err)
	ok, err := s.AddConnection(ctx, owner, client)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Close())

	// The wipe is durable, not a cache artifact.
	reopened, err := NewBadgerStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	users, err := reopened.UserIdentities(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	conns, err := reopened.Connections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
}
