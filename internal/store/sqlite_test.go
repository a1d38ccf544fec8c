// ABOUTME: Tests for the SQLite store backend
// ABOUTME: Covers schema creation, persistence across reopen, and timestamp round-trips

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore_CreatesDatabaseFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "routing.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file should exist")
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "routing.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	owner := agentIdentity("a1", "lobby")
	client := userIdentity("u1", "conv-1")
	dest := aggregationIdentity("ops-room")

	_, err = s.AddIdentity(ctx, owner, false)
	require.NoError(t, err)
	_, err = s.AddIdentity(ctx, client, true)
	require.NoError(t, err)
	_, err = s.AddAggregationDestination(ctx, dest)
	require.NoError(t, err)
	_, err = s.AddPendingRequest(ctx, userIdentity("u2", "conv-2"))
	require.NoError(t, err)
	ok, err := s.AddConnection(ctx, owner, client)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	users, err := reopened.UserIdentities(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	bots, err := reopened.BotIdentities(ctx)
	require.NoError(t, err)
	assert.Len(t, bots, 1)

	dests, err := reopened.AggregationDestinations(ctx)
	require.NoError(t, err)
	assert.Len(t, dests, 1)

	pending, err := reopened.PendingRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	conn, err := reopened.FindConnection(ctx, client)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.True(t, conn.Owner.ExactMatch(owner))
	assert.True(t, conn.Client.ExactMatch(client))

	// The engagement survives, so a rival claim still loses.
	ok, err = reopened.AddConnection(ctx, agentIdentity("a2", "lobby-2"), client)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_TimestampsRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "routing.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	owner := agentIdentity("a1", "lobby")
	client := userIdentity("u1", "conv-1")
	_, err = s.AddIdentity(ctx, owner, false)
	require.NoError(t, err)
	_, err = s.AddIdentity(ctx, client, true)
	require.NoError(t, err)

	before := time.Now().Add(-time.Second)
	ok, err := s.AddConnection(ctx, owner, client)
	require.NoError(t, err)
	require.True(t, ok)
	after := time.Now().Add(time.Second)

	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	conn, err := reopened.FindConnection(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.True(t, conn.CreatedAt.After(before) && conn.CreatedAt.Before(after),
		"created_at should survive the round-trip with sub-second precision")
	assert.Equal(t, conn.CreatedAt, conn.LastActivityAt)
}

func TestSQLiteStore_AccountWithPipeCharacter(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "routing.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	odd := userIdentity("user|with|pipes", "conv-1")
	added, err := s.AddIdentity(ctx, odd, true)
	require.NoError(t, err)
	require.True(t, added)

	found, err := s.FindUser(ctx, "user|with|pipes", "conv-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.ExactMatch(odd))
}
