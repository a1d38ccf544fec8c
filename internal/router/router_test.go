// ABOUTME: Tests for the routing engine
// ABOUTME: Verifies outcomes, redirection fields, and the exactly-one-send guarantee

package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

// mockSender implements Sender for testing
type mockSender struct {
	err        error
	calls      int
	lastTarget store.Identity
	lastMsg    *Message
}

func (m *mockSender) Send(ctx context.Context, target store.Identity, msg *Message) (*Receipt, error) {
	m.calls++
	m.lastTarget = target
	m.lastMsg = msg
	if m.err != nil {
		return nil, m.err
	}
	return &Receipt{MessageID: msg.ID, DeliveredAt: time.Now()}, nil
}

// fakeConnections implements ConnectionStore with canned answers
type fakeConnections struct {
	conn      *store.Connection
	findErr   error
	updateOK  bool
	updateErr error
	updates   int
}

func (f *fakeConnections) FindConnection(ctx context.Context, identity store.Identity) (*store.Connection, error) {
	return f.conn, f.findErr
}

func (f *fakeConnections) UpdateLastActivity(ctx context.Context, conn store.Connection) (bool, error) {
	f.updates++
	return f.updateOK, f.updateErr
}

func webUser(account string) store.Identity {
	return store.Identity{
		ServiceEndpoint: "https://chat.example.com/api",
		ChannelID:       "webchat",
		ConversationID:  "conv-1",
		AccountID:       account,
	}
}

func hubAgent(account string) store.Identity {
	return store.Identity{
		ServiceEndpoint: "https://agents.example.com/api",
		ChannelID:       "agenthub",
		ConversationID:  "lobby",
		AccountID:       account,
	}
}

func connectedStore(t *testing.T, owner, client store.Identity) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.AddIdentity(ctx, owner, false)
	require.NoError(t, err)
	_, err = s.AddIdentity(ctx, client, true)
	require.NoError(t, err)
	ok, err := s.AddConnection(ctx, owner, client)
	require.NoError(t, err)
	require.True(t, ok)
	return s
}

func TestRouter_DeliversToCounterpart(t *testing.T) {
	ctx := context.Background()
	owner := hubAgent("a1")
	client := webUser("u1")
	s := connectedStore(t, owner, client)
	sender := &mockSender{}
	r := New(s, sender, nil)

	msg := &Message{
		ID:          "m1",
		Text:        "hello there",
		From:        client,
		Attachments: []Attachment{{ContentType: "image/png", URL: "https://cdn.example.com/x.png"}},
		Metadata:    map[string]string{"platform_ts": "12345"},
		CreatedAt:   time.Now(),
	}

	result := r.RouteIfConnected(ctx, msg, client)

	require.Equal(t, OutcomeRouted, result.Outcome)
	require.NotNil(t, result.Connection)
	assert.Equal(t, 1, sender.calls)
	assert.True(t, sender.lastTarget.ExactMatch(owner))

	// The forwarded clone is redirected at the counterpart.
	forwarded := sender.lastMsg
	require.NotNil(t, forwarded)
	assert.True(t, forwarded.Recipient.ExactMatch(owner))
	assert.Empty(t, forwarded.From.AccountID)
	assert.Equal(t, "hello there", forwarded.Text)
	assert.Equal(t, msg.Attachments, forwarded.Attachments)
	assert.Equal(t, msg.Metadata, forwarded.Metadata)

	// The caller's message is untouched.
	assert.Equal(t, "u1", msg.From.AccountID)
	assert.True(t, msg.Recipient.IsZero())
}

func TestRouter_RoutesOwnerToClient(t *testing.T) {
	ctx := context.Background()
	owner := hubAgent("a1")
	client := webUser("u1")
	s := connectedStore(t, owner, client)
	sender := &mockSender{}
	r := New(s, sender, nil)

	result := r.RouteIfConnected(ctx, &Message{ID: "m1", Text: "agent reply", From: owner}, owner)

	require.Equal(t, OutcomeRouted, result.Outcome)
	assert.True(t, sender.lastTarget.ExactMatch(client))
}

func TestRouter_ChannelMatchingLookup(t *testing.T) {
	ctx := context.Background()
	owner := hubAgent("a1")
	client := webUser("u1")
	s := connectedStore(t, owner, client)
	sender := &mockSender{}
	r := New(s, sender, nil)

	// Platform adapters often deliver a thinner identity than was stored.
	thin := client
	thin.AccountID = ""
	thin.AccountName = ""

	result := r.RouteIfConnected(ctx, &Message{ID: "m1", Text: "hi", From: thin}, thin)

	require.Equal(t, OutcomeRouted, result.Outcome)
	assert.True(t, sender.lastTarget.ExactMatch(owner))
}

func TestRouter_NoConnectionTakesNoAction(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	sender := &mockSender{}
	r := New(s, sender, nil)

	stranger := webUser("nobody")
	result := r.RouteIfConnected(ctx, &Message{ID: "m1", Text: "hi", From: stranger}, stranger)

	assert.Equal(t, OutcomeNoAction, result.Outcome)
	assert.Nil(t, result.Connection)
	assert.Equal(t, 0, sender.calls, "no connection must mean zero sends")
}

func TestRouter_DeliveryFailureKeepsConnection(t *testing.T) {
	ctx := context.Background()
	owner := hubAgent("a1")
	client := webUser("u1")
	s := connectedStore(t, owner, client)
	sender := &mockSender{err: errors.New("webhook returned 503")}
	r := New(s, sender, nil)

	before, err := s.FindConnection(ctx, client)
	require.NoError(t, err)
	require.NotNil(t, before)

	result := r.RouteIfConnected(ctx, &Message{ID: "m1", Text: "hi", From: client}, client)

	require.Equal(t, OutcomeDeliveryFailed, result.Outcome)
	require.NotNil(t, result.Connection)
	assert.Contains(t, result.Detail, "webhook returned 503")

	after, err := s.FindConnection(ctx, client)
	require.NoError(t, err)
	require.NotNil(t, after, "one failed message must not tear down the connection")
	assert.Equal(t, before.LastActivityAt, after.LastActivityAt)
}

func TestRouter_SuccessAdvancesActivity(t *testing.T) {
	ctx := context.Background()
	owner := hubAgent("a1")
	client := webUser("u1")
	s := connectedStore(t, owner, client)
	r := New(s, &mockSender{}, nil)

	before, err := s.FindConnection(ctx, client)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	result := r.RouteIfConnected(ctx, &Message{ID: "m1", Text: "hi", From: client}, client)
	require.Equal(t, OutcomeRouted, result.Outcome)

	after, err := s.FindConnection(ctx, client)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestRouter_StoreFaultIsError(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConnections{findErr: errors.New("database is locked")}
	sender := &mockSender{}
	r := New(fake, sender, nil)

	client := webUser("u1")
	result := r.RouteIfConnected(ctx, &Message{ID: "m1", From: client}, client)

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Contains(t, result.Detail, "database is locked")
	assert.Equal(t, 0, sender.calls)
}

func TestRouter_UnresolvableCounterpartIsError(t *testing.T) {
	ctx := context.Background()
	// A connection neither side of which matches the sender should be
	// impossible, so the router reports it as an internal error.
	fake := &fakeConnections{conn: &store.Connection{
		Owner:  hubAgent("a1"),
		Client: webUser("u1"),
	}}
	sender := &mockSender{}
	r := New(fake, sender, nil)

	outsider := store.Identity{
		ServiceEndpoint: "https://other.example.com",
		ChannelID:       "sms",
		ConversationID:  "thread-9",
		AccountID:       "x",
	}
	result := r.RouteIfConnected(ctx, &Message{ID: "m1", From: outsider}, outsider)

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, "failed to find the recipient", result.Detail)
	assert.Equal(t, 0, sender.calls)
}

func TestRouter_ActivityUpdateFailureDoesNotChangeResult(t *testing.T) {
	ctx := context.Background()
	owner := hubAgent("a1")
	client := webUser("u1")
	fake := &fakeConnections{
		conn:      &store.Connection{Owner: owner, Client: client, CreatedAt: time.Now(), LastActivityAt: time.Now()},
		updateErr: errors.New("connection vanished"),
	}
	r := New(fake, &mockSender{}, nil)

	result := r.RouteIfConnected(ctx, &Message{ID: "m1", From: client}, client)

	assert.Equal(t, OutcomeRouted, result.Outcome)
	assert.Equal(t, 1, fake.updates)
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	original := &Message{
		ID:          "m1",
		Text:        "hello",
		Attachments: []Attachment{{ContentType: "image/png", URL: "u"}},
		Metadata:    map[string]string{"k": "v"},
	}

	clone := original.Clone()
	clone.Attachments[0].URL = "changed"
	clone.Metadata["k"] = "changed"

	assert.Equal(t, "u", original.Attachments[0].URL)
	assert.Equal(t, "v", original.Metadata["k"])
}

func TestMessage_CloneNilCollections(t *testing.T) {
	clone := (&Message{ID: "m1"}).Clone()
	assert.Nil(t, clone.Attachments)
	assert.Nil(t, clone.Metadata)
}
