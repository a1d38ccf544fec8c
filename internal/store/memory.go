// ABOUTME: In-memory implementation of the Store interface guarded by a RWMutex
// ABOUTME: Reference backend for tests and single-process deployments

package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with plain maps. Users and pending requests
// are keyed by exact key, bots and aggregation destinations by channel key.
// Connections are indexed twice, by owner channel key and by client channel
// key, so both lookup directions are direct hits.
//
// Events are collected while the lock is held and dispatched after it is
// released, so observers may call back into the store.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]Identity
	bots         map[string]Identity
	aggregations map[string]Identity
	pending      map[string]Identity
	byOwner      map[string][]*Connection
	byClient     map[string][]*Connection

	notifier *notifier
	logger   *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store. State does not survive a
// restart; use the SQLite or Badger backend for durability.
func NewMemoryStore() *MemoryStore {
	logger := slog.Default().With("component", "store")
	return &MemoryStore{
		users:        make(map[string]Identity),
		bots:         make(map[string]Identity),
		aggregations: make(map[string]Identity),
		pending:      make(map[string]Identity),
		byOwner:      make(map[string][]*Connection),
		byClient:     make(map[string][]*Connection),
		notifier:     newNotifier(logger),
		logger:       logger,
	}
}

// AddIdentity registers a user or bot identity.
func (s *MemoryStore) AddIdentity(ctx context.Context, identity Identity, isUser bool) (bool, error) {
	if identity.IsZero() {
		return false, nil
	}
	if !isUser && !identity.HasAccount() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isUser {
		key := identity.Key()
		if _, exists := s.users[key]; exists {
			return false, nil
		}
		s.users[key] = identity
		return true, nil
	}

	key := identity.ChannelKey()
	if _, exists := s.bots[key]; exists {
		return false, nil
	}
	s.bots[key] = identity
	return true, nil
}

// RemoveIdentity removes every channel-matching user, bot and pending entry
// and tears down the identity's connections. Aggregation destinations stay.
func (s *MemoryStore) RemoveIdentity(ctx context.Context, identity Identity) (bool, error) {
	if identity.IsZero() {
		return false, nil
	}

	s.mu.Lock()
	removed := false
	for key, u := range s.users {
		if u.ChannelMatch(identity) {
			delete(s.users, key)
			removed = true
		}
	}
	if _, ok := s.bots[identity.ChannelKey()]; ok {
		delete(s.bots, identity.ChannelKey())
		removed = true
	}
	for key, p := range s.pending {
		if p.ChannelMatch(identity) {
			delete(s.pending, key)
			removed = true
		}
	}
	torn := s.removeConnectionsLocked(identity, RoleAny)
	if len(torn) > 0 {
		removed = true
	}
	s.mu.Unlock()

	events := make([]Event, 0, len(torn))
	for _, c := range torn {
		events = append(events, removedEvent(c))
	}
	s.notifier.dispatch(events)
	return removed, nil
}

// UserIdentities returns a copy of the registered user identities.
func (s *MemoryStore) UserIdentities(ctx context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return identityValues(s.users), nil
}

// BotIdentities returns a copy of the registered bot identities.
func (s *MemoryStore) BotIdentities(ctx context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return identityValues(s.bots), nil
}

// AddAggregationDestination registers an accountless conversation reference.
func (s *MemoryStore) AddAggregationDestination(ctx context.Context, destination Identity) (bool, error) {
	if destination.IsZero() || destination.HasAccount() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := destination.ChannelKey()
	if _, exists := s.aggregations[key]; exists {
		return false, nil
	}
	s.aggregations[key] = destination
	return true, nil
}

// RemoveAggregationDestination removes the channel-matching destination.
func (s *MemoryStore) RemoveAggregationDestination(ctx context.Context, destination Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := destination.ChannelKey()
	if _, exists := s.aggregations[key]; !exists {
		return false, nil
	}
	delete(s.aggregations, key)
	return true, nil
}

// AggregationDestinations returns a copy of the aggregation destinations.
func (s *MemoryStore) AggregationDestinations(ctx context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return identityValues(s.aggregations), nil
}

// IsAggregationMember reports whether the identity's conversation is an
// aggregation destination.
func (s *MemoryStore) IsAggregationMember(ctx context.Context, identity Identity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.aggregations[identity.ChannelKey()]
	return ok, nil
}

// AddPendingRequest records a waiting client and emits an initiated event.
func (s *MemoryStore) AddPendingRequest(ctx context.Context, requestor Identity) (bool, error) {
	if requestor.IsZero() {
		return false, nil
	}

	s.mu.Lock()
	key := requestor.Key()
	if _, exists := s.pending[key]; exists {
		s.mu.Unlock()
		return false, nil
	}
	s.pending[key] = requestor
	s.mu.Unlock()

	s.notifier.dispatch([]Event{initiatedEvent(requestor)})
	return true, nil
}

// RemovePendingRequest removes the exact-matching pending request.
func (s *MemoryStore) RemovePendingRequest(ctx context.Context, requestor Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestor.Key()
	if _, exists := s.pending[key]; !exists {
		return false, nil
	}
	delete(s.pending, key)
	return true, nil
}

// PendingRequests returns a copy of the pending request identities.
func (s *MemoryStore) PendingRequests(ctx context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return identityValues(s.pending), nil
}

// AddConnection establishes a connection, consumes the pending requests in
// the client's conversation and emits an added event. Fails when either party
// is already connected in any role. Pending consumption is channel-matched
// because the request may have been filed with thinner account fields than
// the identity being connected.
func (s *MemoryStore) AddConnection(ctx context.Context, owner, client Identity) (bool, error) {
	if owner.IsZero() || client.IsZero() {
		return false, nil
	}

	s.mu.Lock()
	if s.engagedLocked(owner, RoleAny) || s.engagedLocked(client, RoleAny) {
		s.mu.Unlock()
		return false, nil
	}
	now := time.Now().UTC()
	conn := &Connection{Owner: owner, Client: client, CreatedAt: now, LastActivityAt: now}
	s.byOwner[owner.ChannelKey()] = append(s.byOwner[owner.ChannelKey()], conn)
	s.byClient[client.ChannelKey()] = append(s.byClient[client.ChannelKey()], conn)
	for key, p := range s.pending {
		if p.ChannelMatch(client) {
			delete(s.pending, key)
		}
	}
	s.mu.Unlock()

	s.notifier.dispatch([]Event{addedEvent(owner, client)})
	return true, nil
}

// RemoveConnection tears down the identity's connections under the given
// role, emitting a removed event per connection.
func (s *MemoryStore) RemoveConnection(ctx context.Context, identity Identity, role Role) (int, error) {
	if identity.IsZero() {
		return 0, nil
	}

	s.mu.Lock()
	torn := s.removeConnectionsLocked(identity, role)
	s.mu.Unlock()

	if len(torn) > 1 {
		s.logger.Warn("identity participated in multiple connections",
			"identity", identity.String(),
			"count", len(torn),
		)
	}

	events := make([]Event, 0, len(torn))
	for _, c := range torn {
		events = append(events, removedEvent(c))
	}
	s.notifier.dispatch(events)
	return len(torn), nil
}

// Connections returns a copy of the active connections.
func (s *MemoryStore) Connections(ctx context.Context) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conns []Connection
	for _, bucket := range s.byOwner {
		for _, c := range bucket {
			conns = append(conns, *c)
		}
	}
	return conns, nil
}

// IsEngaged reports whether the identity participates in a connection under
// the given role.
func (s *MemoryStore) IsEngaged(ctx context.Context, identity Identity, role Role) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engagedLocked(identity, role), nil
}

// FindConnection returns the identity's connection, owner side first.
func (s *MemoryStore) FindConnection(ctx context.Context, identity Identity) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.findConnectionLocked(identity)
	if c == nil {
		return nil, nil
	}
	conn := *c
	return &conn, nil
}

// FindCounterpart returns the other side of the identity's connection.
func (s *MemoryStore) FindCounterpart(ctx context.Context, identity Identity) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.findConnectionLocked(identity)
	if c == nil {
		return nil, nil
	}
	counterpart, ok := c.Counterpart(identity)
	if !ok {
		return nil, nil
	}
	return &counterpart, nil
}

// UpdateLastActivity stamps the connection's last-activity time.
func (s *MemoryStore) UpdateLastActivity(ctx context.Context, conn Connection) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.byOwner[conn.Owner.ChannelKey()] {
		if c.Client.ChannelMatch(conn.Client) {
			c.LastActivityAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

// FindUser returns the first user identity with the given account and
// conversation ids.
func (s *MemoryStore) FindUser(ctx context.Context, accountID, conversationID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.AccountID == accountID && u.ConversationID == conversationID {
			user := u
			return &user, nil
		}
	}
	return nil, nil
}

// FindBot returns the bot registered in the identity's conversation.
func (s *MemoryStore) FindBot(ctx context.Context, identity Identity) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.bots[identity.ChannelKey()]; ok {
		bot := b
		return &bot, nil
	}
	return nil, nil
}

// ResolveBotName returns the display name of the conversation's bot, or "".
func (s *MemoryStore) ResolveBotName(ctx context.Context, identity Identity) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.bots[identity.ChannelKey()]; ok {
		return b.AccountName, nil
	}
	return "", nil
}

// Clear wipes all routing state without emitting events.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]Identity)
	s.bots = make(map[string]Identity)
	s.aggregations = make(map[string]Identity)
	s.pending = make(map[string]Identity)
	s.byOwner = make(map[string][]*Connection)
	s.byClient = make(map[string][]*Connection)
	return nil
}

// DumpConnections renders one line per connection, sorted for stable output.
func (s *MemoryStore) DumpConnections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lines []string
	for _, bucket := range s.byOwner {
		for _, c := range bucket {
			lines = append(lines, c.String())
		}
	}
	sort.Strings(lines)
	return lines, nil
}

// AddObserver registers an observer for routing change events.
func (s *MemoryStore) AddObserver(o Observer) {
	s.notifier.addObserver(o)
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// engagedLocked reports engagement under the given role. Must be called with
// mu held.
func (s *MemoryStore) engagedLocked(identity Identity, role Role) bool {
	key := identity.ChannelKey()
	switch role {
	case RoleOwner:
		return len(s.byOwner[key]) > 0
	case RoleClient:
		return len(s.byClient[key]) > 0
	default:
		return len(s.byOwner[key]) > 0 || len(s.byClient[key]) > 0
	}
}

// findConnectionLocked returns the identity's connection, checking the owner
// index before the client index. Must be called with mu held.
func (s *MemoryStore) findConnectionLocked(identity Identity) *Connection {
	key := identity.ChannelKey()
	if conns := s.byOwner[key]; len(conns) > 0 {
		return conns[0]
	}
	if conns := s.byClient[key]; len(conns) > 0 {
		return conns[0]
	}
	return nil
}

// removeConnectionsLocked detaches every connection the identity participates
// in under the given role from both indices and returns copies of the removed
// records. Must be called with mu held.
func (s *MemoryStore) removeConnectionsLocked(identity Identity, role Role) []Connection {
	key := identity.ChannelKey()
	var victims []*Connection

	if role == RoleOwner || role == RoleAny {
		victims = append(victims, s.byOwner[key]...)
	}
	if role == RoleClient || role == RoleAny {
		for _, c := range s.byClient[key] {
			if !containsConnection(victims, c) {
				victims = append(victims, c)
			}
		}
	}

	removed := make([]Connection, 0, len(victims))
	for _, c := range victims {
		s.detachLocked(c)
		removed = append(removed, *c)
	}
	return removed
}

// detachLocked removes one connection from both indices. Must be called with
// mu held.
func (s *MemoryStore) detachLocked(conn *Connection) {
	ownerKey := conn.Owner.ChannelKey()
	clientKey := conn.Client.ChannelKey()

	s.byOwner[ownerKey] = withoutConnection(s.byOwner[ownerKey], conn)
	if len(s.byOwner[ownerKey]) == 0 {
		delete(s.byOwner, ownerKey)
	}
	s.byClient[clientKey] = withoutConnection(s.byClient[clientKey], conn)
	if len(s.byClient[clientKey]) == 0 {
		delete(s.byClient, clientKey)
	}
}

func identityValues(m map[string]Identity) []Identity {
	out := make([]Identity, 0, len(m))
	for _, id := range m {
		out = append(out, id)
	}
	return out
}

func containsConnection(conns []*Connection, target *Connection) bool {
	for _, c := range conns {
		if c == target {
			return true
		}
	}
	return false
}

func withoutConnection(conns []*Connection, target *Connection) []*Connection {
	out := conns[:0]
	for _, c := range conns {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}
