// ABOUTME: Badger implementation of the Store interface with prefix-structured keys
// ABOUTME: Exact keys extend channel keys so channel matching is a prefix scan

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes. Identity values are keyed by exact key (users, pending) or
// channel key (bots, aggregations). Each connection is stored twice, under
// its owner's channel key and under its client's channel key, written
// together in one transaction.
const (
	prefixUser        = "id:user:"
	prefixBot         = "id:bot:"
	prefixAggregation = "id:aggregation:"
	prefixPending     = "id:pending:"
	prefixConnOwner   = "conn:owner:"
	prefixConnClient  = "conn:client:"
)

// conflictRetries bounds how often a mutation is retried when Badger's
// serializable isolation aborts it. Each retry re-reads state, so a mutation
// that lost a race settles into a clean rejection.
const conflictRetries = 5

// BadgerStore implements the Store interface on an embedded Badger database.
type BadgerStore struct {
	db       *badger.DB
	notifier *notifier
	logger   *slog.Logger
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) a Badger database in the given directory.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	logger.Info("Badger store initialized", "dir", dir)
	return &BadgerStore{
		db:       db,
		notifier: newNotifier(logger),
		logger:   logger,
	}, nil
}

func userKey(id Identity) []byte        { return []byte(prefixUser + id.Key()) }
func botKey(id Identity) []byte         { return []byte(prefixBot + id.ChannelKey()) }
func aggregationKey(id Identity) []byte { return []byte(prefixAggregation + id.ChannelKey()) }
func pendingKey(id Identity) []byte     { return []byte(prefixPending + id.Key()) }
func connOwnerKey(id Identity) []byte   { return []byte(prefixConnOwner + id.ChannelKey()) }
func connClientKey(id Identity) []byte  { return []byte(prefixConnClient + id.ChannelKey()) }

// channelScanPrefix narrows a prefix scan to one conversation. The trailing
// separator keeps a conversation id from matching its own extensions.
func channelScanPrefix(prefix string, id Identity) []byte {
	return []byte(prefix + id.ChannelKey() + "|")
}

// AddIdentity registers a user or bot identity.
func (s *BadgerStore) AddIdentity(ctx context.Context, identity Identity, isUser bool) (bool, error) {
	if identity.IsZero() {
		return false, nil
	}
	if !isUser && !identity.HasAccount() {
		return false, nil
	}

	key := userKey(identity)
	if !isUser {
		key = botKey(identity)
	}
	return s.insertIdentity(key, identity)
}

// RemoveIdentity removes channel-matching user, bot and pending entries and
// tears down the identity's connections in one transaction.
func (s *BadgerStore) RemoveIdentity(ctx context.Context, identity Identity) (bool, error) {
	if identity.IsZero() {
		return false, nil
	}

	var removed bool
	var torn []Connection
	err := s.update(func(txn *badger.Txn) error {
		removed, torn = false, nil

		for _, prefix := range [][]byte{
			channelScanPrefix(prefixUser, identity),
			channelScanPrefix(prefixPending, identity),
		} {
			keys, err := keysWithPrefix(txn, prefix)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
				removed = true
			}
		}

		deleted, err := deleteIfPresent(txn, botKey(identity))
		if err != nil {
			return err
		}
		removed = removed || deleted

		torn, err = removeConnectionsTxn(txn, identity, RoleAny)
		if err != nil {
			return err
		}
		removed = removed || len(torn) > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("removing identity: %w", err)
	}

	events := make([]Event, 0, len(torn))
	for _, c := range torn {
		events = append(events, removedEvent(c))
	}
	s.notifier.dispatch(events)
	return removed, nil
}

// UserIdentities returns all registered user identities.
func (s *BadgerStore) UserIdentities(ctx context.Context) ([]Identity, error) {
	return s.listIdentities(prefixUser)
}

// BotIdentities returns all registered bot identities.
func (s *BadgerStore) BotIdentities(ctx context.Context) ([]Identity, error) {
	return s.listIdentities(prefixBot)
}

// AddAggregationDestination registers an accountless conversation reference.
func (s *BadgerStore) AddAggregationDestination(ctx context.Context, destination Identity) (bool, error) {
	if destination.IsZero() || destination.HasAccount() {
		return false, nil
	}
	return s.insertIdentity(aggregationKey(destination), destination)
}

// RemoveAggregationDestination removes the channel-matching destination.
func (s *BadgerStore) RemoveAggregationDestination(ctx context.Context, destination Identity) (bool, error) {
	return s.deleteIdentity(aggregationKey(destination))
}

// AggregationDestinations returns all aggregation destinations.
func (s *BadgerStore) AggregationDestinations(ctx context.Context) ([]Identity, error) {
	return s.listIdentities(prefixAggregation)
}

// IsAggregationMember reports whether the identity's conversation is a
// registered aggregation destination.
func (s *BadgerStore) IsAggregationMember(ctx context.Context, identity Identity) (bool, error) {
	var member bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(aggregationKey(identity))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		member = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking aggregation membership: %w", err)
	}
	return member, nil
}

// AddPendingRequest records a waiting client and emits an initiated event.
func (s *BadgerStore) AddPendingRequest(ctx context.Context, requestor Identity) (bool, error) {
	if requestor.IsZero() {
		return false, nil
	}

	added, err := s.insertIdentity(pendingKey(requestor), requestor)
	if err != nil || !added {
		return added, err
	}

	s.notifier.dispatch([]Event{initiatedEvent(requestor)})
	return true, nil
}

// RemovePendingRequest removes the exact-matching pending request.
func (s *BadgerStore) RemovePendingRequest(ctx context.Context, requestor Identity) (bool, error) {
	return s.deleteIdentity(pendingKey(requestor))
}

// PendingRequests returns all pending request identities.
func (s *BadgerStore) PendingRequests(ctx context.Context) ([]Identity, error) {
	return s.listIdentities(prefixPending)
}

// AddConnection establishes a connection, consumes the pending requests in
// the client's conversation and emits an added event. A conflict-aborted
// transaction retries and finds the winner's records, so racing connects
// settle to one success.
func (s *BadgerStore) AddConnection(ctx context.Context, owner, client Identity) (bool, error) {
	if owner.IsZero() || client.IsZero() {
		return false, nil
	}

	var added bool
	err := s.update(func(txn *badger.Txn) error {
		added = false

		for _, key := range [][]byte{
			connOwnerKey(owner), connClientKey(owner),
			connOwnerKey(client), connClientKey(client),
		} {
			_, err := txn.Get(key)
			if err == nil {
				return nil // a party is already engaged
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		now := time.Now().UTC()
		conn := Connection{Owner: owner, Client: client, CreatedAt: now, LastActivityAt: now}
		data, err := json.Marshal(conn)
		if err != nil {
			return fmt.Errorf("encoding connection: %w", err)
		}

		if err := txn.Set(connOwnerKey(owner), data); err != nil {
			return err
		}
		if err := txn.Set(connClientKey(client), data); err != nil {
			return err
		}

		// Channel-matched: the request may carry thinner account fields
		// than the identity being connected.
		stale, err := keysWithPrefix(txn, channelScanPrefix(prefixPending, client))
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("adding connection: %w", err)
	}
	if !added {
		return false, nil
	}

	s.logger.Debug("added connection", "owner", owner.String(), "client", client.String())
	s.notifier.dispatch([]Event{addedEvent(owner, client)})
	return true, nil
}

// RemoveConnection tears down the identity's connections under the given
// role, emitting a removed event per connection.
func (s *BadgerStore) RemoveConnection(ctx context.Context, identity Identity, role Role) (int, error) {
	if identity.IsZero() {
		return 0, nil
	}

	var torn []Connection
	err := s.update(func(txn *badger.Txn) error {
		var err error
		torn, err = removeConnectionsTxn(txn, identity, role)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("removing connection: %w", err)
	}

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

// Connections returns all active connections.
func (s *BadgerStore) Connections(ctx context.Context) ([]Connection, error) {
	var conns []Connection
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixConnOwner)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c Connection
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &c)
			}); err != nil {
				return fmt.Errorf("decoding connection: %w", err)
			}
			conns = append(conns, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	return conns, nil
}

// IsEngaged reports whether the identity participates in a connection under
// the given role.
func (s *BadgerStore) IsEngaged(ctx context.Context, identity Identity, role Role) (bool, error) {
	var keys [][]byte
	switch role {
	case RoleOwner:
		keys = [][]byte{connOwnerKey(identity)}
	case RoleClient:
		keys = [][]byte{connClientKey(identity)}
	default:
		keys = [][]byte{connOwnerKey(identity), connClientKey(identity)}
	}

	var engaged bool
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			_, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			engaged = true
			return nil
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking engagement: %w", err)
	}
	return engaged, nil
}

// FindConnection returns the identity's connection, owner side first.
func (s *BadgerStore) FindConnection(ctx context.Context, identity Identity) (*Connection, error) {
	var conn *Connection
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		conn, err = getConnection(txn, connOwnerKey(identity))
		if err != nil || conn != nil {
			return err
		}
		conn, err = getConnection(txn, connClientKey(identity))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finding connection: %w", err)
	}
	return conn, nil
}

// FindCounterpart returns the other side of the identity's connection.
func (s *BadgerStore) FindCounterpart(ctx context.Context, identity Identity) (*Identity, error) {
	conn, err := s.FindConnection(ctx, identity)
	if err != nil || conn == nil {
		return nil, err
	}
	counterpart, ok := conn.Counterpart(identity)
	if !ok {
		return nil, nil
	}
	return &counterpart, nil
}

// UpdateLastActivity stamps the connection's last-activity time, rewriting
// both stored copies in one transaction.
func (s *BadgerStore) UpdateLastActivity(ctx context.Context, conn Connection) (bool, error) {
	var updated bool
	err := s.update(func(txn *badger.Txn) error {
		updated = false

		live, err := getConnection(txn, connOwnerKey(conn.Owner))
		if err != nil {
			return err
		}
		if live == nil || !live.Client.ChannelMatch(conn.Client) {
			return nil
		}

		live.LastActivityAt = time.Now().UTC()
		data, err := json.Marshal(live)
		if err != nil {
			return fmt.Errorf("encoding connection: %w", err)
		}
		if err := txn.Set(connOwnerKey(live.Owner), data); err != nil {
			return err
		}
		if err := txn.Set(connClientKey(live.Client), data); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("updating last activity: %w", err)
	}
	return updated, nil
}

// FindUser returns the first user identity with the given account and
// conversation ids.
func (s *BadgerStore) FindUser(ctx context.Context, accountID, conversationID string) (*Identity, error) {
	users, err := s.listIdentities(prefixUser)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.AccountID == accountID && u.ConversationID == conversationID {
			user := u
			return &user, nil
		}
	}
	return nil, nil
}

// FindBot returns the bot registered in the identity's conversation.
func (s *BadgerStore) FindBot(ctx context.Context, identity Identity) (*Identity, error) {
	var bot *Identity
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		bot, err = getIdentity(txn, botKey(identity))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finding bot: %w", err)
	}
	return bot, nil
}

// ResolveBotName returns the display name of the conversation's bot, or "".
func (s *BadgerStore) ResolveBotName(ctx context.Context, identity Identity) (string, error) {
	bot, err := s.FindBot(ctx, identity)
	if err != nil || bot == nil {
		return "", err
	}
	return bot.AccountName, nil
}

// Clear wipes all routing state without emitting events.
func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := s.db.DropPrefix([]byte("id:"), []byte("conn:")); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	return nil
}

// DumpConnections renders one line per connection, sorted for stable output.
func (s *BadgerStore) DumpConnections(ctx context.Context) ([]string, error) {
	conns, err := s.Connections(ctx)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(conns))
	for _, c := range conns {
		lines = append(lines, c.String())
	}
	sort.Strings(lines)
	return lines, nil
}

// AddObserver registers an observer for routing change events.
func (s *BadgerStore) AddObserver(o Observer) {
	s.notifier.addObserver(o)
}

// Close releases the database handle.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying a bounded number of
// times when serializable isolation aborts it. fn must reset any captured
// results at its start because a retry re-runs it from scratch.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// insertIdentity stores an identity value at key unless one is already there.
func (s *BadgerStore) insertIdentity(key []byte, identity Identity) (bool, error) {
	data, err := json.Marshal(identity)
	if err != nil {
		return false, fmt.Errorf("encoding identity: %w", err)
	}

	var added bool
	err = s.update(func(txn *badger.Txn) error {
		added = false
		_, err := txn.Get(key)
		if err == nil {
			return nil // duplicate
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("storing identity: %w", err)
	}
	return added, nil
}

// deleteIdentity removes the key, reporting whether it existed.
func (s *BadgerStore) deleteIdentity(key []byte) (bool, error) {
	var deleted bool
	err := s.update(func(txn *badger.Txn) error {
		var err error
		deleted, err = deleteIfPresent(txn, key)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("deleting identity: %w", err)
	}
	return deleted, nil
}

// listIdentities returns all identity values stored under the prefix.
func (s *BadgerStore) listIdentities(prefix string) ([]Identity, error) {
	var identities []Identity
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var id Identity
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &id)
			}); err != nil {
				return fmt.Errorf("decoding identity: %w", err)
			}
			identities = append(identities, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	return identities, nil
}

// getIdentity reads one identity value, reporting no-match as (nil, nil).
func getIdentity(txn *badger.Txn, key []byte) (*Identity, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var id Identity
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &id)
	}); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	return &id, nil
}

// getConnection reads one connection value, reporting no-match as (nil, nil).
func getConnection(txn *badger.Txn, key []byte) (*Connection, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var c Connection
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &c)
	}); err != nil {
		return nil, fmt.Errorf("decoding connection: %w", err)
	}
	return &c, nil
}

// removeConnectionsTxn deletes both stored copies of every connection the
// identity participates in under the given role. Later lookups in the same
// transaction see the deletes, so a connection is never collected twice.
func removeConnectionsTxn(txn *badger.Txn, identity Identity, role Role) ([]Connection, error) {
	var keys [][]byte
	if role == RoleOwner || role == RoleAny {
		keys = append(keys, connOwnerKey(identity))
	}
	if role == RoleClient || role == RoleAny {
		keys = append(keys, connClientKey(identity))
	}

	var torn []Connection
	for _, key := range keys {
		c, err := getConnection(txn, key)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		if err := txn.Delete(connOwnerKey(c.Owner)); err != nil {
			return nil, err
		}
		if err := txn.Delete(connClientKey(c.Client)); err != nil {
			return nil, err
		}
		torn = append(torn, *c)
	}
	return torn, nil
}

// keysWithPrefix collects the keys under a prefix so they can be deleted
// after the iterator is closed.
func keysWithPrefix(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

// deleteIfPresent deletes the key, reporting whether it existed.
func deleteIfPresent(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := txn.Delete(key); err != nil {
		return false, err
	}
	return true, nil
}
