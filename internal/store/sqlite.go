// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Unique indexes on connection keys enforce exclusivity across processes

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Identity kinds stored in the identities table. Users and pending requests
// are keyed by exact key, bots and aggregation destinations by channel key.
const (
	kindUser        = "user"
	kindBot         = "bot"
	kindAggregation = "aggregation"
	kindPending     = "pending"
)

const connectionColumns = `owner_endpoint, owner_channel, owner_conversation, owner_account_id, owner_account_name,
	client_endpoint, client_channel, client_conversation, client_account_id, client_account_name,
	created_at, last_activity_at`

// SQLiteStore implements the Store interface on a SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	notifier *notifier
	logger   *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// transactions from tripping over each other's write locks.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		notifier: newNotifier(logger),
		logger:   logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identities (
			kind TEXT NOT NULL,
			match_key TEXT NOT NULL,
			service_endpoint TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			account_name TEXT NOT NULL DEFAULT '',
			added_at TEXT NOT NULL,
			PRIMARY KEY (kind, match_key)
		);

		CREATE INDEX IF NOT EXISTS idx_identities_channel
			ON identities(kind, service_endpoint, channel_id, conversation_id);

		CREATE TABLE IF NOT EXISTS connections (
			owner_key TEXT NOT NULL,
			client_key TEXT NOT NULL,
			owner_endpoint TEXT NOT NULL,
			owner_channel TEXT NOT NULL,
			owner_conversation TEXT NOT NULL,
			owner_account_id TEXT NOT NULL DEFAULT '',
			owner_account_name TEXT NOT NULL DEFAULT '',
			client_endpoint TEXT NOT NULL,
			client_channel TEXT NOT NULL,
			client_conversation TEXT NOT NULL,
			client_account_id TEXT NOT NULL DEFAULT '',
			client_account_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_owner
			ON connections(owner_key);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_client
			ON connections(client_key);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// AddIdentity registers a user or bot identity.
func (s *SQLiteStore) AddIdentity(ctx context.Context, identity Identity, isUser bool) (bool, error) {
	if identity.IsZero() {
		return false, nil
	}
	if !isUser && !identity.HasAccount() {
		return false, nil
	}

	kind, matchKey := kindUser, identity.Key()
	if !isUser {
		kind, matchKey = kindBot, identity.ChannelKey()
	}
	return s.insertIdentity(ctx, kind, matchKey, identity)
}

// insertIdentity inserts one identity row, reporting false on duplicates.
func (s *SQLiteStore) insertIdentity(ctx context.Context, kind, matchKey string, identity Identity) (bool, error) {
	query := `
		INSERT OR IGNORE INTO identities
			(kind, match_key, service_endpoint, channel_id, conversation_id, account_id, account_name, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		kind,
		matchKey,
		identity.ServiceEndpoint,
		identity.ChannelID,
		identity.ConversationID,
		identity.AccountID,
		identity.AccountName,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("inserting %s identity: %w", kind, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	s.logger.Debug("added identity", "kind", kind, "identity", identity.String())
	return true, nil
}

// RemoveIdentity removes channel-matching user, bot and pending entries and
// tears down the identity's connections in one transaction.
func (s *SQLiteStore) RemoveIdentity(ctx context.Context, identity Identity) (bool, error) {
	if identity.IsZero() {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM identities
		WHERE kind IN (?, ?, ?)
		  AND service_endpoint = ? AND channel_id = ? AND conversation_id = ?
	`, kindUser, kindBot, kindPending,
		identity.ServiceEndpoint, identity.ChannelID, identity.ConversationID)
	if err != nil {
		return false, fmt.Errorf("deleting identities: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	torn, err := s.removeConnectionsTx(ctx, tx, identity, RoleAny)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing identity removal: %w", err)
	}

	events := make([]Event, 0, len(torn))
	for _, c := range torn {
		events = append(events, removedEvent(c))
	}
	s.notifier.dispatch(events)
	return deleted > 0 || len(torn) > 0, nil
}

// UserIdentities returns all registered user identities.
func (s *SQLiteStore) UserIdentities(ctx context.Context) ([]Identity, error) {
	return s.listIdentities(ctx, kindUser)
}

// BotIdentities returns all registered bot identities.
func (s *SQLiteStore) BotIdentities(ctx context.Context) ([]Identity, error) {
	return s.listIdentities(ctx, kindBot)
}

// AddAggregationDestination registers an accountless conversation reference.
func (s *SQLiteStore) AddAggregationDestination(ctx context.Context, destination Identity) (bool, error) {
	if destination.IsZero() || destination.HasAccount() {
		return false, nil
	}
	return s.insertIdentity(ctx, kindAggregation, destination.ChannelKey(), destination)
}

// RemoveAggregationDestination removes the channel-matching destination.
func (s *SQLiteStore) RemoveAggregationDestination(ctx context.Context, destination Identity) (bool, error) {
	return s.deleteIdentity(ctx, kindAggregation, destination.ChannelKey())
}

// AggregationDestinations returns all aggregation destinations.
func (s *SQLiteStore) AggregationDestinations(ctx context.Context) ([]Identity, error) {
	return s.listIdentities(ctx, kindAggregation)
}

// IsAggregationMember reports whether the identity's conversation is a
// registered aggregation destination.
func (s *SQLiteStore) IsAggregationMember(ctx context.Context, identity Identity) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM identities WHERE kind = ? AND match_key = ?)
	`, kindAggregation, identity.ChannelKey()).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("checking aggregation membership: %w", err)
	}
	return member, nil
}

// AddPendingRequest records a waiting client and emits an initiated event.
func (s *SQLiteStore) AddPendingRequest(ctx context.Context, requestor Identity) (bool, error) {
	if requestor.IsZero() {
		return false, nil
	}

	added, err := s.insertIdentity(ctx, kindPending, requestor.Key(), requestor)
	if err != nil || !added {
		return added, err
	}

	s.notifier.dispatch([]Event{initiatedEvent(requestor)})
	return true, nil
}

// RemovePendingRequest removes the exact-matching pending request.
func (s *SQLiteStore) RemovePendingRequest(ctx context.Context, requestor Identity) (bool, error) {
	return s.deleteIdentity(ctx, kindPending, requestor.Key())
}

// PendingRequests returns all pending request identities.
func (s *SQLiteStore) PendingRequests(ctx context.Context) ([]Identity, error) {
	return s.listIdentities(ctx, kindPending)
}

// AddConnection establishes a connection, consumes the pending requests in
// the client's conversation and emits an added event. The insert carries its
// own engagement check so a racing writer in another process loses cleanly.
func (s *SQLiteStore) AddConnection(ctx context.Context, owner, client Identity) (bool, error) {
	if owner.IsZero() || client.IsZero() {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	ownerKey := owner.ChannelKey()
	clientKey := client.ChannelKey()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO connections (owner_key, client_key,
			owner_endpoint, owner_channel, owner_conversation, owner_account_id, owner_account_name,
			client_endpoint, client_channel, client_conversation, client_account_id, client_account_name,
			created_at, last_activity_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM connections
			WHERE owner_key IN (?, ?) OR client_key IN (?, ?)
		)
	`, ownerKey, clientKey,
		owner.ServiceEndpoint, owner.ChannelID, owner.ConversationID, owner.AccountID, owner.AccountName,
		client.ServiceEndpoint, client.ChannelID, client.ConversationID, client.AccountID, client.AccountName,
		now, now,
		ownerKey, clientKey, ownerKey, clientKey)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting connection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	// Channel-matched: the request may carry thinner account fields than the
	// identity being connected.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM identities
		WHERE kind = ?
		  AND service_endpoint = ? AND channel_id = ? AND conversation_id = ?
	`, kindPending, client.ServiceEndpoint, client.ChannelID, client.ConversationID); err != nil {
		return false, fmt.Errorf("consuming pending requests: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("committing connection: %w", err)
	}

	s.logger.Debug("added connection", "owner", owner.String(), "client", client.String())
	s.notifier.dispatch([]Event{addedEvent(owner, client)})
	return true, nil
}

// RemoveConnection tears down the identity's connections under the given
// role, emitting a removed event per connection.
func (s *SQLiteStore) RemoveConnection(ctx context.Context, identity Identity, role Role) (int, error) {
	if identity.IsZero() {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	torn, err := s.removeConnectionsTx(ctx, tx, identity, role)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing connection removal: %w", err)
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
func (s *SQLiteStore) Connections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conns []Connection
	for rows.Next() {
		c, err := scanConnectionRow(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection rows: %w", err)
	}
	return conns, nil
}

// IsEngaged reports whether the identity participates in a connection under
// the given role.
func (s *SQLiteStore) IsEngaged(ctx context.Context, identity Identity, role Role) (bool, error) {
	key := identity.ChannelKey()

	var query string
	var args []any
	switch role {
	case RoleOwner:
		query = `SELECT EXISTS (SELECT 1 FROM connections WHERE owner_key = ?)`
		args = []any{key}
	case RoleClient:
		query = `SELECT EXISTS (SELECT 1 FROM connections WHERE client_key = ?)`
		args = []any{key}
	default:
		query = `SELECT EXISTS (SELECT 1 FROM connections WHERE owner_key = ? OR client_key = ?)`
		args = []any{key, key}
	}

	var engaged bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&engaged); err != nil {
		return false, fmt.Errorf("checking engagement: %w", err)
	}
	return engaged, nil
}

// FindConnection returns the identity's connection, owner side first.
func (s *SQLiteStore) FindConnection(ctx context.Context, identity Identity) (*Connection, error) {
	key := identity.ChannelKey()

	conn, err := s.queryConnection(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE owner_key = ?`, key)
	if err != nil || conn != nil {
		return conn, err
	}
	return s.queryConnection(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE client_key = ?`, key)
}

// FindCounterpart returns the other side of the identity's connection.
func (s *SQLiteStore) FindCounterpart(ctx context.Context, identity Identity) (*Identity, error) {
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

// UpdateLastActivity stamps the connection's last-activity time.
func (s *SQLiteStore) UpdateLastActivity(ctx context.Context, conn Connection) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE connections SET last_activity_at = ?
		WHERE owner_key = ? AND client_key = ?
	`, time.Now().UTC().Format(time.RFC3339Nano),
		conn.Owner.ChannelKey(), conn.Client.ChannelKey())
	if err != nil {
		return false, fmt.Errorf("updating last activity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FindUser returns the first user identity with the given account and
// conversation ids.
func (s *SQLiteStore) FindUser(ctx context.Context, accountID, conversationID string) (*Identity, error) {
	return s.queryIdentity(ctx, `
		SELECT service_endpoint, channel_id, conversation_id, account_id, account_name
		FROM identities
		WHERE kind = ? AND account_id = ? AND conversation_id = ?
		ORDER BY added_at LIMIT 1
	`, kindUser, accountID, conversationID)
}

// FindBot returns the bot registered in the identity's conversation.
func (s *SQLiteStore) FindBot(ctx context.Context, identity Identity) (*Identity, error) {
	return s.queryIdentity(ctx, `
		SELECT service_endpoint, channel_id, conversation_id, account_id, account_name
		FROM identities
		WHERE kind = ? AND match_key = ?
	`, kindBot, identity.ChannelKey())
}

// ResolveBotName returns the display name of the conversation's bot, or "".
func (s *SQLiteStore) ResolveBotName(ctx context.Context, identity Identity) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_name FROM identities WHERE kind = ? AND match_key = ?
	`, kindBot, identity.ChannelKey()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving bot name: %w", err)
	}
	return name, nil
}

// Clear wipes all routing state without emitting events.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM identities;
		DELETE FROM connections;
	`); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	return nil
}

// DumpConnections renders one line per connection in creation order.
func (s *SQLiteStore) DumpConnections(ctx context.Context) ([]string, error) {
	conns, err := s.Connections(ctx)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(conns))
	for _, c := range conns {
		lines = append(lines, c.String())
	}
	return lines, nil
}

// AddObserver registers an observer for routing change events.
func (s *SQLiteStore) AddObserver(o Observer) {
	s.notifier.addObserver(o)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// deleteIdentity deletes one identity row, reporting whether it existed.
func (s *SQLiteStore) deleteIdentity(ctx context.Context, kind, matchKey string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM identities WHERE kind = ? AND match_key = ?`, kind, matchKey)
	if err != nil {
		return false, fmt.Errorf("deleting %s identity: %w", kind, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// listIdentities returns all identities of one kind in insertion order.
func (s *SQLiteStore) listIdentities(ctx context.Context, kind string) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_endpoint, channel_id, conversation_id, account_id, account_name
		FROM identities WHERE kind = ? ORDER BY added_at
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("querying %s identities: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var identities []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.ServiceEndpoint, &id.ChannelID, &id.ConversationID, &id.AccountID, &id.AccountName); err != nil {
			return nil, fmt.Errorf("scanning identity row: %w", err)
		}
		identities = append(identities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identity rows: %w", err)
	}
	return identities, nil
}

// queryIdentity scans a single identity, reporting no-match as (nil, nil).
func (s *SQLiteStore) queryIdentity(ctx context.Context, query string, args ...any) (*Identity, error) {
	var id Identity
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&id.ServiceEndpoint, &id.ChannelID, &id.ConversationID, &id.AccountID, &id.AccountName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning identity: %w", err)
	}
	return &id, nil
}

// queryConnection scans a single connection, reporting no-match as (nil, nil).
func (s *SQLiteStore) queryConnection(ctx context.Context, query string, args ...any) (*Connection, error) {
	var c Connection
	var createdStr, activityStr string

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&c.Owner.ServiceEndpoint, &c.Owner.ChannelID, &c.Owner.ConversationID, &c.Owner.AccountID, &c.Owner.AccountName,
		&c.Client.ServiceEndpoint, &c.Client.ChannelID, &c.Client.ConversationID, &c.Client.AccountID, &c.Client.AccountName,
		&createdStr, &activityStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection: %w", err)
	}

	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.LastActivityAt, err = time.Parse(time.RFC3339Nano, activityStr); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return &c, nil
}

// scanConnectionRow scans a connection from sql.Rows (for list queries).
func scanConnectionRow(rows *sql.Rows) (Connection, error) {
	var c Connection
	var createdStr, activityStr string

	if err := rows.Scan(
		&c.Owner.ServiceEndpoint, &c.Owner.ChannelID, &c.Owner.ConversationID, &c.Owner.AccountID, &c.Owner.AccountName,
		&c.Client.ServiceEndpoint, &c.Client.ChannelID, &c.Client.ConversationID, &c.Client.AccountID, &c.Client.AccountName,
		&createdStr, &activityStr,
	); err != nil {
		return Connection{}, fmt.Errorf("scanning connection row: %w", err)
	}

	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return Connection{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.LastActivityAt, err = time.Parse(time.RFC3339Nano, activityStr); err != nil {
		return Connection{}, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return c, nil
}

// removeConnectionsTx selects and deletes the identity's connections under
// the given role inside the transaction, returning the removed records.
func (s *SQLiteStore) removeConnectionsTx(ctx context.Context, tx *sql.Tx, identity Identity, role Role) ([]Connection, error) {
	key := identity.ChannelKey()

	var where string
	var args []any
	switch role {
	case RoleOwner:
		where = `owner_key = ?`
		args = []any{key}
	case RoleClient:
		where = `client_key = ?`
		args = []any{key}
	default:
		where = `owner_key = ? OR client_key = ?`
		args = []any{key, key}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connections for removal: %w", err)
	}

	var torn []Connection
	for rows.Next() {
		c, err := scanConnectionRow(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		torn = append(torn, c)
	}
	iterErr := rows.Err()
	// The transaction allows one active statement at a time, so the cursor
	// must be closed before the DELETE below.
	_ = rows.Close()
	if iterErr != nil {
		return nil, fmt.Errorf("iterating connection rows: %w", iterErr)
	}
	if len(torn) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("deleting connections: %w", err)
	}
	return torn, nil
}

// isUniqueViolation checks if the error is a unique constraint violation on
// one of the connection key indexes.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
