// ABOUTME: Store interface for routing state: identities, pending requests, connections
// ABOUTME: Rejections surface as result values; errors are reserved for backend faults

package store

import (
	"context"
)

// Role selects which side of a connection an identity is matched against.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleClient Role = "client"
	RoleAny    Role = "any"
)

// ParseRole maps a wire string to a Role. Empty input defaults to RoleAny.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "owner":
		return RoleOwner, true
	case "client":
		return RoleClient, true
	case "any", "":
		return RoleAny, true
	default:
		return "", false
	}
}

// Store holds the broker's routing state: the registered user and bot
// identities, the aggregation destinations that receive request
// announcements, the pending requests, and the active connections.
//
// Every operation that can be refused for a domain reason (duplicate,
// missing, invalid argument) reports that through its first result value and
// returns a nil error. A non-nil error always means the backend itself
// failed. Finders report no-match as (nil, nil).
//
// Implementations must make each mutation atomic: when two goroutines race to
// connect the same client to different owners, exactly one AddConnection
// succeeds. No implementation holds a lock while dispatching events.
type Store interface {
	// AddIdentity registers a user (isUser true) or bot identity. Zero
	// identities are rejected, as are bots without an account id. Users
	// deduplicate by exact match, bots by channel.
	AddIdentity(ctx context.Context, identity Identity, isUser bool) (bool, error)

	// RemoveIdentity removes every channel-matching entry from the user,
	// bot and pending sets and tears down every connection the identity
	// participates in, emitting a removed event per connection.
	// Aggregation destinations are not touched. Returns true when
	// anything was removed.
	RemoveIdentity(ctx context.Context, identity Identity) (bool, error)

	UserIdentities(ctx context.Context) ([]Identity, error)
	BotIdentities(ctx context.Context) ([]Identity, error)

	// AddAggregationDestination registers a conversation that receives
	// request announcements. Identities carrying an account id are
	// rejected, as are channel-level duplicates.
	AddAggregationDestination(ctx context.Context, destination Identity) (bool, error)
	RemoveAggregationDestination(ctx context.Context, destination Identity) (bool, error)
	AggregationDestinations(ctx context.Context) ([]Identity, error)

	// IsAggregationMember reports whether the identity's conversation is a
	// registered aggregation destination, matched at channel level.
	IsAggregationMember(ctx context.Context, identity Identity) (bool, error)

	// AddPendingRequest records that a client is waiting for a connection
	// and emits an initiated event. Zero identities and exact duplicates
	// are rejected.
	AddPendingRequest(ctx context.Context, requestor Identity) (bool, error)
	RemovePendingRequest(ctx context.Context, requestor Identity) (bool, error)
	PendingRequests(ctx context.Context) ([]Identity, error)

	// AddConnection establishes a connection between owner and client. It
	// fails when either argument is zero or either party already
	// participates in a connection in any role. On success the client's
	// pending request is consumed and an added event is emitted.
	AddConnection(ctx context.Context, owner, client Identity) (bool, error)

	// RemoveConnection tears down the connections the identity
	// participates in under the given role and returns how many were
	// removed. RoleOwner removes at most one; RoleClient and RoleAny
	// remove every match. One removed event is emitted per connection.
	RemoveConnection(ctx context.Context, identity Identity, role Role) (int, error)

	Connections(ctx context.Context) ([]Connection, error)

	// IsEngaged reports whether the identity participates in any
	// connection under the given role, matched at channel level.
	IsEngaged(ctx context.Context, identity Identity, role Role) (bool, error)

	// FindConnection returns the connection the identity participates in,
	// checking the owner side before the client side.
	FindConnection(ctx context.Context, identity Identity) (*Connection, error)

	// FindCounterpart returns the identity on the other side of the
	// connection the given identity participates in.
	FindCounterpart(ctx context.Context, identity Identity) (*Identity, error)

	// UpdateLastActivity stamps the connection's last-activity time with
	// the current time. The connection is located by the channel keys of
	// both parties; returns false when it no longer exists.
	UpdateLastActivity(ctx context.Context, conn Connection) (bool, error)

	// FindUser returns the first registered user identity with the given
	// account and conversation ids.
	FindUser(ctx context.Context, accountID, conversationID string) (*Identity, error)

	// FindBot returns the bot identity registered in the identity's
	// conversation, matched at channel level.
	FindBot(ctx context.Context, identity Identity) (*Identity, error)

	// ResolveBotName returns the display name of the bot registered in the
	// identity's conversation, or "" when none is.
	ResolveBotName(ctx context.Context, identity Identity) (string, error)

	// Clear wipes all routing state without emitting events.
	Clear(ctx context.Context) error

	// DumpConnections renders one "<owner> -> <client>" line per active
	// connection, for diagnostics.
	DumpConnections(ctx context.Context) ([]string, error)

	// AddObserver registers an observer for routing change events.
	// Observers receive events synchronously in registration order.
	AddObserver(o Observer)

	// Close releases any resources held by the store.
	Close() error
}
