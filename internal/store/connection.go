// ABOUTME: Connection record pairing an owner identity with a client identity
// ABOUTME: Carries creation and last-activity timestamps for routing decisions

package store

import (
	"fmt"
	"time"
)

// Connection pairs the owner (the party that accepted a request, typically a
// human agent) with the client (the party that asked for one). Both sides are
// full identities; the owner side always carries an account. Timestamps are
// UTC and set by the store when the connection is created.
type Connection struct {
	Owner          Identity  `json:"owner"`
	Client         Identity  `json:"client"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// String renders the connection as one dump line.
func (c Connection) String() string {
	return fmt.Sprintf("%s -> %s", c.Owner, c.Client)
}

// Counterpart returns the opposite party of the given identity, matched at
// channel level. The second result is false when the identity is on neither
// side of the connection.
func (c Connection) Counterpart(id Identity) (Identity, bool) {
	switch {
	case c.Owner.ChannelMatch(id):
		return c.Client, true
	case c.Client.ChannelMatch(id):
		return c.Owner, true
	default:
		return Identity{}, false
	}
}
