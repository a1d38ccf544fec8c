// ABOUTME: Identity value type locating a conversation participant on a chat service
// ABOUTME: Provides exact and channel-level matching plus the keys used by store backends

package store

import (
	"fmt"
	"strings"
)

// Identity locates one conversation participant: the service endpoint the
// messages flow through, the channel on that service, the conversation within
// the channel, and optionally the account taking part. Aggregation
// destinations carry no account because they name a place, not a person.
//
// Identities are immutable values. Operations that need a modified identity
// work on a copy.
type Identity struct {
	ServiceEndpoint string `json:"service_endpoint"`
	ChannelID       string `json:"channel_id"`
	ConversationID  string `json:"conversation_id"`
	AccountID       string `json:"account_id,omitempty"`
	AccountName     string `json:"account_name,omitempty"`
}

// HasAccount reports whether the identity names a specific account.
func (id Identity) HasAccount() bool {
	return id.AccountID != ""
}

// IsZero reports whether the identity carries no location at all.
func (id Identity) IsZero() bool {
	return id.ServiceEndpoint == "" &&
		id.ChannelID == "" &&
		id.ConversationID == "" &&
		id.AccountID == ""
}

// ChannelMatch reports whether both identities point at the same conversation
// on the same service, ignoring which account is speaking. Connection lookups,
// identity teardown and aggregation membership all match at this level.
func (id Identity) ChannelMatch(other Identity) bool {
	return id.ServiceEndpoint == other.ServiceEndpoint &&
		id.ChannelID == other.ChannelID &&
		id.ConversationID == other.ConversationID
}

// ExactMatch reports whether both identities name the same account in the same
// conversation. An identity with an account never matches one without.
func (id Identity) ExactMatch(other Identity) bool {
	return id.ChannelMatch(other) && id.AccountID == other.AccountID
}

// keyEscaper guards the delimiter in lookup keys. A "|" inside a field is
// escaped so it can never read as a field boundary, keeping distinct
// identities from sharing a key.
var keyEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// ChannelKey is the lookup key for channel-level matching. Exact keys extend
// channel keys, so backends can treat a channel key plus separator as a
// prefix; escaped fields keep that prefix unambiguous.
func (id Identity) ChannelKey() string {
	return keyEscaper.Replace(id.ServiceEndpoint) + "|" +
		keyEscaper.Replace(id.ChannelID) + "|" +
		keyEscaper.Replace(id.ConversationID)
}

// Key is the lookup key for exact matching.
func (id Identity) Key() string {
	return id.ChannelKey() + "|" + keyEscaper.Replace(id.AccountID)
}

// String renders the identity for logs and connection dumps. The account
// position shows "*" when the identity carries no account.
func (id Identity) String() string {
	account := id.AccountID
	if account == "" {
		account = "*"
	}
	return fmt.Sprintf("%s/%s/%s", id.ChannelID, id.ConversationID, account)
}
