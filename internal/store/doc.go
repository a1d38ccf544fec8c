// Package store holds the broker's routing state: registered identities,
// aggregation destinations, pending requests and active connections.
//
// # Data Model
//
//   - Identity: one participant's location (service endpoint, channel,
//     conversation, optional account). Two matching levels exist: exact
//     match includes the account id, channel match ignores it.
//   - Connection: an owner/client pairing with creation and last-activity
//     timestamps. An identity participates in at most one connection, in
//     one role, at a time.
//   - Event: a routing change (initiated, added, removed) delivered
//     synchronously to registered observers after each mutation commits.
//
// # Backends
//
// Three implementations of the Store interface exist:
//
//   - MemoryStore: maps behind a RWMutex, for tests and single-process use
//   - SQLiteStore: modernc.org/sqlite with WAL; unique indexes on the
//     connection keys make connect races lose cleanly across processes
//   - BadgerStore: embedded key-value store; exact keys extend channel
//     keys so channel-level matching is a prefix scan
//
// # Semantics
//
// Operations report domain rejections (duplicates, unknown identities,
// engaged parties) through their result values and reserve the error return
// for backend faults. Finders report no-match as (nil, nil).
//
// Every mutation is a single atomic step: when two goroutines race to
// connect the same pending client to different owners, exactly one
// AddConnection reports success. No backend holds a lock or transaction
// while observers run.
package store
