// Package dedupe remembers recently routed message keys so a redelivered
// message is dropped instead of routed twice. Entries expire after a TTL and
// the cache is capped in size; CheckAndMark is the atomic test-and-set the
// inbound path relies on.
package dedupe
