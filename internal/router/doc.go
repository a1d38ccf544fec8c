// Package router forwards messages between the two sides of an active
// connection.
//
// # Overview
//
// The router sits between the inbound message API and the delivery layer.
// Given an inbound message and the identity it arrived from, it decides
// whether that identity participates in a connection and, if so, forwards
// the message to the counterpart:
//
//	r := router.New(store, sender, logger)
//	result := r.RouteIfConnected(ctx, msg, msg.From)
//
// # Outcomes
//
// Every call classifies into exactly one outcome:
//
//   - no_action: the sender has no connection; nothing was sent
//   - routed: the counterpart acknowledged delivery
//   - delivery_failed: the send failed; the connection is untouched
//   - error: a store fault or an unresolvable counterpart
//
// # Redirection
//
// The forwarded message is a clone of the inbound one. The clone's sender
// account id is blanked (the receiving channel stamps its own) and its
// recipient is rewritten to the counterpart identity, which moves the
// message into the counterpart's conversation. Text, attachments, and
// metadata pass through unchanged.
//
// # Guarantees
//
// RouteIfConnected performs at most one send per call and never holds a
// store lock across it. After a successful delivery the connection's
// activity timestamp advances; if the connection vanished concurrently the
// update is logged and dropped.
package router
