// ABOUTME: Routing engine that forwards messages between the two sides of a connection
// ABOUTME: Exactly one send per inbound message, never with a lock held

package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// ConnectionStore defines what the router needs from storage.
type ConnectionStore interface {
	FindConnection(ctx context.Context, identity store.Identity) (*store.Connection, error)
	UpdateLastActivity(ctx context.Context, conn store.Connection) (bool, error)
}

// Receipt acknowledges a delivered message.
type Receipt struct {
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Sender defines what the router needs from the delivery layer. Transport,
// retries, and authentication belong to implementations.
type Sender interface {
	Send(ctx context.Context, target store.Identity, msg *Message) (*Receipt, error)
}

// Outcome classifies what RouteIfConnected did with a message.
type Outcome string

const (
	// OutcomeNoAction means the sender has no active connection. Not an error.
	OutcomeNoAction Outcome = "no_action"
	// OutcomeRouted means the message reached the counterpart.
	OutcomeRouted Outcome = "routed"
	// OutcomeDeliveryFailed means delivery did not succeed. The connection
	// stays intact; one failed message never tears down routing state.
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	// OutcomeError means an internal inconsistency or store fault.
	OutcomeError Outcome = "error"
)

// Result reports what happened to one inbound message.
type Result struct {
	Outcome    Outcome
	Connection *store.Connection
	Detail     string
}

// Router forwards inbound messages to the counterpart of the sender's active
// connection. It is stateless apart from its collaborators.
type Router struct {
	connections ConnectionStore
	sender      Sender
	logger      *slog.Logger
}

// New creates a Router over the given connection lookup and delivery layer.
func New(connections ConnectionStore, sender Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		connections: connections,
		sender:      sender,
		logger:      logger.With("component", "router"),
	}
}

// RouteIfConnected forwards msg to the counterpart of from's active
// connection, if one exists. The lookup uses channel matching because the
// inbound identity may carry fewer fields than the stored one.
//
// Exactly one send happens per call, and no store lock is held across it. A
// connection removed concurrently between lookup and delivery only costs the
// activity-timestamp update, which is logged and otherwise ignored.
func (r *Router) RouteIfConnected(ctx context.Context, msg *Message, from store.Identity) Result {
	conn, err := r.connections.FindConnection(ctx, from)
	if err != nil {
		r.logger.Error("connection lookup failed", "error", err, "from", from.String())
		return Result{Outcome: OutcomeError, Detail: fmt.Sprintf("connection lookup failed: %v", err)}
	}
	if conn == nil {
		return Result{Outcome: OutcomeNoAction}
	}

	recipient, ok := conn.Counterpart(from)
	if !ok || recipient.IsZero() {
		// A connection without a resolvable counterpart is a broken
		// invariant, not a delivery problem.
		r.logger.Error("connection has no resolvable counterpart",
			"from", from.String(),
			"connection", conn.String())
		return Result{Outcome: OutcomeError, Connection: conn, Detail: "failed to find the recipient"}
	}

	out := msg.Clone()
	out.From.AccountID = "" // the receiving channel stamps its own sender
	out.Recipient = recipient

	receipt, err := r.sender.Send(ctx, recipient, out)
	if err != nil {
		r.logger.Warn("message delivery failed",
			"error", err,
			"message_id", msg.ID,
			"recipient", recipient.String())
		return Result{Outcome: OutcomeDeliveryFailed, Connection: conn, Detail: fmt.Sprintf("delivery failed: %v", err)}
	}

	r.logger.Debug("message routed",
		"message_id", msg.ID,
		"receipt_id", receipt.MessageID,
		"from", from.String(),
		"recipient", recipient.String())

	if ok, err := r.connections.UpdateLastActivity(ctx, *conn); err != nil {
		r.logger.Warn("activity update failed", "error", err, "connection", conn.String())
	} else if !ok {
		r.logger.Warn("connection vanished before activity update", "connection", conn.String())
	}

	return Result{Outcome: OutcomeRouted, Connection: conn}
}
