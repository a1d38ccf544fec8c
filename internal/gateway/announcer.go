// ABOUTME: Announcer that turns routing lifecycle events into status messages
// ABOUTME: Requests go to aggregation destinations, connect and disconnect notices to both parties

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/store"
)

// announcerStore defines what the announcer needs from storage.
type announcerStore interface {
	AggregationDestinations(ctx context.Context) ([]store.Identity, error)
	FindBot(ctx context.Context, identity store.Identity) (*store.Identity, error)
}

// Announcer consumes routing events from the broadcaster and sends status
// messages: new requests are announced to every aggregation destination,
// connects and disconnects to both parties. Send failures are logged and
// never re-enter routing.
type Announcer struct {
	store       announcerStore
	sender      router.Sender
	broadcaster *Broadcaster
	displayName string
	logger      *slog.Logger
}

// NewAnnouncer creates an announcer. displayName is the sender name used
// when no bot identity is registered for the target channel.
func NewAnnouncer(s announcerStore, sender router.Sender, broadcaster *Broadcaster, displayName string, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		store:       s,
		sender:      sender,
		broadcaster: broadcaster,
		displayName: displayName,
		logger:      logger.With("component", "announcer"),
	}
}

// Run subscribes to the broadcaster and handles events until ctx is
// canceled or the broadcaster closes.
func (a *Announcer) Run(ctx context.Context) {
	events, subID := a.broadcaster.Subscribe(ctx)
	a.logger.Debug("announcer running", "sub_id", subID)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			a.handle(ctx, event)
		}
	}
}

func (a *Announcer) handle(ctx context.Context, event store.Event) {
	switch event.Type {
	case store.ChangeInitiated:
		a.announceRequest(ctx, event.Client)
	case store.ChangeAdded:
		if event.Owner == nil {
			a.logger.Error("added event without owner", "client", event.Client.String())
			return
		}
		a.announceConnected(ctx, *event.Owner, event.Client)
	case store.ChangeRemoved:
		if event.Owner == nil {
			a.logger.Error("removed event without owner", "client", event.Client.String())
			return
		}
		a.announceDisconnected(ctx, *event.Owner, event.Client)
	}
}

// announceRequest tells every aggregation destination that someone is waiting.
func (a *Announcer) announceRequest(ctx context.Context, client store.Identity) {
	destinations, err := a.store.AggregationDestinations(ctx)
	if err != nil {
		a.logger.Error("listing aggregation destinations failed", "error", err)
		return
	}
	if len(destinations) == 0 {
		a.logger.Warn("pending request has nowhere to go, no aggregation destinations registered",
			"client", client.String())
		return
	}

	text := fmt.Sprintf("%s is requesting assistance", partyName(client))
	for _, destination := range destinations {
		a.notify(ctx, destination, text)
	}
}

func (a *Announcer) announceConnected(ctx context.Context, owner, client store.Identity) {
	a.notify(ctx, client, fmt.Sprintf("You are now connected to %s.", partyName(owner)))
	a.notify(ctx, owner, fmt.Sprintf("You are now connected to %s.", partyName(client)))
}

func (a *Announcer) announceDisconnected(ctx context.Context, owner, client store.Identity) {
	a.notify(ctx, client, fmt.Sprintf("You have been disconnected from %s.", partyName(owner)))
	a.notify(ctx, owner, fmt.Sprintf("You have been disconnected from %s.", partyName(client)))
}

// notify sends one status message to target, from the channel's bot identity
// when one is registered.
func (a *Announcer) notify(ctx context.Context, target store.Identity, text string) {
	msg := &router.Message{
		ID:        uuid.New().String(),
		Text:      text,
		From:      a.senderIdentity(ctx, target),
		Recipient: target,
		CreatedAt: time.Now(),
	}

	if _, err := a.sender.Send(ctx, target, msg); err != nil {
		a.logger.Warn("status notice delivery failed",
			"error", err,
			"target", target.String())
	}
}

// senderIdentity resolves the bot identity for the target's conversation,
// falling back to a bare identity carrying the configured display name.
func (a *Announcer) senderIdentity(ctx context.Context, target store.Identity) store.Identity {
	bot, err := a.store.FindBot(ctx, target)
	if err != nil {
		a.logger.Debug("bot lookup failed", "error", err, "target", target.String())
	}
	if bot != nil {
		return *bot
	}

	fallback := target
	fallback.AccountID = ""
	fallback.AccountName = a.displayName
	return fallback
}

// partyName picks the friendliest available name for an identity.
func partyName(id store.Identity) string {
	if id.AccountName != "" {
		return id.AccountName
	}
	if id.AccountID != "" {
		return id.AccountID
	}
	return id.String()
}
