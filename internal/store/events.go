// ABOUTME: Routing change events delivered synchronously to registered observers
// ABOUTME: Defines ChangeType, Event, Observer and the notifier shared by all backends

package store

import (
	"log/slog"
	"sync"
)

// ChangeType categorizes a routing state change.
type ChangeType string

const (
	// ChangeInitiated fires when a client enters the pending request set.
	// No owner is known yet, so Event.Owner is nil.
	ChangeInitiated ChangeType = "initiated"
	// ChangeAdded fires when a connection is established.
	ChangeAdded ChangeType = "added"
	// ChangeRemoved fires once per connection torn down, whether by an
	// explicit disconnect or an identity removal cascade.
	ChangeRemoved ChangeType = "removed"
)

// Event describes one routing state change.
type Event struct {
	Type   ChangeType `json:"type"`
	Owner  *Identity  `json:"owner,omitempty"`
	Client Identity   `json:"client"`
}

// Observer receives routing change events. Delivery is synchronous at the
// point of mutation, after the store has released its locks, so observers may
// call back into the store. Observers that need to do slow work should hand
// the event off to their own goroutine.
type Observer interface {
	RoutingChanged(Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

// RoutingChanged calls f(e).
func (f ObserverFunc) RoutingChanged(e Event) { f(e) }

func initiatedEvent(client Identity) Event {
	return Event{Type: ChangeInitiated, Client: client}
}

func addedEvent(owner, client Identity) Event {
	return Event{Type: ChangeAdded, Owner: &owner, Client: client}
}

func removedEvent(conn Connection) Event {
	owner := conn.Owner
	return Event{Type: ChangeRemoved, Owner: &owner, Client: conn.Client}
}

// notifier fans routing events out to observers in registration order. Every
// Store implementation embeds one and dispatches collected events after its
// own mutation has committed.
type notifier struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *slog.Logger
}

func newNotifier(logger *slog.Logger) *notifier {
	return &notifier{logger: logger}
}

func (n *notifier) addObserver(o Observer) {
	if o == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// dispatch delivers each event to every observer, in order. Must not be
// called while the owning store holds its mutation lock.
func (n *notifier) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}

	n.mu.RLock()
	observers := make([]Observer, len(n.observers))
	copy(observers, n.observers)
	n.mu.RUnlock()

	for _, event := range events {
		n.logger.Debug("routing changed",
			"type", event.Type,
			"client", event.Client.String(),
		)
		for _, o := range observers {
			o.RoutingChanged(event)
		}
	}
}
