// ABOUTME: Tests for the Broadcaster fan-out pub/sub system
// ABOUTME: Covers subscribe, publish, unsubscribe, context cancellation, concurrency

package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/switchboard/internal/store"
)

func makeEvent(changeType store.ChangeType, account string) store.Event {
	return store.Event{
		Type: changeType,
		Client: store.Identity{
			ServiceEndpoint: "http://webchat.example/hook",
			ChannelID:       "webchat",
			ConversationID:  "conv-1",
			AccountID:       account,
		},
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())

	b.Publish(makeEvent(store.ChangeInitiated, "u1"))

	select {
	case received := <-ch:
		assert.Equal(t, store.ChangeInitiated, received.Type)
		assert.Equal(t, "u1", received.Client.AccountID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)
	ch3, _ := b.Subscribe(ctx)

	b.Publish(makeEvent(store.ChangeAdded, "u2"))

	for i, ch := range []<-chan store.Event{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, store.ChangeAdded, received.Type, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	// Subscribe but never read from ch1 (slow consumer)
	_, _ = b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	// Publish more events than the buffer size to overflow ch1
	for range subscriberBufferSize + 20 {
		b.Publish(makeEvent(store.ChangeInitiated, "flood"))
	}

	// ch2 should still receive events (publisher wasn't blocked)
	receivedCount := 0
	for {
		select {
		case <-ch2:
			receivedCount++
		case <-time.After(200 * time.Millisecond):
			goto done
		}
	}
done:
	assert.Greater(t, receivedCount, 0, "fast consumer should receive at least some events")
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx)

	// Verify subscription exists
	b.mu.RLock()
	_, exists := b.subscribers[subID]
	b.mu.RUnlock()
	assert.True(t, exists, "subscription should exist before cancel")

	cancel()

	// Channel should be closed by the cleanup goroutine
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}

	b.mu.RLock()
	_, exists = b.subscribers[subID]
	b.mu.RUnlock()
	assert.False(t, exists, "subscription should be removed after context cancel")
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context())

	b.Unsubscribe(subID)

	// Channel should be closed
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing should not panic
	b.Publish(makeEvent(store.ChangeRemoved, "u3"))

	// Double unsubscribe should not panic either
	b.Unsubscribe(subID)
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	b.Close()

	for i, ch := range []<-chan store.Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for range 20 {
				b.Publish(makeEvent(store.ChangeInitiated, "concurrent"))
			}
		})
	}

	wg.Wait()
}

func TestBroadcaster_FeedsFromStoreObserver(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	s := store.NewMemoryStore()
	defer s.Close()
	s.AddObserver(store.ObserverFunc(b.Publish))

	ch, _ := b.Subscribe(t.Context())

	client := store.Identity{
		ServiceEndpoint: "http://webchat.example/hook",
		ChannelID:       "webchat",
		ConversationID:  "conv-9",
		AccountID:       "u9",
	}
	added, err := s.AddPendingRequest(t.Context(), client)
	assert.NoError(t, err)
	assert.True(t, added)

	select {
	case received := <-ch:
		assert.Equal(t, store.ChangeInitiated, received.Type)
		assert.Equal(t, "u9", received.Client.AccountID)
	case <-time.After(time.Second):
		t.Fatal("store mutation never reached the subscriber")
	}
}
