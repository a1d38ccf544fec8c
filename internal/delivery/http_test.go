// ABOUTME: Tests for the HTTP webhook sender
// ABOUTME: Verifies payload shape, acknowledgment handling, and failure reporting

package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/store"
)

func targetAt(endpoint string) store.Identity {
	return store.Identity{
		ServiceEndpoint: endpoint,
		ChannelID:       "agenthub",
		ConversationID:  "lobby",
		AccountID:       "a1",
	}
}

func TestHTTPSender_DeliversMessage(t *testing.T) {
	var gotContentType string
	var gotBody router.Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message_id":"remote-42"}`))
	}))
	defer server.Close()

	sender := NewHTTPSender(0, nil)
	msg := &router.Message{
		ID:        "m1",
		Text:      "hello",
		Recipient: targetAt(server.URL),
		Metadata:  map[string]string{"k": "v"},
		CreatedAt: time.Now(),
	}

	receipt, err := sender.Send(context.Background(), targetAt(server.URL), msg)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	assert.Equal(t, "remote-42", receipt.MessageID)
	assert.False(t, receipt.DeliveredAt.IsZero())
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "m1", gotBody.ID)
	assert.Equal(t, "hello", gotBody.Text)
	assert.Equal(t, "lobby", gotBody.Recipient.ConversationID)
	assert.Equal(t, "v", gotBody.Metadata["k"])
}

func TestHTTPSender_UsesOutboundIDWithoutAck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewHTTPSender(0, nil)
	receipt, err := sender.Send(context.Background(), targetAt(server.URL), &router.Message{ID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", receipt.MessageID)
}

func TestHTTPSender_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("adapter restarting"))
	}))
	defer server.Close()

	sender := NewHTTPSender(0, nil)
	receipt, err := sender.Send(context.Background(), targetAt(server.URL), &router.Message{ID: "m1"})
	require.Error(t, err)
	assert.Nil(t, receipt)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "adapter restarting")
}

func TestHTTPSender_ErrorBodyIsBounded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 64*1024)))
	}))
	defer server.Close()

	sender := NewHTTPSender(0, nil)
	_, err := sender.Send(context.Background(), targetAt(server.URL), &router.Message{ID: "m1"})
	require.Error(t, err)
	assert.Less(t, len(err.Error()), maxErrorBody+128)
}

func TestHTTPSender_MissingEndpointIsError(t *testing.T) {
	sender := NewHTTPSender(0, nil)
	target := targetAt("")

	receipt, err := sender.Send(context.Background(), target, &router.Message{ID: "m1"})
	require.Error(t, err)
	assert.Nil(t, receipt)
	assert.Contains(t, err.Error(), "no service endpoint")
}

func TestHTTPSender_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	sender := NewHTTPSender(time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sender.Send(ctx, targetAt(server.URL), &router.Message{ID: "m1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
