// ABOUTME: HTTP webhook sender that delivers routed messages to channel adapters
// ABOUTME: POSTs the JSON-encoded message to the target identity's service endpoint

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/store"
)

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 512

// HTTPSender delivers messages by POSTing them to the target identity's
// service endpoint. One request per message; retries belong to the caller's
// platform adapter, not here.
type HTTPSender struct {
	http   *http.Client
	logger *slog.Logger
}

var _ router.Sender = (*HTTPSender)(nil)

// NewHTTPSender creates a sender whose requests time out after the given
// duration. A non-positive timeout falls back to 10 seconds.
func NewHTTPSender(timeout time.Duration, logger *slog.Logger) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("component", "delivery"),
	}
}

// ackResponse is the optional body a receiving adapter may return.
type ackResponse struct {
	MessageID string `json:"message_id"`
}

// Send POSTs msg to target.ServiceEndpoint and returns a delivery receipt.
// A non-2xx status is an error carrying the status and a bounded excerpt of
// the response body.
func (s *HTTPSender) Send(ctx context.Context, target store.Identity, msg *router.Message) (*router.Receipt, error) {
	if target.ServiceEndpoint == "" {
		return nil, fmt.Errorf("target %s has no service endpoint", target.String())
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.ServiceEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivering to %s: %w", target.ServiceEndpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	// Receivers may acknowledge with their own message id. An empty or
	// unparseable body is fine; the outbound id stands in.
	receipt := &router.Receipt{MessageID: msg.ID, DeliveredAt: time.Now()}
	var ack ackResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err == nil && ack.MessageID != "" {
		receipt.MessageID = ack.MessageID
	}

	s.logger.Debug("message delivered",
		"message_id", msg.ID,
		"receipt_id", receipt.MessageID,
		"endpoint", target.ServiceEndpoint)

	return receipt, nil
}
