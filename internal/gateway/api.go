// ABOUTME: HTTP API handlers for registration, connections, message routing and SSE events.
// ABOUTME: JSON bodies in, JSON out; domain rejections map to 409, shape errors to 400.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/store"
)

// IdentityRequest is the JSON request body for POST and DELETE /api/identities.
type IdentityRequest struct {
	Identity store.Identity `json:"identity"`
	IsUser   bool           `json:"is_user"`
}

// AggregationRequest is the JSON request body for POST and DELETE /api/aggregations.
type AggregationRequest struct {
	Identity store.Identity `json:"identity"`
}

// PendingRequest is the JSON request body for POST and DELETE /api/requests.
type PendingRequest struct {
	Identity store.Identity `json:"identity"`
}

// ConnectRequest is the JSON request body for POST /api/connections.
type ConnectRequest struct {
	Owner  store.Identity `json:"owner"`
	Client store.Identity `json:"client"`
}

// DisconnectRequest is the JSON request body for DELETE /api/connections.
// Role selects which side to match: "owner", "client" or "any" (the default).
type DisconnectRequest struct {
	Identity store.Identity `json:"identity"`
	Role     string         `json:"role,omitempty"`
}

// IdentityListResponse is the JSON response for identity, aggregation and
// request listings.
type IdentityListResponse struct {
	Identities []store.Identity `json:"identities"`
}

// ConnectionListResponse is the JSON response for GET /api/connections.
type ConnectionListResponse struct {
	Connections []store.Connection `json:"connections"`
}

// RouteResponse is the JSON response for POST /api/messages.
type RouteResponse struct {
	Outcome router.Outcome `json:"outcome"`
	Detail  string         `json:"detail,omitempty"`
}

// handleIdentities handles /api/identities.
// POST registers a user or bot, DELETE removes an identity and tears down its
// connections, GET lists users (default) or bots (?kind=bots).
func (g *Gateway) handleIdentities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		req, err := parseIdentityRequest(r.Body)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !req.IsUser && !req.Identity.HasAccount() {
			g.sendJSONError(w, http.StatusBadRequest, "bot identity requires an account_id")
			return
		}

		added, err := g.store.AddIdentity(r.Context(), req.Identity, req.IsUser)
		if err != nil {
			g.logger.Error("failed to add identity", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !added {
			g.sendJSONError(w, http.StatusConflict, "identity already registered")
			return
		}
		g.sendJSON(w, http.StatusCreated, map[string]bool{"added": true})

	case http.MethodDelete:
		req, err := parseIdentityRequest(r.Body)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		removed, err := g.store.RemoveIdentity(r.Context(), req.Identity)
		if err != nil {
			g.logger.Error("failed to remove identity", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, map[string]bool{"removed": removed})

	case http.MethodGet:
		kind := r.URL.Query().Get("kind")
		var (
			identities []store.Identity
			err        error
		)
		switch kind {
		case "", "users":
			identities, err = g.store.UserIdentities(r.Context())
		case "bots":
			identities, err = g.store.BotIdentities(r.Context())
		default:
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("kind must be users or bots (got %q)", kind))
			return
		}
		if err != nil {
			g.logger.Error("failed to list identities", "error", err, "kind", kind)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, IdentityListResponse{Identities: identities})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleAggregations handles /api/aggregations.
// Aggregation destinations receive an announcement for every new pending
// request. They name a conversation, never a person, so identities carrying
// an account are rejected up front.
func (g *Gateway) handleAggregations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		req, err := parseAggregationRequest(r.Body)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Identity.HasAccount() {
			g.sendJSONError(w, http.StatusBadRequest, "aggregation destination must not carry an account_id")
			return
		}

		added, err := g.store.AddAggregationDestination(r.Context(), req.Identity)
		if err != nil {
			g.logger.Error("failed to add aggregation destination", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !added {
			g.sendJSONError(w, http.StatusConflict, "aggregation destination already registered")
			return
		}
		g.sendJSON(w, http.StatusCreated, map[string]bool{"added": true})

	case http.MethodDelete:
		req, err := parseAggregationRequest(r.Body)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		removed, err := g.store.RemoveAggregationDestination(r.Context(), req.Identity)
		if err != nil {
			g.logger.Error("failed to remove aggregation destination", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, map[string]bool{"removed": removed})

	case http.MethodGet:
		destinations, err := g.store.AggregationDestinations(r.Context())
		if err != nil {
			g.logger.Error("failed to list aggregation destinations", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, IdentityListResponse{Identities: destinations})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRequests handles /api/requests.
// POST records that a client is waiting for a connection; the announcer picks
// the resulting event up and notifies the aggregation destinations.
func (g *Gateway) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		req, err := parsePendingRequest(r.Body)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		added, err := g.store.AddPendingRequest(r.Context(), req.Identity)
		if err != nil {
			g.logger.Error("failed to add pending request", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !added {
			g.sendJSONError(w, http.StatusConflict, "request already pending")
			return
		}
		g.sendJSON(w, http.StatusCreated, map[string]bool{"added": true})

	case http.MethodDelete:
		req, err := parsePendingRequest(r.Body)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		removed, err := g.store.RemovePendingRequest(r.Context(), req.Identity)
		if err != nil {
			g.logger.Error("failed to remove pending request", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, map[string]bool{"removed": removed})

	case http.MethodGet:
		pending, err := g.store.PendingRequests(r.Context())
		if err != nil {
			g.logger.Error("failed to list pending requests", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, IdentityListResponse{Identities: pending})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleConnections handles /api/connections.
// POST pairs an owner with a client (consuming the client's pending request),
// DELETE tears connections down by identity and role, GET lists them as JSON
// or as a text dump with ?format=text.
func (g *Gateway) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req ConnectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Owner.IsZero() || req.Client.IsZero() {
			g.sendJSONError(w, http.StatusBadRequest, "owner and client are required")
			return
		}

		added, err := g.store.AddConnection(r.Context(), req.Owner, req.Client)
		if err != nil {
			g.logger.Error("failed to add connection", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !added {
			g.sendJSONError(w, http.StatusConflict, "one of the parties is already connected")
			return
		}
		g.sendJSON(w, http.StatusCreated, map[string]bool{"added": true})

	case http.MethodDelete:
		var req DisconnectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Identity.IsZero() {
			g.sendJSONError(w, http.StatusBadRequest, "identity is required")
			return
		}
		role, ok := store.ParseRole(req.Role)
		if !ok {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("role must be owner, client or any (got %q)", req.Role))
			return
		}

		removed, err := g.store.RemoveConnection(r.Context(), req.Identity, role)
		if err != nil {
			g.logger.Error("failed to remove connection", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, map[string]int{"removed": removed})

	case http.MethodGet:
		if r.URL.Query().Get("format") == "text" {
			g.dumpConnections(w, r)
			return
		}

		connections, err := g.store.Connections(r.Context())
		if err != nil {
			g.logger.Error("failed to list connections", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, ConnectionListResponse{Connections: connections})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// dumpConnections writes the plain-text connection dump, one line per
// connection, for humans poking at the service with curl.
func (g *Gateway) dumpConnections(w http.ResponseWriter, r *http.Request) {
	lines, err := g.store.DumpConnections(r.Context())
	if err != nil {
		g.logger.Error("failed to dump connections", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if len(lines) == 0 {
		fmt.Fprintln(w, "no active connections")
		return
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

// handleMessages handles POST /api/messages.
// Inbound messages are deduplicated by sender channel plus message id, then
// handed to the router. The HTTP status mirrors the routing outcome: 200 for
// routed, no_action and duplicate, 502 when the counterpart's webhook refused
// the delivery, 500 for store faults.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	msg, err := parseMessage(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	dedupeKey := msg.From.ChannelKey() + ":" + msg.ID
	if g.dedupe.CheckAndMark(dedupeKey) {
		g.logger.Debug("duplicate message dropped", "message_id", msg.ID, "from", msg.From.String())
		g.sendJSON(w, http.StatusOK, RouteResponse{Outcome: "duplicate"})
		return
	}

	result := g.router.RouteIfConnected(r.Context(), msg, msg.From)
	switch result.Outcome {
	case router.OutcomeRouted, router.OutcomeNoAction:
		g.sendJSON(w, http.StatusOK, RouteResponse{Outcome: result.Outcome, Detail: result.Detail})
	case router.OutcomeDeliveryFailed:
		g.sendJSON(w, http.StatusBadGateway, RouteResponse{Outcome: result.Outcome, Detail: result.Detail})
	default:
		g.sendJSON(w, http.StatusInternalServerError, RouteResponse{Outcome: result.Outcome, Detail: result.Detail})
	}
}

// handleEvents handles GET /api/events.
// It streams routing change events as SSE until the client disconnects. Each
// event's name is the change type and its data the JSON-encoded event.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := g.broadcaster.Subscribe(r.Context())
	g.logger.Debug("event stream opened", "sub_id", subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"subscription_id": subID})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(event.Type), event)
			flusher.Flush()
		}
	}
}

// parseIdentityRequest parses and validates an IdentityRequest from the given
// reader. The identity must carry a location.
func parseIdentityRequest(r io.Reader) (*IdentityRequest, error) {
	var req IdentityRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Identity.IsZero() {
		return nil, errors.New("identity is required")
	}
	return &req, nil
}

func parseAggregationRequest(r io.Reader) (*AggregationRequest, error) {
	var req AggregationRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Identity.IsZero() {
		return nil, errors.New("identity is required")
	}
	return &req, nil
}

func parsePendingRequest(r io.Reader) (*PendingRequest, error) {
	var req PendingRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Identity.IsZero() {
		return nil, errors.New("identity is required")
	}
	return &req, nil
}

// parseMessage parses and validates a routable message from the given reader.
// Returns an error if the JSON is invalid or required fields (id, from) are
// missing.
func parseMessage(r io.Reader) (*router.Message, error) {
	var msg router.Message
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if msg.ID == "" {
		return nil, errors.New("id is required")
	}
	if msg.From.IsZero() {
		return nil, errors.New("from identity is required")
	}
	return &msg, nil
}

// sendJSON writes a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeSSEEvent writes one Server-Sent Event.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
