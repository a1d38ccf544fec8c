// Package gateway orchestrates the switchboard server components.
//
// # Overview
//
// The gateway package is the central coordinator of the switchboard server.
// It owns and manages all major components: HTTP server, routing store,
// message router, delivery client, dedupe cache, event broadcaster and
// announcer.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config      *config.Config
//	    store       store.Store
//	    router      *router.Router
//	    sender      router.Sender
//	    broadcaster *Broadcaster
//	    announcer   *Announcer
//	    httpServer  *http.Server
//	    dedupe      *dedupe.Cache
//	    // ... and more
//	}
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST/DELETE/GET /api/identities - Register, remove and list user and bot identities
//   - POST/DELETE/GET /api/aggregations - Manage aggregation destinations
//   - POST/DELETE/GET /api/requests - Manage pending assistance requests
//   - POST/DELETE/GET /api/connections - Pair, part and list connections
//   - POST /api/messages - Route an inbound message to its counterpart
//   - GET /api/events - Routing change events (SSE stream)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// Domain rejections (duplicate identity, party already connected) return 409
// with a JSON error body; malformed requests return 400. POST /api/messages
// answers 200 for routed, no_action and duplicate outcomes, 502 when the
// counterpart's webhook refused the delivery and 500 for store faults.
//
// # SSE Streaming
//
// Routing changes are streamed as Server-Sent Events:
//
//	event: initiated
//	data: {"type":"initiated","client":{...}}
//
//	event: added
//	data: {"type":"added","owner":{...},"client":{...}}
//
// Event types: initiated, added, removed. A synthetic "connected" event with
// the subscription id opens every stream.
//
// # Event Broadcasting
//
// Broadcaster fans routing events out from the synchronous store observer to
// all subscribers:
//
//	broadcaster.Subscribe(ctx) -> (<-chan store.Event, subID)
//	broadcaster.Publish(event)
//
// Subscribers get a buffered channel and are dropped from individual sends
// when the buffer is full, so a stalled SSE client never blocks routing.
//
// # Announcer
//
// The Announcer consumes the broadcaster on its own goroutine and turns
// lifecycle events into outbound status messages: new pending requests are
// announced to every aggregation destination, connects and disconnects to
// both parties. Sender identity is the bot registered for the target
// conversation, or a bare identity with the configured display name.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run drains on its own: it shuts the HTTP server down with a 5s timeout,
// stops the announcer, then closes broadcaster, dedupe cache and store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers and SSE streaming
//   - events.go: Broadcaster fanout from store observer to subscribers
//   - announcer.go: Status messages for lifecycle events
package gateway
