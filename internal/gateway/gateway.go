// ABOUTME: Gateway orchestrator that wires the store, router, and HTTP server
// ABOUTME: Manages component lifecycle, health endpoints, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/delivery"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/store"
)

// Gateway orchestrates the switchboard server components. It owns the routing
// store, the message router, the event broadcaster, and the HTTP server that
// exposes them.
type Gateway struct {
	config      *config.Config
	store       store.Store
	router      *router.Router
	sender      router.Sender
	broadcaster *Broadcaster
	announcer   *Announcer
	httpServer  *http.Server
	logger      *slog.Logger

	// dedupe drops inbound messages that were already routed
	dedupe *dedupe.Cache

	// announcerCancel stops the announcer goroutine during shutdown
	announcerCancel context.CancelFunc
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	path := cfg.Store.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		path = envPath
	}

	switch cfg.Store.Backend {
	case config.BackendSQLite:
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	case config.BackendBadger:
		s, err := store.NewBadgerStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing badger store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)
	sender := delivery.NewHTTPSender(cfg.Delivery.Timeout, logger)
	msgRouter := router.New(s, sender, logger)

	broadcaster := NewBroadcaster(logger)
	announcer := NewAnnouncer(s, sender, broadcaster, cfg.Bot.DisplayName, logger)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		router:      msgRouter,
		sender:      sender,
		broadcaster: broadcaster,
		announcer:   announcer,
		dedupe:      dedupeCache,
		logger:      logger.With("component", "gateway"),
	}

	// Every store mutation event is republished to SSE subscribers and the
	// announcer. The observer runs synchronously inside dispatch, so it only
	// drops the event into buffered channels.
	s.AddObserver(store.ObserverFunc(broadcaster.Publish))

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Routing API
	mux.HandleFunc("/api/identities", gw.handleIdentities)
	mux.HandleFunc("/api/aggregations", gw.handleAggregations)
	mux.HandleFunc("/api/requests", gw.handleRequests)
	mux.HandleFunc("/api/connections", gw.handleConnections)
	mux.HandleFunc("/api/messages", gw.handleMessages)
	mux.HandleFunc("/api/events", gw.handleEvents)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	announcerCtx, cancel := context.WithCancel(context.Background())
	g.announcerCancel = cancel
	go g.announcer.Run(announcerCtx)

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the server and releases resources. Order matters: the
// server stops accepting work before the components behind it close.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.announcerCancel != nil {
		g.announcerCancel()
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	conns, err := g.store.Connections(r.Context())
	if err != nil {
		g.logger.Error("readiness probe failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store not ready: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", len(conns))
}
