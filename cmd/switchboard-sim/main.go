// ABOUTME: End-to-end simulator for a running switchboard server
// ABOUTME: Plays both sides of a handoff over local webhooks and fails on the first broken expectation

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/store"
)

// botName is registered as the user channel's bot so connection notices
// arrive from a resolvable sender instead of the fallback display name.
const botName = "Switchboard Bot"

func main() {
	configPath := flag.String("config", "", "path to TOML config (built-in defaults when empty)")
	gatewayURL := flag.String("gateway", "", "gateway base URL override")
	flag.Parse()

	cfg := Default()
	if *configPath != "" {
		loaded, err := Load(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}
	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *Config) error {
	s := newSim(cfg)

	ln, err := net.Listen("tcp", cfg.Listener.Addr)
	if err != nil {
		return fmt.Errorf("starting webhook listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/hook/user", s.userInbox.handler())
	mux.HandleFunc("/hook/agent", s.agentInbox.handler())
	mux.HandleFunc("/hook/feed", s.feedInbox.handler())

	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	cyan := color.New(color.FgCyan)
	cyan.Printf("switchboard-sim against %s (webhooks on %s)\n\n", cfg.Gateway.URL, ln.Addr().String())

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"register identities", s.registerIdentities},
		{"register aggregation destination", s.registerAggregation},
		{"request assistance", s.requestAssistance},
		{"accept the request", s.acceptRequest},
		{"exchange messages", s.exchangeMessages},
		{"drop a replayed message", s.replayIsDropped},
		{"disconnect", s.disconnect},
		{"verify nothing is connected", s.verifyIdle},
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			red.Printf("  ✗ %s\n", step.name)
			return fmt.Errorf("%s: %w", step.name, err)
		}
		green.Printf("  ✓ %s\n", step.name)
	}

	fmt.Println()
	green.Println("all steps passed")
	return nil
}

// inbox collects the messages one webhook endpoint receives.
type inbox struct {
	name string
	ch   chan router.Message
}

func newInbox(name string) *inbox {
	return &inbox{name: name, ch: make(chan router.Message, 16)}
}

func (i *inbox) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg router.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad message", http.StatusBadRequest)
			return
		}
		select {
		case i.ch <- msg:
		default:
			// Full inbox means the script is stuck anyway; never wedge the server.
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": msg.ID})
	}
}

// waitFor blocks until a message whose text contains substr arrives.
// Unrelated deliveries are skipped, not failed.
func (i *inbox) waitFor(ctx context.Context, timeout time.Duration, substr string) (*router.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%s inbox: nothing containing %q within %s", i.name, substr, timeout)
		case msg := <-i.ch:
			if strings.Contains(msg.Text, substr) {
				return &msg, nil
			}
		}
	}
}

// apiClient is a thin JSON client for the switchboard HTTP API.
type apiClient struct {
	base   string
	client *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type sim struct {
	cfg *Config
	api *apiClient

	user  store.Identity
	agent store.Identity
	bot   store.Identity
	feed  store.Identity

	userInbox  *inbox
	agentInbox *inbox
	feedInbox  *inbox
}

func newSim(cfg *Config) *sim {
	base := "http://" + cfg.Listener.Addr

	party := func(p PartyConfig, hook string) store.Identity {
		return store.Identity{
			ServiceEndpoint: base + hook,
			ChannelID:       p.ChannelID,
			ConversationID:  p.ConversationID,
			AccountID:       p.AccountID,
			AccountName:     p.AccountName,
		}
	}

	user := party(cfg.User, "/hook/user")
	agent := party(cfg.Agent, "/hook/agent")

	// The bot shares the user's channel so the server resolves it as the
	// sender of status notices into that conversation.
	bot := user
	bot.AccountID = "sim-bot"
	bot.AccountName = botName

	feed := store.Identity{
		ServiceEndpoint: base + "/hook/feed",
		ChannelID:       cfg.Agent.ChannelID,
		ConversationID:  cfg.Aggregation.ConversationID,
	}

	return &sim{
		cfg:        cfg,
		api:        &apiClient{base: cfg.Gateway.URL, client: &http.Client{Timeout: cfg.Timeouts.Deliver}},
		user:       user,
		agent:      agent,
		bot:        bot,
		feed:       feed,
		userInbox:  newInbox("user"),
		agentInbox: newInbox("agent"),
		feedInbox:  newInbox("feed"),
	}
}

func (s *sim) registerIdentities(ctx context.Context) error {
	registrations := []struct {
		label    string
		identity store.Identity
		isUser   bool
	}{
		{"user", s.user, true},
		{"agent", s.agent, true},
		{"bot", s.bot, false},
	}

	for _, reg := range registrations {
		status, err := s.api.do(ctx, http.MethodPost, "/api/identities",
			map[string]any{"identity": reg.identity, "is_user": reg.isUser}, nil)
		if err != nil {
			return err
		}
		if status != http.StatusCreated {
			return fmt.Errorf("registering %s: status %d", reg.label, status)
		}
	}
	return nil
}

func (s *sim) registerAggregation(ctx context.Context) error {
	status, err := s.api.do(ctx, http.MethodPost, "/api/aggregations",
		map[string]any{"identity": s.feed}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

func (s *sim) requestAssistance(ctx context.Context) error {
	status, err := s.api.do(ctx, http.MethodPost, "/api/requests",
		map[string]any{"identity": s.user}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("status %d", status)
	}

	// The announcement lands on the aggregation feed.
	msg, err := s.feedInbox.waitFor(ctx, s.cfg.Timeouts.Deliver, "requesting assistance")
	if err != nil {
		return err
	}
	if !strings.Contains(msg.Text, s.cfg.User.AccountName) && !strings.Contains(msg.Text, s.cfg.User.AccountID) {
		return fmt.Errorf("announcement %q does not name the requester", msg.Text)
	}
	return nil
}

func (s *sim) acceptRequest(ctx context.Context) error {
	status, err := s.api.do(ctx, http.MethodPost, "/api/connections",
		map[string]any{"owner": s.agent, "client": s.user}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("status %d", status)
	}

	notice, err := s.userInbox.waitFor(ctx, s.cfg.Timeouts.Deliver, "now connected")
	if err != nil {
		return err
	}
	if notice.From.AccountName != botName {
		return fmt.Errorf("user notice sent as %q, want the registered bot %q", notice.From.AccountName, botName)
	}
	if _, err := s.agentInbox.waitFor(ctx, s.cfg.Timeouts.Deliver, "now connected"); err != nil {
		return err
	}
	return nil
}

func (s *sim) exchangeMessages(ctx context.Context) error {
	for _, line := range s.cfg.Script.UserLines {
		if err := s.deliverLine(ctx, s.user, s.agentInbox, line); err != nil {
			return err
		}
	}
	for _, line := range s.cfg.Script.AgentLines {
		if err := s.deliverLine(ctx, s.agent, s.userInbox, line); err != nil {
			return err
		}
	}
	return nil
}

// deliverLine sends one message and waits for it to surface in the
// counterpart's inbox.
func (s *sim) deliverLine(ctx context.Context, from store.Identity, to *inbox, line string) error {
	outcome, err := s.sendMessage(ctx, uuid.New().String(), from, line)
	if err != nil {
		return err
	}
	if outcome != "routed" {
		return fmt.Errorf("sending %q: outcome %q, want routed", line, outcome)
	}

	got, err := to.waitFor(ctx, s.cfg.Timeouts.Deliver, line)
	if err != nil {
		return err
	}
	if got.From.AccountID != "" {
		return fmt.Errorf("forwarded message leaked sender account %q", got.From.AccountID)
	}
	return nil
}

func (s *sim) replayIsDropped(ctx context.Context) error {
	id := uuid.New().String()
	line := "replay check " + id

	outcome, err := s.sendMessage(ctx, id, s.user, line)
	if err != nil {
		return err
	}
	if outcome != "routed" {
		return fmt.Errorf("first send: outcome %q, want routed", outcome)
	}
	if _, err := s.agentInbox.waitFor(ctx, s.cfg.Timeouts.Deliver, line); err != nil {
		return err
	}

	outcome, err = s.sendMessage(ctx, id, s.user, line)
	if err != nil {
		return err
	}
	if outcome != "duplicate" {
		return fmt.Errorf("second send: outcome %q, want duplicate", outcome)
	}
	return nil
}

func (s *sim) disconnect(ctx context.Context) error {
	var resp struct {
		Removed int `json:"removed"`
	}
	status, err := s.api.do(ctx, http.MethodDelete, "/api/connections",
		map[string]any{"identity": s.agent, "role": "owner"}, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d", status)
	}
	if resp.Removed != 1 {
		return fmt.Errorf("removed %d connections, want 1", resp.Removed)
	}

	if _, err := s.userInbox.waitFor(ctx, s.cfg.Timeouts.Deliver, "disconnected"); err != nil {
		return err
	}
	if _, err := s.agentInbox.waitFor(ctx, s.cfg.Timeouts.Deliver, "disconnected"); err != nil {
		return err
	}
	return nil
}

func (s *sim) verifyIdle(ctx context.Context) error {
	outcome, err := s.sendMessage(ctx, uuid.New().String(), s.user, "hello?")
	if err != nil {
		return err
	}
	if outcome != "no_action" {
		return fmt.Errorf("message after disconnect: outcome %q, want no_action", outcome)
	}

	var resp struct {
		Connections []store.Connection `json:"connections"`
	}
	status, err := s.api.do(ctx, http.MethodGet, "/api/connections", nil, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d", status)
	}
	if len(resp.Connections) != 0 {
		return fmt.Errorf("%d connections still active", len(resp.Connections))
	}
	return nil
}

func (s *sim) sendMessage(ctx context.Context, id string, from store.Identity, text string) (string, error) {
	msg := router.Message{
		ID:        id,
		Text:      text,
		From:      from,
		CreatedAt: time.Now(),
	}

	var resp struct {
		Outcome string `json:"outcome"`
		Detail  string `json:"detail"`
	}
	status, err := s.api.do(ctx, http.MethodPost, "/api/messages", msg, &resp)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return resp.Outcome, fmt.Errorf("status %d (outcome %q, detail %q)", status, resp.Outcome, resp.Detail)
	}
	return resp.Outcome, nil
}
