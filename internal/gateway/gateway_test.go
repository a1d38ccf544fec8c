// ABOUTME: Tests for the Gateway orchestrator lifecycle
// ABOUTME: Covers store selection, startup, health endpoints and graceful shutdown

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/store"
)

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := ln.Addr().String()
	ln.Close()

	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: httpAddr,
		},
		Store: config.StoreConfig{
			Backend: config.BackendMemory,
		},
		Delivery: config.DeliveryConfig{Timeout: time.Second},
		Dedupe:   config.DedupeConfig{TTL: time.Minute, MaxEntries: 100},
		Bot:      config.BotConfig{DisplayName: "switchboard"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	logger := testLogger()

	gw, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}

	if gw.store == nil {
		t.Error("store should not be nil")
	}

	if gw.router == nil {
		t.Error("router should not be nil")
	}

	if gw.broadcaster == nil {
		t.Error("broadcaster should not be nil")
	}

	if gw.announcer == nil {
		t.Error("announcer should not be nil")
	}
}

func TestGatewayNew_SQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "routing.db")

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if _, ok := gw.store.(*store.SQLiteStore); !ok {
		t.Errorf("store = %T, want *store.SQLiteStore", gw.store)
	}
}

func TestGatewayNew_BadgerBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendBadger
	cfg.Store.Path = t.TempDir()

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if _, ok := gw.store.(*store.BadgerStore); !ok {
		t.Errorf("store = %T, want *store.BadgerStore", gw.store)
	}
}

func TestInitStore_EnvPathOverride(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "override.db")
	t.Setenv("SWITCHBOARD_DB_PATH", envPath)

	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "ignored.db")

	s, err := initStore(cfg)
	if err != nil {
		t.Fatalf("initStore() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(envPath); err != nil {
		t.Errorf("expected database at env override path: %v", err)
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	// Give it time to start
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestGatewayRun_AddrInUse(t *testing.T) {
	cfg := testConfig(t)

	// Occupy the port so Run cannot bind it.
	ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer ln.Close()

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if err := gw.Run(context.Background()); err == nil {
		t.Error("Run() should fail when the address is taken")
	}
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := t.Context()

	go func() {
		_ = gw.Run(ctx)
	}()

	// Wait for server to start
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestReadyEndpoint(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := t.Context()

	go func() {
		_ = gw.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading ready body failed: %v", err)
	}
	if got := string(body); len(got) == 0 {
		t.Error("ready body should describe the store state")
	}
}

func TestShutdownBeforeRun(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	// Shutdown before Run must release resources without error.
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on fresh gateway failed: %v", err)
	}
}
