package app

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/config"
	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/store"
)

func TestEngineConfigMapsSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Connection.KeepaliveInterval = 15 * time.Second
	cfg.Presence.Persist = true
	cfg.Calls.VideoDevices = []string{"cam0"}

	got := EngineConfig(&cfg)
	if got.KeepaliveInterval != 15*time.Second || got.EditWindow != time.Hour || got.MaxAttempts != 10 {
		t.Fatalf("unexpected connection settings %+v", got)
	}
	if got.Presence.Status != store.PresenceOnline || !got.Presence.Persist || got.Presence.AutoawayTimeout != 10*time.Minute {
		t.Fatalf("unexpected presence settings %+v", got.Presence)
	}
	if len(got.VideoDevices) != 1 || got.VideoDevices[0] != "cam0" {
		t.Fatalf("unexpected devices %v", got.VideoDevices)
	}
}

func TestNewResolver(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.Default()
	cfg.ChatURL = "ws://chat"
	cfg.PresenceURL = "ws://pres"

	ep, err := newResolver(&cfg, &logger).Resolve(context.Background())
	if err != nil || ep != (core.Endpoints{Chat: "ws://chat", Presence: "ws://pres"}) {
		t.Fatalf("static endpoints: %+v, %v", ep, err)
	}

	cfg.DiscoveryURL = "http://127.0.0.1:1/discover"
	if _, ok := newResolver(&cfg, &logger).(core.StaticEndpoints); ok {
		t.Fatal("discovery_url should select the gateway resolver")
	}
}

func TestRunServesHealthAndStops(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "cache.db")
	cfg.ChatURL = "ws://127.0.0.1:1/chat" // nothing listens; the engine keeps retrying
	cfg.Control.Addr = "127.0.0.1:18790"

	a, err := New(&cfg, &logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + cfg.Control.Addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("unexpected status %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("control API never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
