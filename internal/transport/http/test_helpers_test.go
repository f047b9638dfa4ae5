package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/auth"
	"github.com/vovakirdan/wirechat-engine/internal/config"
	"github.com/vovakirdan/wirechat-engine/internal/core"
	"github.com/vovakirdan/wirechat-engine/internal/core/coretest"
	"github.com/vovakirdan/wirechat-engine/internal/proto"
	"github.com/vovakirdan/wirechat-engine/internal/store/sqlite"
)

const (
	testPassword = "correct horse"
	waitTimeout  = 2 * time.Second
)

type testEnv struct {
	ts     *httptest.Server
	srv    *coretest.Server
	eng    *core.Engine
	clock  *clock.Mock
	events *core.Subscription
	token  string
}

// newTestEnv starts an engine against the scripted chat server and serves
// the control API in front of it.
func newTestEnv(t *testing.T, configure ...func(*config.Config)) *testEnv {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Now())

	st, err := sqlite.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	srv := coretest.New("alice", clk)
	srv.AddRoom(proto.RoomData{
		ID:      "r1",
		Group:   true,
		Title:   "general",
		Members: []proto.MemberData{{User: "alice", Priv: 3}, {User: "bob", Priv: 2}},
		OwnPriv: 3,
	})

	eng := core.New(core.Options{
		Store:    st,
		Dialer:   srv,
		Resolver: srv.Endpoints(false),
		Clock:    clk,
		Config:   core.Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cfg := config.Default()
	cfg.Control.PasswordHash = hash
	cfg.Control.JWTSecret = "test-secret"
	for _, fn := range configure {
		fn(&cfg)
	}
	authService := createTestAuthService(t, &cfg, clk)

	disabledLogger := zerolog.New(nil)
	ts := httptest.NewServer(NewRouter(eng, authService, &cfg, clk, &disabledLogger))

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
		st.Close()
	})

	events, err := eng.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	token, err := authService.Login(testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return &testEnv{ts: ts, srv: srv, eng: eng, clock: clk, events: events, token: token}
}

// createTestAuthService creates an auth service for testing.
func createTestAuthService(t *testing.T, cfg *config.Config, clk clock.Clock) *auth.Service {
	t.Helper()

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.Control.JWTSecret),
		Issuer:   "test",
		Audience: "test",
		TTL:      cfg.Control.JWTTTL,
	}
	return auth.NewService(cfg.Control.PasswordHash, jwtConfig, clk)
}

// do sends an authenticated JSON request and decodes the reply into out
// when out is non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s reply: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// connect initializes a session through the API and waits for r1.
func (e *testEnv) connect(t *testing.T) {
	t.Helper()

	var sess SessionResponse
	if code := e.do(t, http.MethodPost, "/api/session/init", InitRequest{}, &sess); code != http.StatusOK {
		t.Fatalf("init: status %d", code)
	}
	var state StateResponse
	if code := e.do(t, http.MethodPost, "/api/connection/connect", nil, &state); code != http.StatusOK || state.State != "connected" {
		t.Fatalf("connect: status %d, state %q", code, state.State)
	}

	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-e.events.Events():
			if ev.Kind == core.EventChatConnectionState && ev.RoomID == "r1" && ev.ChatState == core.ChatOnline {
				return
			}
		case <-timeout:
			t.Fatal("room r1 never came online")
		}
	}
}
