package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-engine/internal/config"
	"github.com/vovakirdan/wirechat-engine/internal/core"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.ts.Client().Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestLoginAndAuthorization(t *testing.T) {
	env := newTestEnv(t)
	token := env.token

	env.token = ""
	if code := env.do(t, http.MethodPost, "/api/login", LoginRequest{Password: "wrong"}, nil); code != http.StatusUnauthorized {
		t.Errorf("wrong password: expected 401, got %d", code)
	}
	var authResp AuthResponse
	if code := env.do(t, http.MethodPost, "/api/login", LoginRequest{Password: testPassword}, &authResp); code != http.StatusOK || authResp.Token == "" {
		t.Fatalf("login: status %d, token %q", code, authResp.Token)
	}
	if code := env.do(t, http.MethodGet, "/api/connection", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", code)
	}

	env.token = "not-a-jwt"
	if code := env.do(t, http.MethodGet, "/api/connection", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("invalid token: expected 401, got %d", code)
	}

	env.token = token
	var state StateResponse
	if code := env.do(t, http.MethodGet, "/api/connection", nil, &state); code != http.StatusOK || state.State != "disconnected" {
		t.Fatalf("connection state: status %d, state %q", code, state.State)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Control.LoginRateLimit = 2 })
	env.token = ""

	for i := 0; i < 2; i++ {
		if code := env.do(t, http.MethodPost, "/api/login", LoginRequest{Password: "wrong"}, nil); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, code)
		}
	}
	if code := env.do(t, http.MethodPost, "/api/login", LoginRequest{Password: testPassword}, nil); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the limit, got %d", code)
	}

	env.clock.Add(time.Minute)
	if code := env.do(t, http.MethodPost, "/api/login", LoginRequest{Password: testPassword}, nil); code != http.StatusOK {
		t.Fatalf("expected login after the window, got %d", code)
	}
}

func TestRoomsAndMessages(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	var rooms []RoomResponse
	if code := env.do(t, http.MethodGet, "/api/rooms", nil, &rooms); code != http.StatusOK {
		t.Fatalf("list rooms: status %d", code)
	}
	if len(rooms) != 1 || rooms[0].ID != "r1" || rooms[0].OwnPriv != "moderator" {
		t.Fatalf("unexpected rooms %+v", rooms)
	}
	if len(rooms[0].Members) != 1 || rooms[0].Members[0] != (MemberResponse{UserID: "bob", Priv: "standard"}) {
		t.Fatalf("unexpected members %+v", rooms[0].Members)
	}

	var msg MessageResponse
	if code := env.do(t, http.MethodPost, "/api/rooms/r1/messages", SendRequest{Content: "hi"}, &msg); code != http.StatusAccepted {
		t.Fatalf("send: status %d", code)
	}
	if msg.TempID == "" || msg.Content != "hi" || msg.Status != "sending" {
		t.Fatalf("unexpected message %+v", msg)
	}

	var got MessageResponse
	if code := env.do(t, http.MethodGet, "/api/rooms/r1/messages/"+msg.TempID, nil, &got); code != http.StatusOK || got.Content != "hi" {
		t.Fatalf("get message: status %d, %+v", code, got)
	}

	var errResp ErrorResponse
	if code := env.do(t, http.MethodGet, "/api/rooms/nope", nil, &errResp); code != http.StatusNotFound || errResp.Code != core.ErrCodeNotFound {
		t.Fatalf("unknown room: status %d, %+v", code, errResp)
	}
	if code := env.do(t, http.MethodPost, "/api/rooms/r1/messages", SendRequest{}, &errResp); code != http.StatusBadRequest || errResp.Code != core.ErrCodeInvalidArgument {
		t.Fatalf("empty message: status %d, %+v", code, errResp)
	}
}

func TestCreateChatValidation(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	var errResp ErrorResponse
	req := CreateChatRequest{Members: []MemberRequest{{UserID: "bob", Priv: "owner"}}}
	if code := env.do(t, http.MethodPost, "/api/rooms", req, &errResp); code != http.StatusBadRequest {
		t.Fatalf("unknown privilege: status %d, %+v", code, errResp)
	}

	var room RoomResponse
	req = CreateChatRequest{Group: true, Title: "team", Members: []MemberRequest{{UserID: "carol", Priv: "standard"}}}
	if code := env.do(t, http.MethodPost, "/api/rooms", req, &room); code != http.StatusCreated {
		t.Fatalf("create chat: status %d", code)
	}
	if room.Type != "group" || room.Title != "team" {
		t.Fatalf("unexpected room %+v", room)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var errResp ErrorResponse
	if code := env.do(t, http.MethodPut, "/api/presence/status", StatusRequest{Status: "sleeping"}, &errResp); code != http.StatusBadRequest {
		t.Fatalf("unknown status: expected 400, got %d", code)
	}
	if code := env.do(t, http.MethodPut, "/api/presence/autoaway", AutoawayRequest{Enabled: true}, &errResp); code != http.StatusBadRequest {
		t.Fatalf("autoaway without timeout: expected 400, got %d", code)
	}

	var cfg PresenceResponse
	if code := env.do(t, http.MethodPut, "/api/presence/persist", PersistRequest{Enabled: true}, &cfg); code != http.StatusOK || !cfg.Persist {
		t.Fatalf("persist: status %d, %+v", code, cfg)
	}
	if code := env.do(t, http.MethodPut, "/api/presence/autoaway", AutoawayRequest{Enabled: true, TimeoutSeconds: 90}, &cfg); code != http.StatusOK {
		t.Fatalf("autoaway: status %d", code)
	}
	if !cfg.Autoaway || cfg.AutoawaySeconds != 90 || cfg.Persist {
		t.Fatalf("unexpected presence config %+v", cfg)
	}
}

func TestRoomEventStream(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(env.ts.URL, "http", "ws", 1) + "/api/rooms/r1/events?token=" + env.token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	env.srv.PushMessage("r1", "bob", "hello")

	for {
		var ev EventResponse
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.Kind != core.EventMessageReceived.String() {
			continue
		}
		if ev.Message == nil || ev.Message.UserID != "bob" || ev.Message.Content != "hello" {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(env.ts.URL, "http", "ws", 1) + "/api/events"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrAccessDenied, http.StatusForbidden},
		{core.ErrNotFound, http.StatusNotFound},
		{core.ErrInvalidArgument, http.StatusBadRequest},
		{core.ErrTooOld, http.StatusConflict},
		{core.ErrRejected, http.StatusUnprocessableEntity},
		{core.ErrTransientNetwork, http.StatusServiceUnavailable},
		{fmt.Errorf("call: %w", core.ErrClosed), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
